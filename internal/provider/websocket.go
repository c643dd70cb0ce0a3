package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"alfalyzer/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	finnhubStreamURL   = "wss://ws.finnhub.io"
	defaultIdleTimeout = 60 * time.Second
)

// ErrIdleTimeout is returned by Next when the upstream sent nothing, not even
// a pong, for the source's idle timeout.
var ErrIdleTimeout = errors.New("stream idle timeout")

// frameDecoder turns one websocket text frame into zero or more ticks.
// Control frames (pings, acks) decode to no ticks and no error.
type frameDecoder func(data []byte) ([]domain.Tick, error)

// subscribeEncoder builds the frames that subscribe to symbols.
type subscribeEncoder func(symbols []string) [][]byte

// WebSocketSource is a StreamSource over a JSON websocket feed.
type WebSocketSource struct {
	id        string
	endpoint  string
	header    http.Header
	dialer    *websocket.Dialer
	decode    frameDecoder
	subscribe subscribeEncoder
	idle      time.Duration
}

// NewFinnhubStream streams trades from Finnhub's websocket API.
func NewFinnhubStream(apiKey string) *WebSocketSource {
	endpoint := finnhubStreamURL
	if apiKey != "" {
		endpoint += "?token=" + url.QueryEscape(apiKey)
	}
	return &WebSocketSource{
		id:        "finnhub-ws",
		endpoint:  endpoint,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		decode:    decodeFinnhubFrame,
		subscribe: encodeFinnhubSubscribe,
		idle:      defaultIdleTimeout,
	}
}

// NewJSONStream connects to a generic feed that sends
// {"symbol","price","volume","timestamp"} objects and accepts
// {"action":"subscribe","symbols":[...]}.
func NewJSONStream(id, endpoint string, header http.Header) *WebSocketSource {
	return &WebSocketSource{
		id:        id,
		endpoint:  endpoint,
		header:    header,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		decode:    decodeJSONFrame,
		subscribe: encodeJSONSubscribe,
		idle:      defaultIdleTimeout,
	}
}

func (s *WebSocketSource) ID() string { return s.id }

// SetIdleTimeout bounds how long a session may go without any inbound frame
// before Next fails. Pings go out at half that interval. Non-positive keeps
// the current value.
func (s *WebSocketSource) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		s.idle = d
	}
}

func (s *WebSocketSource) Dial(ctx context.Context, symbols []string) (domain.StreamSession, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, s.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.id, err)
	}
	sess := &wsSession{
		conn:      conn,
		decode:    s.decode,
		subscribe: s.subscribe,
		idle:      s.idle,
		done:      make(chan struct{}),
	}
	_ = conn.SetReadDeadline(time.Now().Add(sess.idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(sess.idle))
	})
	if err := sess.Subscribe(symbols); err != nil {
		_ = sess.Close()
		return nil, err
	}
	go sess.keepalive()
	// A blocked ReadMessage only returns once the socket is closed.
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-sess.done:
		}
	}()
	return sess, nil
}

type wsSession struct {
	conn      *websocket.Conn
	decode    frameDecoder
	subscribe subscribeEncoder
	idle      time.Duration

	writeMu   sync.Mutex
	pending   []domain.Tick
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) Next(ctx context.Context) (domain.Tick, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return domain.Tick{}, err
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.Tick{}, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return domain.Tick{}, fmt.Errorf("%w: nothing received for %v", ErrIdleTimeout, s.idle)
			}
			return domain.Tick{}, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idle))
		if msgType != websocket.TextMessage {
			continue
		}
		ticks, err := s.decode(data)
		if err != nil {
			return domain.Tick{}, err
		}
		s.pending = ticks
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	return t, nil
}

// keepalive pings the upstream so a healthy but quiet feed still produces
// pongs inside the idle window.
func (s *wsSession) keepalive() {
	ticker := time.NewTicker(s.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.idle/2))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *wsSession) Subscribe(symbols []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, frame := range s.subscribe(symbols) {
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	return nil
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Finnhub frames: {"type":"trade","data":[{"s":"AAPL","p":189.1,"v":10,"t":1700000000000}]}
// plus {"type":"ping"} keepalives and {"type":"error","msg":"..."}.
func decodeFinnhubFrame(data []byte) ([]domain.Tick, error) {
	var frame struct {
		Type string `json:"type"`
		Msg  string `json:"msg"`
		Data []struct {
			Symbol string  `json:"s"`
			Price  float64 `json:"p"`
			Volume float64 `json:"v"`
			Time   int64   `json:"t"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	switch frame.Type {
	case "trade":
		ticks := make([]domain.Tick, 0, len(frame.Data))
		for _, d := range frame.Data {
			ticks = append(ticks, domain.Tick{
				Symbol:    d.Symbol,
				Price:     d.Price,
				Volume:    d.Volume,
				Timestamp: time.UnixMilli(d.Time).UTC(),
			})
		}
		return ticks, nil
	case "error":
		return nil, errors.New("finnhub stream: " + frame.Msg)
	default:
		return nil, nil
	}
}

func encodeFinnhubSubscribe(symbols []string) [][]byte {
	out := make([][]byte, 0, len(symbols))
	for _, sym := range symbols {
		b, _ := json.Marshal(map[string]string{"type": "subscribe", "symbol": sym})
		out = append(out, b)
	}
	return out
}

func decodeJSONFrame(data []byte) ([]domain.Tick, error) {
	var msg struct {
		Symbol    string  `json:"symbol"`
		Price     float64 `json:"price"`
		Volume    float64 `json:"volume"`
		Timestamp int64   `json:"timestamp"`
		Type      string  `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if msg.Symbol == "" {
		if msg.Type != "" {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: missing symbol", domain.ErrMalformedMessage)
	}
	tick := domain.Tick{Symbol: msg.Symbol, Price: msg.Price, Volume: msg.Volume}
	if msg.Timestamp > 0 {
		tick.Timestamp = time.UnixMilli(msg.Timestamp).UTC()
	}
	return []domain.Tick{tick}, nil
}

func encodeJSONSubscribe(symbols []string) [][]byte {
	if len(symbols) == 0 {
		return nil
	}
	b, _ := json.Marshal(map[string]any{"action": "subscribe", "symbols": symbols})
	return [][]byte{b}
}
