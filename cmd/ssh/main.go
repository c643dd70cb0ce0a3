package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"alfalyzer/internal/config"
	"alfalyzer/internal/console"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/joho/godotenv"
)

// ctxKey is a typed context key to avoid collisions.
type ctxKey string

const sshUserKey ctxKey = "ssh_user"

var (
	loadEnvFunc            = godotenv.Load
	loadConfigFunc         = config.Load
	loadAuthorizedKeysFunc = console.LoadAuthorizedKeys
	newConsoleSourceFunc   = func(baseURL string) console.Source {
		return console.NewAPIClient(baseURL)
	}
	newWishServerFunc = wish.NewServer
	setupSignalNotify = ossignal.Notify
	waitForSignalFunc = func(quit <-chan os.Signal) { <-quit }
)

func main() {
	loadEnvFunc()
	cfg := loadConfigFunc()

	keys := console.AuthorizedKeys{}
	if cfg.SSHAuthorizedKeys != "" {
		loaded, err := loadAuthorizedKeysFunc(cfg.SSHAuthorizedKeys)
		if err != nil {
			log.Fatalf("failed to load authorized keys: %v", err)
		}
		keys = loaded
	}
	if len(keys) == 0 {
		log.Println("Warning: no SSH authorized keys configured, every login will be denied")
	}

	src := newConsoleSourceFunc(cfg.APIBaseURL)
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.SSHPort)

	srv, err := newWishServerFunc(
		wish.WithAddress(addr),
		wish.WithHostKeyPath(cfg.SSHHostKeyPath),
		wish.WithPublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
			name, ok := keys.Lookup(key)
			if !ok {
				log.Printf("SSH auth denied: user=%s", ctx.User())
				return false
			}
			ctx.SetValue(sshUserKey, name)
			log.Printf("SSH auth accepted: operator=%s", name)
			return true
		}),
		wish.WithMiddleware(
			bubbletea.Middleware(func(s ssh.Session) (tea.Model, []tea.ProgramOption) {
				name, _ := s.Context().Value(sshUserKey).(string)
				model := console.NewModel(src, name, 5*time.Second)
				pty, _, _ := s.Pty()
				model.SetSize(pty.Window.Width, pty.Window.Height)

				return model, []tea.ProgramOption{tea.WithAltScreen()}
			}),
			logging.Middleware(),
		),
	)
	if err != nil {
		log.Fatalf("failed to create SSH server: %v", err)
	}

	if srv != nil {
		go func() {
			log.Printf("SSH console listening on %s (api %s)", addr, cfg.APIBaseURL)
			if err := srv.ListenAndServe(); err != nil {
				log.Printf("SSH server stopped: %v", err)
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down SSH server...")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("SSH server shutdown error: %v", err)
		}
	}

	log.Println("SSH server exited")
}
