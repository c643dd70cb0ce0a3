package main

import (
	"context"
	"testing"
	"time"

	"alfalyzer/internal/config"
	"alfalyzer/internal/mcpserver"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestMainBootstrap(t *testing.T) {
	origLoadEnv := loadEnvFunc
	origLoadConfig := loadConfigFunc
	origLoadProviders := loadProvidersFunc
	origInitRedis := initRedisFunc
	origInitTracer := initTracerFunc
	origRun := runServerFunc
	defer func() {
		loadEnvFunc = origLoadEnv
		loadConfigFunc = origLoadConfig
		loadProvidersFunc = origLoadProviders
		initRedisFunc = origInitRedis
		initTracerFunc = origInitTracer
		runServerFunc = origRun
	}()

	loadEnvFunc = func(...string) error { return nil }
	loadConfigFunc = func() *config.Config {
		return &config.Config{MCPTransport: "stdio", MCPHTTPBind: "127.0.0.1", MCPHTTPPort: 8090, FinnhubAPIKey: "k"}
	}
	loadProvidersFunc = func(string) (*config.Providers, error) { return config.DefaultProviders(), nil }
	initRedisFunc = func(context.Context) {}
	initTracerFunc = func(context.Context) (*sdktrace.TracerProvider, trace.Tracer, error) {
		tp := sdktrace.NewTracerProvider()
		return tp, tp.Tracer("test"), nil
	}
	var got mcpserver.Options
	runServerFunc = func(s *mcpserver.Server, _ context.Context, opts mcpserver.Options) error {
		if s == nil {
			t.Error("expected a server")
		}
		got = opts
		return nil
	}

	done := make(chan struct{})
	go func() {
		main()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("main did not exit")
	}
	if got.Transport != "stdio" || got.HTTPAddr != "127.0.0.1:8090" {
		t.Fatalf("unexpected options %+v", got)
	}
}
