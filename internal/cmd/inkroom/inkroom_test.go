package inkroom

import (
	"context"
	"flag"
	"reflect"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("inkroom", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
	if cfg.Addr() != ":3000" {
		t.Fatalf("expected default addr, got %q", cfg.Addr())
	}
	if cfg.RedisAddr != "" || cfg.RedisPrefix != "inkroom" {
		t.Fatalf("unexpected redis defaults %q/%q", cfg.RedisAddr, cfg.RedisPrefix)
	}
	if cfg.StrokeIdleTimeout != 30*time.Second {
		t.Fatalf("expected default idle timeout, got %v", cfg.StrokeIdleTimeout)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"*"}) {
		t.Fatalf("expected wildcard origins, got %v", cfg.CORSOrigins)
	}
	if cfg.MDNS {
		t.Fatal("expected mdns disabled by default")
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected log defaults %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("INKROOM_REDIS_ADDR", "redis:6379")
	t.Setenv("INKROOM_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("INKROOM_STROKE_IDLE_TIMEOUT", "0s")

	fs := flag.NewFlagSet("inkroom", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 4000 || cfg.RedisAddr != "redis:6379" || cfg.StrokeIdleTimeout != 0 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("origins = %v", cfg.CORSOrigins)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("INKROOM_HOST", "env-host")

	fs := flag.NewFlagSet("inkroom", flag.ContinueOnError)
	args := []string{
		"-port", "5000",
		"-host", "127.0.0.1",
		"-redis-prefix", "studio",
		"-stroke-idle-timeout", "5s",
		"-cors-origins", " https://c.example , ",
		"-mdns",
		"-log-format", "console",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:5000" {
		t.Fatalf("expected flag addr, got %q", cfg.Addr())
	}
	if cfg.RedisPrefix != "studio" || cfg.StrokeIdleTimeout != 5*time.Second || !cfg.MDNS || cfg.LogFormat != "console" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"https://c.example"}) {
		t.Fatalf("origins = %v", cfg.CORSOrigins)
	}
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	tests := map[string][]string{
		"port":         {"-port", "70000"},
		"idle timeout": {"-stroke-idle-timeout", "-1s"},
		"unknown flag": {"-nope"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			fs := flag.NewFlagSet("inkroom", flag.ContinueOnError)
			fs.SetOutput(nopWriter{})
			if _, err := ParseConfig(fs, args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRunRejectsInvalidLogLevel(t *testing.T) {
	err := Run(context.Background(), Config{Port: 0, LogLevel: "loud"})
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Host: "127.0.0.1", Port: 0, LogLevel: "error", LogFormat: "json"})
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
