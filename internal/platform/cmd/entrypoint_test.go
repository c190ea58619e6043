package cmd

import (
	"context"
	"errors"
	"flag"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type serverConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"server"`
}

type botConfig struct {
	Room string `env:"ROOM" envDefault:"main"`
	Name string `env:"NAME" envDefault:"bot"`
}

func TestParseConfigReadsEnvThenFlags(t *testing.T) {
	t.Setenv("CMD_TEST_ADDRESS", "env:9000")
	t.Setenv("CMD_TEST_MODE", "env-mode")

	var cfg serverConfig
	fs := flag.NewFlagSet("inkroom", flag.ContinueOnError)
	err := Inkroom.ParseConfig(&cfg, fs, []string{"-address", "flag:9001"}, func(fs *flag.FlagSet) {
		fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
		fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")
	})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Address != "flag:9001" {
		t.Fatalf("expected flag value for address, got %q", cfg.Address)
	}
	if cfg.Mode != "env-mode" {
		t.Fatalf("expected env default mode, got %q", cfg.Mode)
	}
}

func TestInkbotParseConfigUsesPrefix(t *testing.T) {
	t.Setenv("INKBOT_ROOM", "studio")
	t.Setenv("NAME", "ignored")

	var cfg botConfig
	fs := flag.NewFlagSet("inkbot", flag.ContinueOnError)
	if err := Inkbot.ParseConfig(&cfg, fs, nil, nil); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Room != "studio" || cfg.Name != "bot" {
		t.Fatalf("config = %+v, want studio room and default name", cfg)
	}
}

func TestParseConfigNamesCommandOnEnvError(t *testing.T) {
	t.Setenv("INKBOT_ROOM", "studio")
	var cfg struct {
		Count int `env:"ROOM"`
	}
	err := Inkbot.ParseConfig(&cfg, flag.NewFlagSet("inkbot", flag.ContinueOnError), nil, nil)
	if err == nil {
		t.Fatal("expected env error")
	}
	if got := err.Error(); !strings.HasPrefix(got, "inkbot config:") {
		t.Fatalf("error = %q, want inkbot prefix", got)
	}
}

func TestParseConfigRejectsMissingInputs(t *testing.T) {
	if err := Inkroom.ParseConfig(nil, flag.NewFlagSet("x", flag.ContinueOnError), nil, nil); err == nil {
		t.Fatal("expected nil target error")
	}
	if err := Inkroom.ParseConfig(&serverConfig{}, nil, nil, nil); err == nil {
		t.Fatal("expected nil parser error")
	}
}

func TestLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := Inkroom.Logger("loud", "json"); err == nil {
		t.Fatal("expected level error")
	}
	logger, err := Inkbot.Logger("info", "json")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	_ = logger.Sync()
}

func TestRunRejectsMissingFunction(t *testing.T) {
	if err := Inkroom.Run(context.Background(), zap.NewNop(), nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunReturnsRunError(t *testing.T) {
	t.Setenv("INKROOM_OTEL_ENDPOINT", "")
	want := errors.New("boom")

	err := Inkbot.Run(context.Background(), nil, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected run error, got %v", err)
	}
}
