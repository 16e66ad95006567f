package app

import (
	"context"
	"os"
	"testing"

	"github.com/dbarentine/environment-iot/internal/config"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/temoto/spq"
)

// NewTestContext reads confString as the only config source.
// Set g.Session/g.Clock/g.NetTime via prepare, before Init.
// Empty outbox.path means in-memory queue.
func NewTestContext(t testing.TB, confString string, prepare func(*Global)) (context.Context, *Global) {
	fs := config.NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("devlink_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = "test"
	if prepare != nil {
		prepare(g)
	}
	cfg, err := config.Read(log, fs, "test-inline")
	if err != nil {
		t.Fatalf("config err=%v", err)
	}
	if cfg.Outbox.Path == "" {
		cfg.Outbox.Path = spq.OnlyForTesting
	}
	if err = g.Init(ctx, cfg); err != nil {
		t.Fatalf("init err=%v", err)
	}
	return ctx, g
}
