package main

import (
	"flag"
	"io"
	"testing"
	"time"
)

func TestSummarizeNearestRank(t *testing.T) {
	var samples []time.Duration
	for i := 20; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	s := summarize(samples)
	if s.count != 20 {
		t.Fatalf("count = %d, want 20", s.count)
	}
	if s.p50 != 10*time.Millisecond {
		t.Fatalf("p50 = %s, want 10ms", s.p50)
	}
	if s.p95 != 19*time.Millisecond {
		t.Fatalf("p95 = %s, want 19ms", s.p95)
	}
	if s.max != 20*time.Millisecond {
		t.Fatalf("max = %s, want 20ms", s.max)
	}
}

func TestParseFlagsValidates(t *testing.T) {
	newSet := func() *flag.FlagSet {
		fs := flag.NewFlagSet("perfsync", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		return fs
	}
	if _, err := parseFlags(newSet(), []string{"-writer-token", "a", "-watcher-token", "b"}); err == nil {
		t.Fatalf("parseFlags() error = nil without workspace and task")
	}
	cfg, err := parseFlags(newSet(), []string{
		"-writer-token", "a", "-watcher-token", "b",
		"-workspace-id", "ws", "-task-id", "t", "-round-timeout-ms", "5",
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.roundTimeout != 100*time.Millisecond {
		t.Fatalf("roundTimeout = %s, want clamped 100ms", cfg.roundTimeout)
	}
}

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://sync.example.com/base")
	if err != nil {
		t.Fatalf("wsURLFor() error = %v", err)
	}
	if got != "wss://sync.example.com/base/v1/ws" {
		t.Fatalf("wsURLFor() = %q", got)
	}
}
