package spool

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/reliefops/xir/internal/node"
)

// fakeScanner records every line it is fed and completes each one,
// except lines starting with "bad" which it rejects and sessions it
// was told to leave incomplete.
type fakeScanner struct {
	mu         sync.Mutex
	lines      map[string][]string
	incomplete map[string][]int
	aborted    []string
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		lines:      make(map[string][]string),
		incomplete: make(map[string][]int),
	}
}

func (f *fakeScanner) HandleScan(_ context.Context, sessionID, line string) (*node.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines[sessionID] = append(f.lines[sessionID], line)
	if len(f.incomplete[sessionID]) > 0 {
		return &node.ScanResult{SessionID: sessionID, Missing: f.incomplete[sessionID]}, nil
	}
	return &node.ScanResult{SessionID: sessionID, Complete: true}, nil
}

func (f *fakeScanner) MissingChunks(sessionID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incomplete[sessionID]
}

func (f *fakeScanner) AbortScan(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
}

func (f *fakeScanner) sawLines(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines[sessionID])
}

func (f *fakeScanner) wasAborted(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.aborted {
		if s == sessionID {
			return true
		}
	}
	return false
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWatch_SweepsExistingAndNewBundles(t *testing.T) {
	sp, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	scanner := newFakeScanner()

	// A bundle waiting before the watcher starts.
	if _, err := sp.DropInbox("early.txt", []byte("one\ntwo\n")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var ingested []string
	go Watch(ctx, sp, scanner, quietLogger(), func(name string) {
		mu.Lock()
		ingested = append(ingested, name)
		mu.Unlock()
	})

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return scanner.sawLines("early.txt") == 2
	}, "startup sweep did not ingest the waiting bundle")

	if _, err := sp.DropInbox("late.txt", []byte("three\n")); err != nil {
		t.Fatal(err)
	}

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return scanner.sawLines("late.txt") == 1
	}, "watcher did not ingest the new bundle")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		names, err := sp.Inbox()
		return err == nil && len(names) == 0
	}, "ingested bundles should be archived out of the inbox")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ingested) >= 2
	}, "expected ingest callbacks for both bundles")
}

func TestWatch_IncompleteBundleAborted(t *testing.T) {
	sp, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	scanner := newFakeScanner()
	scanner.incomplete["partial.txt"] = []int{3}

	if _, err := sp.DropInbox("partial.txt", []byte("chunk-1\nchunk-2\n")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, sp, scanner, quietLogger(), nil)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return scanner.wasAborted("partial.txt")
	}, "session for incomplete bundle should be aborted")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		names, err := sp.Inbox()
		return err == nil && len(names) == 0
	}, "incomplete bundle should still be archived")
}

func TestSweep_SkipsBlankLines(t *testing.T) {
	sp, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	scanner := newFakeScanner()
	if _, err := sp.DropInbox("gappy.txt", []byte("\none\n\n\ntwo\n")); err != nil {
		t.Fatal(err)
	}

	Sweep(context.Background(), sp, scanner, quietLogger(), nil)

	if got := scanner.sawLines("gappy.txt"); got != 2 {
		t.Errorf("scanner saw %d lines, want 2", got)
	}
}
