package webhook

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockProcessor はBatchProcessorのテスト用モック。
type mockProcessor struct {
	processFunc func(ctx context.Context) (int, error)
	calls       atomic.Int32
}

func (m *mockProcessor) ProcessBatch(ctx context.Context) (int, error) {
	m.calls.Add(1)
	if m.processFunc != nil {
		return m.processFunc(ctx)
	}
	return 0, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestScheduler_RunOnce_ReturnsCount(t *testing.T) {
	var buf bytes.Buffer
	proc := &mockProcessor{processFunc: func(context.Context) (int, error) { return 3, nil }}
	s := NewScheduler(proc, newTestLogger(&buf), 10)

	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RunOnce() = %d, want 3", n)
	}
	if !strings.Contains(buf.String(), "webhook batch completed") {
		t.Errorf("expected completion log, got %s", buf.String())
	}
}

func TestScheduler_Drain_RepeatsWhileBatchIsFull(t *testing.T) {
	var buf bytes.Buffer
	results := []int{2, 2, 1}
	proc := &mockProcessor{}
	proc.processFunc = func(context.Context) (int, error) {
		i := int(proc.calls.Load()) - 1
		if i >= len(results) {
			return 0, nil
		}
		return results[i], nil
	}
	s := NewScheduler(proc, newTestLogger(&buf), 2)

	s.drain(context.Background())

	if got := proc.calls.Load(); got != 3 {
		t.Errorf("ProcessBatch calls = %d, want 3", got)
	}
}

func TestScheduler_Drain_StopsOnError(t *testing.T) {
	var buf bytes.Buffer
	proc := &mockProcessor{processFunc: func(context.Context) (int, error) { return 0, errors.New("db down") }}
	s := NewScheduler(proc, newTestLogger(&buf), 2)

	s.drain(context.Background())

	if got := proc.calls.Load(); got != 1 {
		t.Errorf("ProcessBatch calls = %d, want 1", got)
	}
	if !strings.Contains(buf.String(), "db down") {
		t.Errorf("expected error log, got %s", buf.String())
	}
}

func TestScheduler_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	proc := &mockProcessor{}
	s := NewScheduler(proc, newTestLogger(&buf), 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if proc.calls.Load() < 2 {
		t.Errorf("expected the processor to run on start and on ticks, got %d calls", proc.calls.Load())
	}
}
