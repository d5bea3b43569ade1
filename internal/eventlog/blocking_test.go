package eventlog

import (
	"context"
	"testing"
	"time"
)

func TestWaitForAppendWake(t *testing.T) {
	l := newTestLog(t)

	done := make(chan struct{})
	go func() {
		ok := l.WaitForAppend(context.Background(), 500*time.Millisecond)
		if !ok {
			t.Errorf("expected wake by append")
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := l.Append(context.Background(), []AppendRecord{{Payload: []byte("x")}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("timeout waiting for waiter to wake")
	}
}

func TestWaitForAppendTimeout(t *testing.T) {
	l := newTestLog(t)
	if l.WaitForAppend(context.Background(), 50*time.Millisecond) {
		t.Fatalf("expected timeout")
	}
}

func TestWaitForAppendContextCancel(t *testing.T) {
	l := newTestLog(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if l.WaitForAppend(ctx, 0) {
		t.Fatalf("expected cancellation")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait ignored context")
	}
}
