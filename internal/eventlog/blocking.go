package eventlog

import (
	"context"
	"time"
)

// Notify returns a channel closed by the next successful append.
func (l *Log) Notify() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until a new append occurs, timeout elapses or ctx is
// done. It returns true only if woken by an append.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	ch := l.Notify()
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
