package osal

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreWaitTimeoutDistinguishesTimeoutFromOK(t *testing.T) {
	s := NewSemaphore(0)
	if r := s.WaitTimeout(20 * time.Millisecond); r != WaitTimeout {
		t.Fatalf("expected WaitTimeout, got %v", r)
	}
	s.Signal()
	if r := s.WaitTimeout(time.Second); r != WaitOK {
		t.Fatalf("expected WaitOK, got %v", r)
	}
}

func TestSemaphoreSignalWait(t *testing.T) {
	s := NewSemaphore(0)
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Signal")
	}
}

func TestThreadCreateJoinKill(t *testing.T) {
	started := make(chan struct{})
	th := Create(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, PriorityNormal)
	<-started
	th.Kill()
	th.Join()
}
