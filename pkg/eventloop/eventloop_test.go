//go:build linux

package eventloop

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRegisterDeliversReadEvent(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	done := make(chan struct{})
	_, err = l.Register(fds[0], InterestRead, func(mask uint32) {
		if mask&uint32(InterestRead) != 0 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go l.Run(ctx)

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for read event")
	}
}

func TestRegistrationArmAndDisarmWrite(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	reg, err := l.Register(fds[0], InterestRead, func(uint32) {})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	// Give Run a moment to record its owning goroutine token before we
	// call the owner-only methods.
	time.Sleep(10 * time.Millisecond)

	if err := reg.ArmWrite(); err != nil {
		t.Fatalf("ArmWrite: %v", err)
	}
	if err := reg.DisarmWrite(); err != nil {
		t.Fatalf("DisarmWrite: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}
