// Package eventloop implements a single-threaded, edge-triggered epoll
// reactor. One Loop owns one epoll instance and runs on exactly one
// goroutine; every Registration it hands out may only be touched from
// callbacks invoked on that goroutine, mirroring the fdbased dispatcher's
// assumption that each endpoint's read/write path runs on its own
// dedicated goroutine rather than behind a lock.
package eventloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/myriadlabs/udpchan/pkg/rawfile"
	"golang.org/x/sys/unix"
)

// runPollInterval bounds how long Run blocks in epoll_wait before checking
// its context again.
const runPollInterval = 100 * time.Millisecond

// Interest is the set of readiness conditions a Registration wants to hear
// about. EPOLLET is always added by Register; callers never request it
// themselves.
type Interest uint32

const (
	InterestRead  Interest = rawfile.EventIn
	InterestWrite Interest = rawfile.EventOut
)

// Handler is invoked on the loop's goroutine when a Registration's fd
// becomes ready for one of the conditions in mask.
type Handler func(mask uint32)

// Registration is a single fd's membership in a Loop. It is not safe for
// concurrent use; every method must be called from the Loop's goroutine
// except Close, which may be called from any goroutine and runs the
// epoll_ctl(DEL) immediately on the calling goroutine.
type Registration struct {
	loop       *Loop
	fd         int
	handler    Handler
	writeArmed bool
	closing    bool
}

// ArmWrite adds EPOLLOUT to the registration's interest set. The write path
// calls this after a partial or failed send so the loop wakes it up again
// once the socket drains.
func (r *Registration) ArmWrite() error {
	r.loop.assertOwner()
	if r.writeArmed {
		return nil
	}
	if err := rawfile.EpollModify(r.loop.epfd, r.fd, uint32(InterestRead)|uint32(InterestWrite)|uint32(rawfile.EventET)); err != nil {
		return err
	}
	r.writeArmed = true
	return nil
}

// DisarmWrite removes EPOLLOUT from the registration's interest set. The
// write path calls this once a batch drains the outbound queue, so the
// edge-triggered socket stops reporting writability nobody asked about.
func (r *Registration) DisarmWrite() error {
	r.loop.assertOwner()
	if !r.writeArmed {
		return nil
	}
	if err := rawfile.EpollModify(r.loop.epfd, r.fd, uint32(InterestRead)|uint32(rawfile.EventET)); err != nil {
		return err
	}
	r.writeArmed = false
	return nil
}

// Close removes the registration from its loop. Safe to call more than
// once; the second call is a no-op.
func (r *Registration) Close() error {
	r.loop.mu.Lock()
	if r.closing {
		r.loop.mu.Unlock()
		return nil
	}
	r.closing = true
	delete(r.loop.regs, r.fd)
	r.loop.mu.Unlock()
	return rawfile.EpollDel(r.loop.epfd, r.fd)
}

// Loop is an epoll reactor. The zero Loop is not usable; create one with
// New.
type Loop struct {
	epfd  int
	owner *int // unused; assertOwner checks runningOn instead

	mu   sync.Mutex
	regs map[int]*Registration

	runningOn goroutineToken
}

// goroutineToken stands in for a true thread/goroutine identity, which Go
// does not expose. Run stamps a token naming this Loop, and assertOwner
// checks only that the stamp is present: it catches a Registration being
// used before Run has started, not a call made from a different goroutine
// while Run is running.
type goroutineToken struct {
	loop *Loop
}

// New creates a Loop backed by a fresh epoll instance.
func New() (*Loop, error) {
	epfd, err := rawfile.EpollCreate()
	if err != nil {
		return nil, err
	}
	return &Loop{epfd: epfd, regs: make(map[int]*Registration)}, nil
}

// Register adds fd to the loop with the given initial interest and handler.
// EPOLLET is always included. The returned Registration must only be used
// from callbacks the loop invokes, except for Close.
func (l *Loop) Register(fd int, interest Interest, handler Handler) (*Registration, error) {
	r := &Registration{loop: l, fd: fd, handler: handler}
	mask := uint32(interest) | uint32(rawfile.EventET)
	l.mu.Lock()
	l.regs[fd] = r
	l.mu.Unlock()
	if err := rawfile.EpollAdd(l.epfd, fd, mask, uint64(fd)); err != nil {
		l.mu.Lock()
		delete(l.regs, fd)
		l.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// Run blocks dispatching ready events until ctx is canceled or an
// unrecoverable epoll_wait error occurs. Run must be called from the
// goroutine that will own every Registration this Loop hands out; on entry
// it stamps the token that assertOwner checks. epoll_wait is given
// runPollInterval as its timeout, so a cancellation is noticed within that
// interval even while no fd is ready.
func (l *Loop) Run(ctx context.Context) error {
	l.runningOn = goroutineToken{loop: l}
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := rawfile.EpollWait(l.epfd, events, runPollInterval)
		if err != nil {
			return fmt.Errorf("eventloop: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			l.mu.Lock()
			r, ok := l.regs[fd]
			l.mu.Unlock()
			if !ok || r.closing {
				continue
			}
			r.handler(events[i].Events)
		}
	}
}

// assertOwner panics if Run has not been called on this Loop. Registration
// methods call this to catch use outside a running loop early; it does not
// detect a call from a goroutine other than the one running Run.
func (l *Loop) assertOwner() {
	if l.runningOn.loop != l {
		panic("eventloop: Registration method called before its Loop's Run started")
	}
}

// Close releases the loop's epoll fd. Run must have already returned.
func (l *Loop) Close() error {
	return rawfile.Close(l.epfd)
}
