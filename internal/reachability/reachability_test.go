package reachability_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-iscsi/initiator/internal/reachability"
)

// fakeDialer reports a fixed result per address, toggleable mid-test.
type fakeDialer struct {
	mu        sync.Mutex
	reachable map[string]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{reachable: make(map[string]bool)}
}

func (d *fakeDialer) set(addr string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reachable[addr] = ok
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	ok := d.reachable[address]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New("fake: connection refused")
	}
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func TestWatchFiresImmediatelyWhenAlreadyReachable(t *testing.T) {
	dialer := newFakeDialer()
	dialer.set("10.0.0.1:3260", true)

	w := reachability.New(reachability.WithDialer(dialer), reachability.WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Register the portal so the poller tracks it.
	w.Watch("10.0.0.1:3260", func() {})
	w.Start(ctx)

	// Wait for the first poll to observe the portal as reachable.
	deadline := time.Now().Add(time.Second)
	for w.State("10.0.0.1:3260") != reachability.Reachable {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Reachable state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fired := make(chan struct{}, 1)
	w.Watch("10.0.0.1:3260", func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire immediately for an already-reachable portal")
	}
}

func TestWatchFiresOnTransition(t *testing.T) {
	dialer := newFakeDialer()
	dialer.set("10.0.0.2:3260", false)

	w := reachability.New(reachability.WithDialer(dialer), reachability.WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	fired := make(chan struct{}, 1)
	w.Watch("10.0.0.2:3260", func() { fired <- struct{}{} })

	select {
	case <-fired:
		t.Fatal("callback fired before the portal became reachable")
	case <-time.After(50 * time.Millisecond):
	}

	dialer.set("10.0.0.2:3260", true)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire after transition to reachable")
	}
}

func TestUnwatchDropsCallback(t *testing.T) {
	dialer := newFakeDialer()
	dialer.set("10.0.0.3:3260", false)

	w := reachability.New(reachability.WithDialer(dialer), reachability.WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	fired := make(chan struct{}, 1)
	w.Watch("10.0.0.3:3260", func() { fired <- struct{}{} })
	w.Unwatch("10.0.0.3:3260")

	dialer.set("10.0.0.3:3260", true)

	select {
	case <-fired:
		t.Fatal("callback fired after Unwatch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateUnknownBeforeFirstPoll(t *testing.T) {
	w := reachability.New()
	if got := w.State("never-watched:3260"); got != reachability.Unknown {
		t.Errorf("State() = %v, want Unknown", got)
	}
}
