package lifecycle

import (
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/testutil"
)

// TestConcurrentProtectAndStop hammers Protect while tunnels come and go.
// The facility must never be asked to protect a socket once the handle
// it belongs to has been closed.
func TestConcurrentProtectAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping race test in short mode")
	}

	f := testutil.NewFakeFacility()
	m := New(f)
	defer m.Destroy()

	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(fd int) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				err := m.Protect(fd)
				if err != nil && !apperrors.IsNoActiveTunnel(err) {
					t.Errorf("unexpected protect error: %v", err)
					return
				}
			}
		}(i)
	}

	for i := 0; i < 200; i++ {
		if _, err := m.Start(scenarioPayload()); err != nil {
			t.Fatalf("Start error: %v", err)
		}
		if err := m.Stop(); err != nil {
			t.Fatalf("Stop error: %v", err)
		}
	}
	close(done)
	wg.Wait()

	if n := f.ProtectAfterClose(); n != 0 {
		t.Errorf("facility saw %d protects after close", n)
	}
	if f.OpenHandles() != 0 {
		t.Errorf("open handles = %d, want 0", f.OpenHandles())
	}
}

// TestConcurrentStartsOneWins checks that racing starts produce exactly one
// tunnel.
func TestConcurrentStartsOneWins(t *testing.T) {
	f := testutil.NewFakeFacility()
	sink := &recordingSink{}
	m := New(f, WithSink(sink))
	defer m.Destroy()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start(scenarioPayload())
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !apperrors.IsInvalidState(err) {
				t.Errorf("unexpected start error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("successful starts = %d, want 1", wins)
	}
	if f.OpenHandles() != 1 {
		t.Errorf("open handles = %d, want 1", f.OpenHandles())
	}
	if got := sink.list(); len(got) != 1 {
		t.Errorf("events = %v, want one start", got)
	}
}

// TestConcurrentStopsFireOnce checks that racing stops tear down once.
func TestConcurrentStopsFireOnce(t *testing.T) {
	f := testutil.NewFakeFacility()
	sink := &recordingSink{}
	m := New(f, WithSink(sink))
	defer m.Destroy()

	if _, err := m.Start(scenarioPayload()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Stop()
		}()
		go func() {
			defer wg.Done()
			_ = m.Revoke()
		}()
	}
	wg.Wait()

	events := sink.list()
	if len(events) != 2 || events[0] != "started" {
		t.Errorf("events = %v, want one start and one stop", events)
	}
	if f.LastHandle().CloseCalls() != 1 {
		t.Errorf("close calls = %d, want 1", f.LastHandle().CloseCalls())
	}
}

// TestEventsStayOrdered checks that every stop is preceded by its start
// even when notifications race.
func TestEventsStayOrdered(t *testing.T) {
	f := testutil.NewFakeFacility()
	sink := &recordingSink{}
	m := New(f, WithSink(sink))
	defer m.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Start(scenarioPayload())
		}()
		go func() {
			defer wg.Done()
			_ = m.Stop()
		}()
	}
	wg.Wait()
	_ = m.Stop()

	active := false
	for _, e := range sink.list() {
		switch {
		case e == "started":
			if active {
				t.Fatalf("two starts without a stop: %v", sink.list())
			}
			active = true
		default:
			if !active {
				t.Fatalf("stop without a start: %v", sink.list())
			}
			active = false
		}
	}
	if f.OpenHandles() != 0 {
		t.Errorf("open handles = %d, want 0", f.OpenHandles())
	}
}

// TestTeardownWaitsForClose checks that a second teardown arriving while
// the first is still closing the handle returns only once the machine is
// back in Idle with the handle closed.
func TestTeardownWaitsForClose(t *testing.T) {
	tests := []struct {
		name      string
		second    func(m *Machine) error
		wantStart error
	}{
		{name: "stop", second: (*Machine).Stop},
		{name: "revoke", second: (*Machine).Revoke},
		{name: "destroy", second: (*Machine).Destroy, wantStart: apperrors.ErrServiceClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, f, sink := newTestMachine(t)
			entered, release := f.HoldClose()
			t.Cleanup(release)

			if _, err := m.Start(scenarioPayload()); err != nil {
				t.Fatalf("Start error: %v", err)
			}

			first := make(chan error, 1)
			go func() { first <- m.Stop() }()

			select {
			case <-entered:
			case <-time.After(2 * time.Second):
				t.Fatal("first teardown never reached Close")
			}

			second := make(chan error, 1)
			go func() { second <- tt.second(m) }()

			select {
			case err := <-second:
				t.Fatalf("second teardown returned %v while the handle was still closing", err)
			case <-time.After(50 * time.Millisecond):
			}

			release()

			for _, ch := range []chan error{first, second} {
				select {
				case err := <-ch:
					if err != nil {
						t.Errorf("teardown error: %v", err)
					}
				case <-time.After(2 * time.Second):
					t.Fatal("teardown did not return after Close finished")
				}
			}

			if m.State() != StateIdle {
				t.Errorf("State() = %s, want %s", m.State(), StateIdle)
			}
			if f.OpenHandles() != 0 {
				t.Errorf("open handles = %d, want 0", f.OpenHandles())
			}
			if TunnelActive.Value() != 0 {
				t.Errorf("TunnelActive = %d, want 0", TunnelActive.Value())
			}
			if events := sink.list(); len(events) != 2 {
				t.Errorf("events = %v, want one start and one stop", events)
			}

			_, err := m.Start(scenarioPayload())
			if tt.wantStart == nil && err != nil {
				t.Errorf("Start after teardown error: %v", err)
			}
			if tt.wantStart != nil && !errors.Is(err, tt.wantStart) {
				t.Errorf("Start after teardown error = %v, want %v", err, tt.wantStart)
			}
		})
	}
}
