package lifecycle

import (
	"testing"

	"github.com/go-i2p/tunsvc/lib/testutil"
)

func TestChannelSinkDeliversNamedEvents(t *testing.T) {
	sink := NewChannelSink(4)
	m := New(testutil.NewFakeFacility(), WithSink(sink))

	info, err := m.Start(scenarioPayload())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	start := <-sink.Events()
	if start.Name != EventServiceStart {
		t.Errorf("first event = %s, want %s", start.Name, EventServiceStart)
	}
	if fd, ok := start.Data["fd"].(int); !ok || fd != info.FD {
		t.Errorf("start data = %v, want fd %d", start.Data, info.FD)
	}
	if start.Info == nil || start.Info.SessionID != info.SessionID {
		t.Errorf("start info = %+v", start.Info)
	}
	if start.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}

	stop := <-sink.Events()
	if stop.Name != EventServiceStop {
		t.Errorf("second event = %s, want %s", stop.Name, EventServiceStop)
	}
	if len(stop.Data) != 0 {
		t.Errorf("stop data = %v, want empty", stop.Data)
	}
	if stop.Reason != ReasonStopped {
		t.Errorf("stop reason = %s, want %s", stop.Reason, ReasonStopped)
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := NewChannelSink(1)

	sink.TunnelStopped(ReasonStopped)
	sink.TunnelStopped(ReasonStopped)
	sink.TunnelStopped(ReasonStopped)

	if sink.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", sink.Dropped())
	}
}

func TestChannelSinkClose(t *testing.T) {
	sink := NewChannelSink(2)
	sink.Close()
	sink.Close()

	// Emitting after close must not panic.
	sink.TunnelStopped(ReasonDestroyed)

	if _, ok := <-sink.Events(); ok {
		t.Error("channel should be closed")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	multi := MultiSink{a, b, LogSink{}}

	multi.TunnelStarted(TunnelInfo{FD: 3})
	multi.TunnelStopped(ReasonRevoked)

	for _, s := range []*recordingSink{a, b} {
		if got := s.list(); len(got) != 2 || got[1] != "stopped:revoked" {
			t.Errorf("events = %v", got)
		}
	}
}

func TestFuncSinkSkipsNil(t *testing.T) {
	var started bool
	s := FuncSink{Started: func(TunnelInfo) { started = true }}

	s.TunnelStarted(TunnelInfo{})
	s.TunnelStopped(ReasonStopped)

	if !started {
		t.Error("Started should be called")
	}
}
