package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

// StopReason says why a tunnel was torn down.
type StopReason string

const (
	// ReasonStopped is an explicit stop request from the host shell.
	ReasonStopped StopReason = "stopped"
	// ReasonRevoked means the OS or the user withdrew tunnel permission.
	ReasonRevoked StopReason = "revoked"
	// ReasonDestroyed means the owning service is shutting down.
	ReasonDestroyed StopReason = "destroyed"
)

// EventSink receives lifecycle notifications. Calls are made synchronously
// and in transition order, outside the machine's state lock: a sink may
// read the machine (State, Status) but must not call Start, Stop, Revoke
// or Destroy from inside a notification.
type EventSink interface {
	TunnelStarted(info TunnelInfo)
	TunnelStopped(reason StopReason)
}

// Event names as seen by the host shell.
const (
	EventServiceStart = "vpn_service_start"
	EventServiceStop  = "vpn_service_stop"
)

// Event is a named notification for host shells.
type Event struct {
	// Name is EventServiceStart or EventServiceStop.
	Name string
	// Timestamp is when the transition happened.
	Timestamp time.Time
	// Data is {"fd": int} for starts and empty for stops.
	Data map[string]any
	// Info is set for starts.
	Info *TunnelInfo
	// Reason is set for stops.
	Reason StopReason
}

// ChannelSink delivers events on a buffered channel. When the buffer is
// full the event is dropped and counted.
type ChannelSink struct {
	mu           sync.Mutex
	events       chan Event
	closed       bool
	droppedCount atomic.Uint64
}

// NewChannelSink creates a channel sink with the given buffer size.
func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &ChannelSink{events: make(chan Event, bufferSize)}
}

// TunnelStarted implements EventSink.
func (s *ChannelSink) TunnelStarted(info TunnelInfo) {
	s.emit(Event{
		Name: EventServiceStart,
		Data: map[string]any{"fd": info.FD},
		Info: &info,
	})
}

// TunnelStopped implements EventSink.
func (s *ChannelSink) TunnelStopped(reason StopReason) {
	s.emit(Event{
		Name:   EventServiceStop,
		Data:   map[string]any{},
		Reason: reason,
	})
}

func (s *ChannelSink) emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case s.events <- event:
	default:
		s.droppedCount.Add(1)
		log.WithField("event", event.Name).Warn("Event buffer full, dropping event")
	}
}

// Events returns the channel consumers read from.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were dropped on a full buffer.
func (s *ChannelSink) Dropped() uint64 {
	return s.droppedCount.Load()
}

// Close closes the event channel. Later events are discarded.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// MultiSink fans notifications out to every sink in order.
type MultiSink []EventSink

// TunnelStarted implements EventSink.
func (m MultiSink) TunnelStarted(info TunnelInfo) {
	for _, s := range m {
		s.TunnelStarted(info)
	}
}

// TunnelStopped implements EventSink.
func (m MultiSink) TunnelStopped(reason StopReason) {
	for _, s := range m {
		s.TunnelStopped(reason)
	}
}

// LogSink writes one log line per notification.
type LogSink struct{}

// TunnelStarted implements EventSink.
func (LogSink) TunnelStarted(info TunnelInfo) {
	log.WithField("event", EventServiceStart).
		WithField("session", info.SessionID).
		WithField("interface", info.Name).
		WithField("fd", info.FD).
		Info("Tunnel started")
}

// TunnelStopped implements EventSink.
func (LogSink) TunnelStopped(reason StopReason) {
	log.WithField("event", EventServiceStop).
		WithField("reason", reason).
		Info("Tunnel stopped")
}

// FuncSink adapts a pair of functions to EventSink. Nil functions are
// skipped.
type FuncSink struct {
	Started func(TunnelInfo)
	Stopped func(StopReason)
}

// TunnelStarted implements EventSink.
func (f FuncSink) TunnelStarted(info TunnelInfo) {
	if f.Started != nil {
		f.Started(info)
	}
}

// TunnelStopped implements EventSink.
func (f FuncSink) TunnelStopped(reason StopReason) {
	if f.Stopped != nil {
		f.Stopped(reason)
	}
}

type nopSink struct{}

func (nopSink) TunnelStarted(TunnelInfo)  {}
func (nopSink) TunnelStopped(StopReason) {}
