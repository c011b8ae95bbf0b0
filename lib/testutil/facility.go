// Package testutil provides test doubles for the tunnel service.
package testutil

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// ErrInjected is the default failure returned by FakeFacility.FailOn.
var ErrInjected = errors.New("testutil: injected failure")

// Builder method names as recorded by FakeFacility.
const (
	MethodSetSession               = "SetSession"
	MethodSetBlocking              = "SetBlocking"
	MethodAddAddress               = "AddAddress"
	MethodSetMTU                   = "SetMTU"
	MethodAddDNSServer             = "AddDNSServer"
	MethodAddRoute                 = "AddRoute"
	MethodAddDisallowedApplication = "AddDisallowedApplication"
	MethodSetMetered               = "SetMetered"
	MethodEstablish                = "Establish"
)

// firstFakeFD keeps fake descriptors clear of stdio.
const firstFakeFD = 100

// FakeFacility is an in-memory tunnel.Facility. It records every builder
// call as "Method(arg)" in order, hands out FakeHandles with synthetic
// descriptors, and lets tests inject failures.
type FakeFacility struct {
	mu sync.Mutex

	calls     []string
	failures  map[string]error
	handles   []*FakeHandle
	protected []int
	nextFD    int

	unmetered bool
	decline   bool
	onEstab   func()
	closeGate *closeGate

	protectOK    bool
	protectErr   error
	protectPanic bool

	resets            int
	protectAfterClose atomic.Int64
}

// NewFakeFacility creates a facility that accepts every call and
// protects every socket.
func NewFakeFacility() *FakeFacility {
	return &FakeFacility{
		failures:  make(map[string]error),
		nextFD:    firstFakeFD,
		protectOK: true,
	}
}

// FailOn makes the named builder method return err (ErrInjected if nil).
func (f *FakeFacility) FailOn(method string, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.failures[method] = err
	f.mu.Unlock()
}

// ClearFailures removes all injected failures.
func (f *FakeFacility) ClearFailures() {
	f.mu.Lock()
	f.failures = make(map[string]error)
	f.mu.Unlock()
}

// DeclineEstablish makes Establish return a nil handle and nil error.
func (f *FakeFacility) DeclineEstablish(decline bool) {
	f.mu.Lock()
	f.decline = decline
	f.mu.Unlock()
}

// SetUnmeteredSupport toggles SupportsUnmetered.
func (f *FakeFacility) SetUnmeteredSupport(supported bool) {
	f.mu.Lock()
	f.unmetered = supported
	f.mu.Unlock()
}

// OnEstablish registers fn to run inside Establish, before the handle
// is created. Tests use it to act while a build is in flight.
func (f *FakeFacility) OnEstablish(fn func()) {
	f.mu.Lock()
	f.onEstab = fn
	f.mu.Unlock()
}

// closeGate holds handle Close calls until released.
type closeGate struct {
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
	releaseOnce sync.Once
}

// HoldClose makes Close on handles established from now on block until
// release is called. entered is closed when the first such Close begins.
func (f *FakeFacility) HoldClose() (entered <-chan struct{}, release func()) {
	g := &closeGate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.closeGate = g
	f.mu.Unlock()
	return g.entered, func() { g.releaseOnce.Do(func() { close(g.release) }) }
}

// SetProtectResult sets what Protect returns.
func (f *FakeFacility) SetProtectResult(ok bool, err error) {
	f.mu.Lock()
	f.protectOK = ok
	f.protectErr = err
	f.mu.Unlock()
}

// PanicOnProtect makes Protect panic.
func (f *FakeFacility) PanicOnProtect(panics bool) {
	f.mu.Lock()
	f.protectPanic = panics
	f.mu.Unlock()
}

// Calls returns the recorded builder calls.
func (f *FakeFacility) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// ResetCalls clears the call transcript.
func (f *FakeFacility) ResetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// Handles returns every handle established so far.
func (f *FakeFacility) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeHandle, len(f.handles))
	copy(out, f.handles)
	return out
}

// LastHandle returns the most recently established handle, or nil.
func (f *FakeFacility) LastHandle() *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// OpenHandles counts handles that have not been closed.
func (f *FakeFacility) OpenHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.handles {
		if !h.Closed() {
			n++
		}
	}
	return n
}

// Protected returns the descriptors passed to Protect.
func (f *FakeFacility) Protected() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.protected))
	copy(out, f.protected)
	return out
}

// Resets counts calls to Reset.
func (f *FakeFacility) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// ProtectAfterClose counts Protect calls that arrived while no handle
// was open.
func (f *FakeFacility) ProtectAfterClose() int64 {
	return f.protectAfterClose.Load()
}

func (f *FakeFacility) record(method string, arg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s(%v)", method, arg))
	return f.failures[method]
}

// SetSession implements tunnel.Facility.
func (f *FakeFacility) SetSession(name string) error {
	return f.record(MethodSetSession, name)
}

// SetBlocking implements tunnel.Facility.
func (f *FakeFacility) SetBlocking(blocking bool) error {
	return f.record(MethodSetBlocking, blocking)
}

// AddAddress implements tunnel.Facility.
func (f *FakeFacility) AddAddress(prefix netip.Prefix) error {
	return f.record(MethodAddAddress, prefix)
}

// SetMTU implements tunnel.Facility.
func (f *FakeFacility) SetMTU(mtu int) error {
	return f.record(MethodSetMTU, mtu)
}

// AddDNSServer implements tunnel.Facility.
func (f *FakeFacility) AddDNSServer(addr netip.Addr) error {
	return f.record(MethodAddDNSServer, addr)
}

// AddRoute implements tunnel.Facility.
func (f *FakeFacility) AddRoute(prefix netip.Prefix) error {
	return f.record(MethodAddRoute, prefix)
}

// AddDisallowedApplication implements tunnel.Facility.
func (f *FakeFacility) AddDisallowedApplication(id string) error {
	return f.record(MethodAddDisallowedApplication, id)
}

// SupportsUnmetered implements tunnel.Facility.
func (f *FakeFacility) SupportsUnmetered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unmetered
}

// SetMetered implements tunnel.Facility.
func (f *FakeFacility) SetMetered(metered bool) error {
	return f.record(MethodSetMetered, metered)
}

// Establish implements tunnel.Facility.
func (f *FakeFacility) Establish() (tunnel.Handle, error) {
	if err := f.record(MethodEstablish, ""); err != nil {
		return nil, err
	}

	f.mu.Lock()
	hook := f.onEstab
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decline {
		return nil, nil
	}
	h := &FakeHandle{fd: f.nextFD, name: fmt.Sprintf("tun%d", len(f.handles)), gate: f.closeGate}
	f.nextFD++
	f.handles = append(f.handles, h)
	return h, nil
}

// Reset implements tunnel.Facility.
func (f *FakeFacility) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

// Protect implements tunnel.Facility.
func (f *FakeFacility) Protect(fd int) (bool, error) {
	f.mu.Lock()
	open := false
	for _, h := range f.handles {
		if !h.Closed() {
			open = true
			break
		}
	}
	f.protected = append(f.protected, fd)
	ok, err, panics := f.protectOK, f.protectErr, f.protectPanic
	f.mu.Unlock()

	if !open {
		f.protectAfterClose.Add(1)
	}
	if panics {
		panic("testutil: protect panic")
	}
	return ok, err
}

// FakeHandle is the handle returned by FakeFacility.
type FakeHandle struct {
	mu     sync.Mutex
	fd     int
	name   string
	closed bool
	closes int
	gate   *closeGate
}

// FD implements tunnel.Handle.
func (h *FakeHandle) FD() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1
	}
	return h.fd
}

// Name implements tunnel.Handle.
func (h *FakeHandle) Name() string {
	return h.name
}

// Close implements tunnel.Handle.
func (h *FakeHandle) Close() error {
	if g := h.gate; g != nil {
		g.enteredOnce.Do(func() { close(g.entered) })
		<-g.release
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	h.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseCalls counts calls to Close.
func (h *FakeHandle) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}
