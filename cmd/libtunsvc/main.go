// libtunsvc is the tunnel lifecycle as a C shared library, for host shells
// and native packet engines that cannot talk to the daemon's socket.
//
// Build:
//
//	go build -buildmode=c-shared -o libtunsvc.so ./cmd/libtunsvc
//
// Every entry point is safe to call from any thread. Strings returned by
// the library are allocated with malloc and must be released with free.
package main

/*
#include <stdbool.h>
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"unsafe"

	"github.com/go-i2p/tunsvc/lib/ffi"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
	"github.com/go-i2p/tunsvc/lib/platform"
	"github.com/go-i2p/tunsvc/lib/platform/linux"
)

// eventBuffer bounds how many undelivered events the library keeps.
const eventBuffer = 32

// The process-wide instance. boundary is always usable; the rest is set
// between TunsvcInit and TunsvcDestroy.
var (
	boundary = ffi.New()

	mu       sync.Mutex
	facility platform.Facility
	machine  *lifecycle.Machine
	events   *lifecycle.ChannelSink
)

// eventJSON is the wire form of an event handed to the host.
type eventJSON struct {
	Name   string         `json:"name"`
	Data   map[string]any `json:"data"`
	Reason string         `json:"reason,omitempty"`
}

//export TunsvcInit
func TunsvcInit(session *C.char) C.int32_t {
	mu.Lock()
	defer mu.Unlock()

	if machine != nil {
		return C.int32_t(ffi.ResultState)
	}

	f, err := platform.New(linux.DefaultConfig())
	if err != nil {
		log.WithError(err).Error("Failed to open tunnel facility")
		return C.int32_t(ffi.ResultFailed)
	}

	events = lifecycle.NewChannelSink(eventBuffer)
	opts := []lifecycle.Option{
		lifecycle.WithSink(lifecycle.MultiSink{lifecycle.LogSink{}, events}),
	}
	if session != nil {
		opts = append(opts, lifecycle.WithSession(C.GoString(session)))
	}

	facility = f
	machine = lifecycle.New(f, opts...)
	boundary.Attach(machine)
	return C.int32_t(ffi.ResultOK)
}

//export TunsvcDestroy
func TunsvcDestroy() {
	mu.Lock()
	defer mu.Unlock()

	if machine == nil {
		return
	}
	boundary.Detach()
	_ = release(machine, facility)
	events.Close()
	machine, facility, events = nil, nil, nil
}

// release destroys m and then closes the facility under it. Both errors
// are logged and returned joined.
func release(m *lifecycle.Machine, f io.Closer) error {
	var errs []error
	if err := m.Destroy(); err != nil {
		log.WithError(err).Warn("Error tearing down tunnel on destroy")
		errs = append(errs, err)
	}
	if err := f.Close(); err != nil {
		log.WithError(err).Warn("Error closing tunnel facility")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

//export TunsvcInitProtection
func TunsvcInitProtection() C.bool {
	return C.bool(boundary.InitProtection())
}

//export TunsvcProtectSocket
func TunsvcProtectSocket(fd C.int32_t) C.int32_t {
	return C.int32_t(boundary.ProtectSocket(int32(fd)))
}

//export TunsvcStartTunnel
func TunsvcStartTunnel(payload *C.char, length C.int) C.int32_t {
	var data []byte
	if payload != nil && length > 0 {
		data = C.GoBytes(unsafe.Pointer(payload), length)
	}
	return C.int32_t(boundary.StartTunnel(data))
}

//export TunsvcStopTunnel
func TunsvcStopTunnel() C.int32_t {
	return C.int32_t(boundary.StopTunnel())
}

//export TunsvcRevokeTunnel
func TunsvcRevokeTunnel() C.int32_t {
	return C.int32_t(boundary.RevokeTunnel())
}

//export TunsvcTunnelFD
func TunsvcTunnelFD() C.int32_t {
	return C.int32_t(boundary.TunnelFD())
}

//export TunsvcLastError
func TunsvcLastError() *C.char {
	msg := boundary.LastError()
	if msg == "" {
		return nil
	}
	return C.CString(msg)
}

// TunsvcNextEvent returns the oldest undelivered lifecycle event as JSON,
// or NULL when there is none.
//
//export TunsvcNextEvent
func TunsvcNextEvent() *C.char {
	mu.Lock()
	sink := events
	mu.Unlock()
	if sink == nil {
		return nil
	}

	select {
	case ev, ok := <-sink.Events():
		if !ok {
			return nil
		}
		out := eventJSON{Name: ev.Name, Data: ev.Data, Reason: string(ev.Reason)}
		if out.Data == nil {
			out.Data = map[string]any{}
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil
		}
		return C.CString(string(data))
	default:
		return nil
	}
}

func main() {}
