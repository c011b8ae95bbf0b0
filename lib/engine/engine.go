// Package engine attaches an in-process packet engine to the active
// tunnel. The engine follows the lifecycle through its event sink: it opens
// the published descriptor as a tun.Device when a tunnel starts and lets it
// go when the tunnel stops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/go-i2p/tunsvc/lib/bridge"
	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
)

// DefaultMTU sizes read buffers when the device cannot report its MTU.
const DefaultMTU = 1500

// Handler receives the packets of one read batch. The slices are only
// valid until Handler returns.
type Handler func(packets [][]byte)

// Engine pumps packets from the tunnel device to a Handler.
type Engine struct {
	handler Handler
	open    func(fd int) (tun.Device, string, error)

	mu     sync.Mutex
	dev    tun.Device
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine that delivers packets to h.
func New(h Handler) *Engine {
	return &Engine{
		handler: h,
		open:    openDevice,
	}
}

// Attach opens fd as the engine's device and starts reading from it. fd
// itself stays owned by the caller.
func (e *Engine) Attach(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dev != nil {
		return fmt.Errorf("engine: %w: already attached to %s", apperrors.ErrInvalidState, e.name)
	}

	dev, name, err := e.open(fd)
	if err != nil {
		AttachFailures.Inc()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.dev = dev
	e.name = name
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.drain(ctx, dev, e.done)

	DeviceAttached.Set(1)
	log.WithField("interface", name).WithField("fd", fd).Info("Packet engine attached")
	return nil
}

// Detach stops reading and closes the engine's device. Detaching an
// unattached engine is a no-op.
func (e *Engine) Detach() error {
	e.mu.Lock()
	dev, cancel, done, name := e.dev, e.cancel, e.done, e.name
	e.dev, e.cancel, e.done, e.name = nil, nil, nil, ""
	e.mu.Unlock()

	if dev == nil {
		return nil
	}

	cancel()
	err := dev.Close()
	<-done

	DeviceAttached.Set(0)
	log.WithField("interface", name).Info("Packet engine detached")
	return err
}

// Attached reports whether the engine holds a device.
func (e *Engine) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev != nil
}

// Write injects packets into the tunnel.
func (e *Engine) Write(packets [][]byte) (int, error) {
	e.mu.Lock()
	dev := e.dev
	e.mu.Unlock()

	if dev == nil {
		return 0, fmt.Errorf("engine: %w", apperrors.ErrNoActiveTunnel)
	}
	n, err := dev.Write(packets, 0)
	PacketsWritten.Add(uint64(n))
	return n, err
}

func (e *Engine) drain(ctx context.Context, dev tun.Device, done chan struct{}) {
	defer close(done)

	mtu, err := dev.MTU()
	if err != nil || mtu <= 0 {
		mtu = DefaultMTU
	}
	batch := dev.BatchSize()
	if batch <= 0 {
		batch = 1
	}

	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, mtu)
	}
	sizes := make([]int, batch)
	packets := make([][]byte, 0, batch)

	for ctx.Err() == nil {
		n, err := dev.Read(bufs, sizes, 0)
		if n > 0 {
			packets = packets[:0]
			for i := 0; i < n; i++ {
				packets = append(packets, bufs[i][:sizes[i]])
				BytesRead.Add(uint64(sizes[i]))
			}
			PacketsRead.Add(uint64(n))
			if e.handler != nil {
				e.handler(packets)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, tun.ErrTooManySegments) {
			log.WithError(err).Debug("Dropped oversized segment batch")
			continue
		}
		if ctx.Err() == nil && !errors.Is(err, os.ErrClosed) {
			log.WithError(err).Warn("Tunnel read failed")
		}
		return
	}
}

// Sink returns an event sink that attaches the engine to every tunnel the
// machine starts and detaches it when the tunnel stops.
func (e *Engine) Sink() lifecycle.EventSink {
	return lifecycle.FuncSink{
		Started: func(info lifecycle.TunnelInfo) {
			if err := e.Attach(info.FD); err != nil {
				log.WithField("session", info.SessionID).WithError(err).Error("Packet engine could not attach")
			}
		},
		Stopped: func(reason lifecycle.StopReason) {
			if err := e.Detach(); err != nil {
				log.WithField("reason", reason).WithError(err).Warn("Packet engine detach reported an error")
			}
		},
	}
}

// Dialer returns a dialer whose sockets are protected through reg, so the
// engine's upstream connections bypass its own tunnel.
func Dialer(reg *bridge.Registry, timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: bridge.SoftControl(reg),
	}
}
