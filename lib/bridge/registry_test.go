package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

type recordingProtector struct {
	mu  sync.Mutex
	fds []int
	ok  bool
	err error
}

func (p *recordingProtector) Protect(fd int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fds = append(p.fds, fd)
	return p.ok, p.err
}

func (p *recordingProtector) calls() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.fds...)
}

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()

	if r.Available() {
		t.Error("empty registry should not be available")
	}
	if _, ok := r.Current(); ok {
		t.Error("Current() should report no protector")
	}

	err := r.Protect(42)
	if !errors.Is(err, apperrors.ErrNoActiveTunnel) {
		t.Errorf("Protect() error = %v, want ErrNoActiveTunnel", err)
	}
	if got := r.ProtectStatus(42); got != StatusFailed {
		t.Errorf("ProtectStatus() = %d, want %d", got, StatusFailed)
	}
}

func TestRegistryProtect(t *testing.T) {
	tests := []struct {
		name       string
		ok         bool
		err        error
		wantErr    error
		wantStatus int
	}{
		{"accepted", true, nil, nil, StatusProtected},
		{"declined", false, nil, apperrors.ErrRejected, StatusFailed},
		{"os error", false, errors.New("EPERM"), apperrors.ErrRejected, StatusFailed},
		{"tunnel vanished", false, apperrors.ErrNoActiveTunnel, apperrors.ErrNoActiveTunnel, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &recordingProtector{ok: tt.ok, err: tt.err}
			r := NewRegistry()
			r.Set(p)

			err := r.Protect(42)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Protect() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Protect() error = %v, want %v", err, tt.wantErr)
			}
			if got := StatusOf(err); got != tt.wantStatus {
				t.Errorf("StatusOf() = %d, want %d", got, tt.wantStatus)
			}
			if got := r.ProtectStatus(42); got != tt.wantStatus {
				t.Errorf("ProtectStatus() = %d, want %d", got, tt.wantStatus)
			}
			if calls := p.calls(); len(calls) != 2 || calls[0] != 42 {
				t.Errorf("protector calls = %v, want [42 42]", calls)
			}
		})
	}
}

func TestRegistryRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Set(ProtectorFunc(func(int) (bool, error) {
		panic("boom")
	}))

	err := r.Protect(7)
	if !errors.Is(err, apperrors.ErrRejected) {
		t.Errorf("Protect() error = %v, want ErrRejected", err)
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	p := &recordingProtector{ok: true}
	r.Set(p)

	if !r.Available() {
		t.Fatal("registry should be available after Set")
	}
	if err := r.Protect(3); err != nil {
		t.Fatalf("Protect() error: %v", err)
	}

	r.Clear()
	if r.Available() {
		t.Error("registry should not be available after Clear")
	}
	if err := r.Protect(3); !apperrors.IsNoActiveTunnel(err) {
		t.Errorf("Protect() after Clear error = %v, want ErrNoActiveTunnel", err)
	}
	if len(p.calls()) != 1 {
		t.Errorf("cleared protector should not be called, calls = %v", p.calls())
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry()
	p := &recordingProtector{ok: true}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Set(p)
			r.Clear()
		}()
		go func(fd int) {
			defer wg.Done()
			err := r.Protect(fd)
			if err != nil && !apperrors.IsNoActiveTunnel(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestControlProtectsDialedSockets(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	r := NewRegistry()
	p := &recordingProtector{ok: true}
	r.Set(p)

	d := net.Dialer{Control: Control(r)}
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	if calls := p.calls(); len(calls) != 1 || calls[0] < 0 {
		t.Errorf("protector calls = %v, want one valid fd", calls)
	}
}

func TestControlFailsDialWithoutTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	r := NewRegistry()
	d := net.Dialer{Control: Control(r)}
	if _, err := d.DialContext(context.Background(), "tcp", ln.Addr().String()); !errors.Is(err, apperrors.ErrNoActiveTunnel) {
		t.Errorf("dial error = %v, want ErrNoActiveTunnel", err)
	}

	soft := net.Dialer{Control: SoftControl(r)}
	conn, err := soft.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("soft dial: %v", err)
	}
	conn.Close()
}
