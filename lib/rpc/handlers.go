package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-i2p/tunsvc/lib/bridge"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// TunnelController is the lifecycle surface the handlers drive.
// *lifecycle.Machine implements it.
type TunnelController interface {
	Start(p tunnel.Payload) (lifecycle.TunnelInfo, error)
	Stop() error
	Revoke() error
	Status() lifecycle.Status
	Protect(fd int) error
}

// RemoteFDFunc copies descriptor fd of process pid into this process and
// returns a function that releases the copy.
type RemoteFDFunc func(pid, fd int) (int, func(), error)

// Handlers provides RPC handlers with access to the tunnel.
type Handlers struct {
	tunnel   TunnelController
	remoteFD RemoteFDFunc
	prepare  func() error
	platform string
}

// HandlersConfig configures the RPC handlers.
type HandlersConfig struct {
	Tunnel TunnelController
	// RemoteFD resolves descriptors of other processes for tunnel.protect.
	// Nil restricts protect to the service's own descriptors.
	RemoteFD RemoteFDFunc
	// Prepare reports whether tunnels may be created. Nil always succeeds.
	Prepare func() error
	// Platform is reported by tunnel.status.
	Platform string
}

// NewHandlers creates RPC handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		tunnel:   cfg.Tunnel,
		remoteFD: cfg.RemoteFD,
		prepare:  cfg.Prepare,
		platform: cfg.Platform,
	}
}

// RegisterAll registers all handlers with the server.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandlers(map[string]Handler{
		MethodPing:            h.Ping,
		MethodPrepare:         h.Prepare,
		MethodTunnelStart:     h.Start,
		MethodTunnelStop:      h.Stop,
		MethodTunnelRevoke:    h.Revoke,
		MethodTunnelStatus:    h.Status,
		MethodTunnelProtect:   h.Protect,
		MethodTunnelAvailable: h.Available,
	})
}

// Start validates the payload and brings the tunnel up.
func (h *Handlers) Start(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}

	p, err := tunnel.ParsePayload(params)
	if err != nil {
		return nil, ErrInvalidParams(err.Error())
	}

	if _, err := h.tunnel.Start(p); err != nil {
		log.WithField("method", MethodTunnelStart).WithError(err).Debug("start refused")
		return nil, FromError(err)
	}
	return h.status(), nil
}

// Stop tears the tunnel down. Stopping an idle service succeeds.
func (h *Handlers) Stop(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}
	if err := h.tunnel.Stop(); err != nil {
		return nil, FromError(err)
	}
	return h.status(), nil
}

// Revoke tears the tunnel down as if the OS had withdrawn permission.
func (h *Handlers) Revoke(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}
	if err := h.tunnel.Revoke(); err != nil {
		return nil, FromError(err)
	}
	return h.status(), nil
}

// Status returns the tunnel status.
func (h *Handlers) Status(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}
	return h.status(), nil
}

// Protect exempts a socket from the tunnel. Protection failures are
// reported in the result, not as protocol errors.
func (h *Handlers) Protect(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return nil, ErrInternal("tunnel not available")
	}

	var p ProtectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if p.FD < 0 {
		return nil, ErrInvalidParams("fd must not be negative")
	}
	if p.PID < 0 {
		return nil, ErrInvalidParams("pid must not be negative")
	}

	fd := p.FD
	if p.PID != 0 && p.PID != os.Getpid() {
		if h.remoteFD == nil {
			return nil, ErrInvalidParams("remote descriptors are not supported")
		}
		local, release, err := h.remoteFD(p.PID, p.FD)
		if err != nil {
			log.WithField("pid", p.PID).WithField("fd", p.FD).WithError(err).Warn("remote descriptor unavailable")
			return &ProtectResult{Status: bridge.StatusFailed, Error: err.Error()}, nil
		}
		defer release()
		fd = local
	}

	if err := h.tunnel.Protect(fd); err != nil {
		return &ProtectResult{Status: bridge.StatusOf(err), Error: err.Error()}, nil
	}
	return &ProtectResult{Status: bridge.StatusProtected}, nil
}

// Available reports whether a tunnel is registered for protection.
func (h *Handlers) Available(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.tunnel == nil {
		return &AvailableResult{}, nil
	}
	return &AvailableResult{Available: h.tunnel.Status().Active}, nil
}

// Prepare reports whether this process may create tunnels.
func (h *Handlers) Prepare(ctx context.Context, params json.RawMessage) (any, *Error) {
	if h.prepare == nil {
		return &PrepareResult{Prepared: true}, nil
	}
	if err := h.prepare(); err != nil {
		return &PrepareResult{Prepared: false, Reason: err.Error()}, nil
	}
	return &PrepareResult{Prepared: true}, nil
}

// Ping echoes its value.
func (h *Handlers) Ping(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p PingParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
	}
	return &p, nil
}

func (h *Handlers) status() *StatusResult {
	st := h.tunnel.Status()
	result := &StatusResult{
		State:    string(st.State),
		Active:   st.Active,
		Session:  st.Session,
		FD:       -1,
		PID:      os.Getpid(),
		Version:  st.Version,
		Platform: h.platform,
	}
	if !st.Active {
		return result
	}

	info := st.Tunnel
	result.SessionID = info.SessionID
	result.Interface = info.Name
	result.FD = info.FD
	result.MTU = info.Config.MTU
	result.IPv4Address = info.Config.IPv4Address.String()
	result.IPv6Address = info.Config.IPv6Address.String()
	for _, a := range info.Config.DNSServers {
		result.DNS = append(result.DNS, a.String())
	}
	for _, r := range info.Config.Routes {
		result.Routes = append(result.Routes, r.String())
	}
	result.DisallowedApps = append(result.DisallowedApps, info.Config.DisallowedApps...)
	result.StartedAt = info.StartedAt.UTC().Format(time.RFC3339)
	result.Uptime = formatDuration(st.Uptime)
	return result
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	days := int(d / (24 * time.Hour))
	rest := (d - time.Duration(days)*24*time.Hour).Round(time.Minute)
	return fmt.Sprintf("%dd%s", days, rest)
}
