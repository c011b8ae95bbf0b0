package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-i2p/tunsvc/lib/core"
	"github.com/go-i2p/tunsvc/lib/rpc"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// rpcCall is one parsed "rpc" subcommand.
type rpcCall struct {
	method  string
	payload tunnel.Payload
	pid     int
	fd      int
	value   string
}

func printRPCUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tunsvcd rpc <method> [args...]")
	fmt.Fprintln(w, "\nAvailable methods:")
	fmt.Fprintln(w, "  ping [VALUE]               Check the daemon answers")
	fmt.Fprintln(w, "  prepare                    Check tunnels may be created")
	fmt.Fprintln(w, "  tunnel.start [-f FILE]     Start a tunnel (payload in YAML or JSON)")
	fmt.Fprintln(w, "  tunnel.stop                Stop the tunnel")
	fmt.Fprintln(w, "  tunnel.revoke              Revoke the tunnel")
	fmt.Fprintln(w, "  tunnel.status              Show tunnel status")
	fmt.Fprintln(w, "  tunnel.protect [PID] FD    Exempt a socket from the tunnel")
	fmt.Fprintln(w, "  tunnel.available           Report whether a tunnel is active")
}

// parseRPCArgs turns the arguments after "rpc" into a call.
func parseRPCArgs(args []string) (*rpcCall, error) {
	if len(args) == 0 {
		return nil, errors.New("method required")
	}
	call := &rpcCall{method: args[0]}
	rest := args[1:]

	switch call.method {
	case rpc.MethodPing:
		if len(rest) > 0 {
			call.value = rest[0]
		}
	case rpc.MethodTunnelStart:
		fs := flag.NewFlagSet(call.method, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		file := fs.String("f", "", "payload file")
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if *file != "" {
			p, err := tunnel.LoadPayload(*file)
			if err != nil {
				return nil, err
			}
			call.payload = p
		}
	case rpc.MethodTunnelProtect:
		var err error
		switch len(rest) {
		case 1:
			call.fd, err = strconv.Atoi(rest[0])
		case 2:
			if call.pid, err = strconv.Atoi(rest[0]); err == nil {
				call.fd, err = strconv.Atoi(rest[1])
			}
		default:
			return nil, errors.New("usage: tunnel.protect [PID] FD")
		}
		if err != nil {
			return nil, fmt.Errorf("invalid descriptor: %w", err)
		}
	case rpc.MethodPrepare, rpc.MethodTunnelStop, rpc.MethodTunnelRevoke,
		rpc.MethodTunnelStatus, rpc.MethodTunnelAvailable:
	default:
		return nil, fmt.Errorf("unknown method: %s", call.method)
	}
	return call, nil
}

// handleRPC handles the "rpc" subcommand.
func handleRPC(args []string, cfg *core.Config) int {
	call, err := parseRPCArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printRPCUsage(os.Stderr)
		return 1
	}

	clientCfg := rpc.ClientConfig{Timeout: 30 * time.Second}
	if envSocket := os.Getenv("TUNSVC_RPC_SOCKET"); envSocket != "" {
		clientCfg.UnixSocketPath = envSocket
	} else if cfg.RPC.Socket != "" {
		clientCfg.UnixSocketPath = cfg.DataPath(cfg.RPC.Socket)
	} else {
		clientCfg.TCPAddress = cfg.RPC.TCPAddress
		if cfg.RPC.AuthFile != "" {
			clientCfg.AuthFile = cfg.DataPath(cfg.RPC.AuthFile)
		}
	}

	client, err := rpc.NewClient(clientCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to RPC: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the tunsvcd daemon running?\n")
		return 1
	}
	defer client.Close()

	result, err := call.do(context.Background(), client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))

	if pr, ok := result.(*rpc.ProtectResult); ok && pr.Status != 0 {
		return 1
	}
	return 0
}

func (c *rpcCall) do(ctx context.Context, client *rpc.Client) (any, error) {
	switch c.method {
	case rpc.MethodPing:
		v, err := client.Ping(ctx, c.value)
		return rpc.PingParams{Value: v}, err
	case rpc.MethodPrepare:
		return client.Prepare(ctx)
	case rpc.MethodTunnelStart:
		return client.Start(ctx, c.payload)
	case rpc.MethodTunnelStop:
		return client.Stop(ctx)
	case rpc.MethodTunnelRevoke:
		return client.Revoke(ctx)
	case rpc.MethodTunnelStatus:
		return client.Status(ctx)
	case rpc.MethodTunnelProtect:
		return client.Protect(ctx, c.pid, c.fd)
	case rpc.MethodTunnelAvailable:
		ok, err := client.Available(ctx)
		return rpc.AvailableResult{Available: ok}, err
	}
	return nil, fmt.Errorf("unknown method: %s", c.method)
}
