package tunnel_test

import (
	"errors"
	"reflect"
	"testing"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/testutil"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

func mustValidate(t *testing.T, p tunnel.Payload) tunnel.Config {
	t.Helper()
	cfg, err := tunnel.Validate(p)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	return cfg
}

func TestBuildCallOrder(t *testing.T) {
	f := testutil.NewFakeFacility()
	cfg := mustValidate(t, tunnel.Payload{
		IPv4Address:    tunnel.String("10.0.0.1/24"),
		Routes:         []string{"0.0.0.0/0", "::/0"},
		DNS:            tunnel.StringList{"1.1.1.1", "9.9.9.9"},
		DisallowedApps: []string{"debian-tor"},
		MTU:            tunnel.Int(1400),
	})

	h, err := tunnel.Build(f, "corpvpn", cfg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if h.FD() < 0 {
		t.Errorf("FD() = %d, want >= 0", h.FD())
	}

	want := []string{
		"SetSession(corpvpn)",
		"SetBlocking(false)",
		"AddAddress(10.0.0.1/24)",
		"AddAddress(fd00::1/128)",
		"SetMTU(1400)",
		"AddDNSServer(1.1.1.1)",
		"AddDNSServer(9.9.9.9)",
		"AddRoute(0.0.0.0/0)",
		"AddRoute(::/0)",
		"AddDisallowedApplication(debian-tor)",
		"Establish()",
	}
	if got := f.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls =\n%v\nwant\n%v", got, want)
	}
}

func TestBuildDefaultSession(t *testing.T) {
	f := testutil.NewFakeFacility()
	if _, err := tunnel.Build(f, "", mustValidate(t, tunnel.Payload{})); err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if got := f.Calls()[0]; got != "SetSession(tunsvc)" {
		t.Errorf("first call = %s, want SetSession(tunsvc)", got)
	}
}

func TestBuildMeteredHint(t *testing.T) {
	tests := []struct {
		name      string
		supported bool
		wantCall  bool
	}{
		{"supported", true, true},
		{"unsupported", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testutil.NewFakeFacility()
			f.SetUnmeteredSupport(tt.supported)

			if _, err := tunnel.Build(f, "s", mustValidate(t, tunnel.Payload{})); err != nil {
				t.Fatalf("Build error: %v", err)
			}

			calls := f.Calls()
			found := false
			for _, c := range calls {
				if c == "SetMetered(false)" {
					found = true
				}
			}
			if found != tt.wantCall {
				t.Errorf("SetMetered called = %v, want %v (calls %v)", found, tt.wantCall, calls)
			}
			if calls[len(calls)-1] != "Establish()" {
				t.Errorf("last call = %s, want Establish()", calls[len(calls)-1])
			}
		})
	}
}

func TestBuildFailures(t *testing.T) {
	methods := []string{
		testutil.MethodSetSession,
		testutil.MethodSetBlocking,
		testutil.MethodAddAddress,
		testutil.MethodSetMTU,
		testutil.MethodAddDNSServer,
		testutil.MethodAddRoute,
		testutil.MethodAddDisallowedApplication,
		testutil.MethodEstablish,
	}

	cfg := mustValidate(t, tunnel.Payload{
		Routes:         []string{"0.0.0.0/0"},
		DNS:            tunnel.StringList{"1.1.1.1"},
		DisallowedApps: []string{"app"},
	})

	for _, m := range methods {
		t.Run(m, func(t *testing.T) {
			f := testutil.NewFakeFacility()
			f.FailOn(m, nil)

			h, err := tunnel.Build(f, "s", cfg)
			if h != nil {
				t.Error("handle should be nil on failure")
			}
			if !errors.Is(err, apperrors.ErrEstablish) {
				t.Errorf("error should wrap ErrEstablish: %v", err)
			}
			if !errors.Is(err, testutil.ErrInjected) {
				t.Errorf("error should keep the cause: %v", err)
			}
			if f.Resets() != 1 {
				t.Errorf("Reset called %d times, want 1", f.Resets())
			}
			if f.OpenHandles() != 0 {
				t.Errorf("open handles = %d, want 0", f.OpenHandles())
			}
		})
	}
}

func TestBuildDeclined(t *testing.T) {
	f := testutil.NewFakeFacility()
	f.DeclineEstablish(true)

	h, err := tunnel.Build(f, "s", mustValidate(t, tunnel.Payload{}))
	if h != nil {
		t.Error("handle should be nil when declined")
	}
	if !apperrors.IsEstablish(err) {
		t.Errorf("error should wrap ErrEstablish: %v", err)
	}
	if apperrors.Code(err) != apperrors.CodeEstablish {
		t.Errorf("Code() = %d, want %d", apperrors.Code(err), apperrors.CodeEstablish)
	}
}

func TestBuildStopsAtFirstFailure(t *testing.T) {
	f := testutil.NewFakeFacility()
	f.FailOn(testutil.MethodSetMTU, nil)

	_, _ = tunnel.Build(f, "s", mustValidate(t, tunnel.Payload{Routes: []string{"0.0.0.0/0"}}))

	for _, c := range f.Calls() {
		if c == "AddRoute(0.0.0.0/0)" || c == "Establish()" {
			t.Errorf("unexpected call after failure: %s", c)
		}
	}
}
