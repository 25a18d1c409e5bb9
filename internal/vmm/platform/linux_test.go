package platform

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"qemuhostd/internal/vmmodel"
)

func startFakeHelper(t *testing.T, leases map[string]string) *networkHelper {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "netd.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/lease", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MAC string `json:"mac"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		ip, ok := leases[req.MAC]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"ip": ip})
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(l)
	t.Cleanup(func() { l.Close() })

	return &networkHelper{apiSocket: sock}
}

func TestLeaseForFound(t *testing.T) {
	h := startFakeHelper(t, map[string]string{"52:54:00:00:00:01": "192.168.64.5"})
	ip, err := h.leaseFor("52:54:00:00:00:01")
	if err != nil {
		t.Fatalf("leaseFor: %v", err)
	}
	if ip == nil || ip.String() != "192.168.64.5" {
		t.Errorf("ip = %v, want 192.168.64.5", ip)
	}
}

func TestLeaseForAbsentIsNilNotError(t *testing.T) {
	h := startFakeHelper(t, map[string]string{})
	ip, err := h.leaseFor("52:54:00:00:00:99")
	if err != nil {
		t.Fatalf("leaseFor: %v", err)
	}
	if ip != nil {
		t.Errorf("ip = %v, want nil", ip)
	}
}

func TestGetIPForAggregatesHelpers(t *testing.T) {
	h1 := startFakeHelper(t, map[string]string{})
	h2 := startFakeHelper(t, map[string]string{"aa:bb:cc:dd:ee:ff": "10.0.2.15"})

	a := &LinuxAdapter{helpers: map[string]*networkHelper{"vm1": h1, "vm2": h2}}
	ip, err := a.GetIPFor(context.Background(), "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("GetIPFor: %v", err)
	}
	if ip == nil || ip.String() != "10.0.2.15" {
		t.Errorf("ip = %v, want 10.0.2.15", ip)
	}
}

func TestVMPlatformArgsRequiresMAC(t *testing.T) {
	a := &LinuxAdapter{}
	_, err := a.VMPlatformArgs(context.Background(), vmmodel.Description{}, "tap0")
	if err == nil {
		t.Error("expected error for missing MAC address")
	}
}

func TestVMPlatformArgsIncludesTapAndMAC(t *testing.T) {
	a := &LinuxAdapter{}
	desc := vmmodel.Description{DefaultMAC: "52:54:00:00:00:01"}
	args, err := a.VMPlatformArgs(context.Background(), desc, "tap-abc")
	if err != nil {
		t.Fatalf("VMPlatformArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "tap-abc") || !strings.Contains(joined, desc.DefaultMAC) {
		t.Errorf("args = %v, want to reference tap-abc and MAC", args)
	}
}

func TestDirectoryName(t *testing.T) {
	a := &LinuxAdapter{}
	if a.DirectoryName() != "qemu" {
		t.Errorf("DirectoryName() = %q, want qemu", a.DirectoryName())
	}
}
