// Package version answers the daemon's version/info query, the qemuhostd
// analog of the teacher's GetVersion RPC.
package version

import (
	"time"

	"qemuhostd/internal/config"
)

// DaemonVersion is bumped by hand at release time; qemuhostd has no
// build-stamping pipeline yet.
const DaemonVersion = "0.1.0"

func Get(cfg config.Config, _ *GetVersionRequest) *GetVersionResponse {
	return &GetVersionResponse{
		NodeID:          cfg.NodeID,
		DaemonVersion:   DaemonVersion,
		Arch:            cfg.Arch,
		SyncMode:        string(cfg.SyncMode),
		ProbeListenAddr: cfg.ProbeListenAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}
