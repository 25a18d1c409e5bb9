package syncclient

import (
	"fmt"
	"log/slog"

	"qemuhostd/internal/config"
)

// NewFromConfig builds a Client wired to the transport selected by
// cfg.SyncMode.
func NewFromConfig(cfg config.Config, logger *slog.Logger) (*Client, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("syncclient: build tls config: %w", err)
	}

	var transport Transport
	switch cfg.SyncMode {
	case config.SyncModeGRPC:
		transport = NewGRPCTransport(cfg.SyncGRPCAddr, tlsCfg, cfg.SyncToken, cfg.SyncGRPCMethod, logger)
	case config.SyncModeWebSocket:
		transport = NewWebSocketTransport(cfg.SyncWSURL, cfg.SyncToken, tlsCfg, 0, 0, logger)
	default:
		return nil, fmt.Errorf("syncclient: unsupported sync mode %q", cfg.SyncMode)
	}

	return New(cfg.NodeID, transport, cfg.SyncQueueCapacity, logger), nil
}
