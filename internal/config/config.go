// Package config loads qemuhostd's daemon configuration from
// QEMUHOSTD_* environment variables, the way the teacher agent loads its
// own AURORA_* settings: string/duration/bool/int helpers with fallback
// defaults, a Validate pass, and TLS material loading for the sync client.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SyncMode selects the transport the sync client uses to report VM
// lifecycle events to the control-plane backend.
type SyncMode string

const (
	SyncModeGRPC      SyncMode = "grpc"
	SyncModeWebSocket SyncMode = "websocket"
)

type Config struct {
	NodeID   string
	Hostname string

	Arch             string
	QEMUBinPath      string
	QEMUImgBinPath   string
	NetworkHelperBin string
	DataDir          string

	QMPTimeout          time.Duration
	StartTimeout        time.Duration
	ShutdownGracePeriod time.Duration
	HealthCheckInterval time.Duration

	ProbeListenAddr string

	SyncMode          SyncMode
	SyncGRPCAddr      string
	SyncGRPCMethod    string
	SyncWSURL         string
	SyncToken         string
	SyncQueueCapacity int

	TLSEnabled    bool
	TLSSkipVerify bool
	TLSCAPath     string
	TLSCertPath   string
	TLSKeyPath    string

	LogJSON  bool
	LogLevel string
}

// Load reads the environment and returns a validated Config.
func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	cfg := Config{
		NodeID:   env("QEMUHOSTD_NODE_ID", hostname),
		Hostname: hostname,

		Arch:             env("QEMUHOSTD_ARCH", "x86_64"),
		QEMUBinPath:      env("QEMUHOSTD_QEMU_BIN", "qemu-system-x86_64"),
		QEMUImgBinPath:   env("QEMUHOSTD_QEMU_IMG_BIN", "qemu-img"),
		NetworkHelperBin: env("QEMUHOSTD_NETWORK_HELPER_BIN", "qemuhostd-netd"),
		DataDir:          env("QEMUHOSTD_DATA_DIR", "/var/lib/qemuhostd"),

		QMPTimeout:          envDuration("QEMUHOSTD_QMP_TIMEOUT", 30*time.Second),
		StartTimeout:        envDuration("QEMUHOSTD_START_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod: envDuration("QEMUHOSTD_SHUTDOWN_GRACE_PERIOD", 20*time.Second),
		HealthCheckInterval: envDuration("QEMUHOSTD_HEALTH_CHECK_INTERVAL", 30*time.Second),

		ProbeListenAddr: env("QEMUHOSTD_PROBE_ADDR", "0.0.0.0:7443"),

		SyncMode:          SyncMode(strings.ToLower(env("QEMUHOSTD_SYNC_MODE", string(SyncModeGRPC)))),
		SyncGRPCAddr:      env("QEMUHOSTD_SYNC_GRPC_ADDR", "127.0.0.1:4001"),
		SyncGRPCMethod:    env("QEMUHOSTD_SYNC_GRPC_METHOD", "/qemuhostd.fleet.v1.FleetSync/StreamVMEvents"),
		SyncWSURL:         env("QEMUHOSTD_SYNC_WS_URL", "ws://127.0.0.1:4001/ws/vm-events"),
		SyncToken:         env("QEMUHOSTD_SYNC_TOKEN", ""),
		SyncQueueCapacity: envInt("QEMUHOSTD_SYNC_QUEUE_CAPACITY", 256),

		TLSEnabled:    envBool("QEMUHOSTD_TLS_ENABLED", false),
		TLSSkipVerify: envBool("QEMUHOSTD_TLS_SKIP_VERIFY", false),
		TLSCAPath:     env("QEMUHOSTD_TLS_CA_PATH", ""),
		TLSCertPath:   env("QEMUHOSTD_TLS_CERT_PATH", ""),
		TLSKeyPath:    env("QEMUHOSTD_TLS_KEY_PATH", ""),

		LogJSON:  envBool("QEMUHOSTD_LOG_JSON", true),
		LogLevel: strings.ToLower(env("QEMUHOSTD_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("QEMUHOSTD_NODE_ID is required")
	}
	if c.QEMUBinPath == "" || c.QEMUImgBinPath == "" {
		return errors.New("QEMUHOSTD_QEMU_BIN and QEMUHOSTD_QEMU_IMG_BIN are required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("QEMUHOSTD_DATA_DIR is required")
	}
	if strings.TrimSpace(c.ProbeListenAddr) == "" {
		return errors.New("QEMUHOSTD_PROBE_ADDR is required")
	}
	if c.QMPTimeout < 30*time.Second {
		return errors.New("QEMUHOSTD_QMP_TIMEOUT must be at least 30s")
	}
	if c.StartTimeout <= 0 {
		return errors.New("QEMUHOSTD_START_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return errors.New("QEMUHOSTD_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("QEMUHOSTD_HEALTH_CHECK_INTERVAL must be > 0")
	}
	if c.SyncQueueCapacity <= 0 {
		return errors.New("QEMUHOSTD_SYNC_QUEUE_CAPACITY must be > 0")
	}

	switch c.SyncMode {
	case SyncModeGRPC, SyncModeWebSocket:
	default:
		return fmt.Errorf("unsupported sync mode %q", c.SyncMode)
	}
	if c.SyncMode == SyncModeGRPC {
		if c.SyncGRPCAddr == "" {
			return errors.New("QEMUHOSTD_SYNC_GRPC_ADDR is required for grpc sync mode")
		}
		if strings.TrimSpace(c.SyncGRPCMethod) == "" {
			return errors.New("QEMUHOSTD_SYNC_GRPC_METHOD is required for grpc sync mode")
		}
	}
	if c.SyncMode == SyncModeWebSocket && c.SyncWSURL == "" {
		return errors.New("QEMUHOSTD_SYNC_WS_URL is required for websocket sync mode")
	}
	return nil
}

// TLSConfig builds a *tls.Config for the sync client from the configured
// CA/cert/key paths, or returns nil if TLS is disabled.
func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
