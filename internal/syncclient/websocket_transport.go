package syncclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketTransport streams VMEventEnvelopes as JSON text frames over a
// single long-lived WebSocket connection, with a background ping loop to
// keep the connection alive through idle stretches between transitions.
type WebSocketTransport struct {
	mu sync.Mutex

	logger       *slog.Logger
	url          string
	token        string
	tlsConfig    *tls.Config
	writeTimeout time.Duration
	pingInterval time.Duration

	conn       *websocket.Conn
	pingCancel context.CancelFunc
}

func NewWebSocketTransport(url, token string, tlsCfg *tls.Config, writeTimeout, pingInterval time.Duration, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	return &WebSocketTransport{
		logger:       logger,
		url:          url,
		token:        token,
		tlsConfig:    tlsCfg,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, env VMEventEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnLocked(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode vm event: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	if err := t.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		t.logger.Warn("websocket sync write failed, reconnecting", "error", err)
		_ = t.conn.Close(websocket.StatusInternalError, "reconnect")
		t.conn = nil
		if err2 := t.ensureConnLocked(ctx); err2 != nil {
			return err2
		}
		if err2 := t.conn.Write(wctx, websocket.MessageText, payload); err2 != nil {
			return fmt.Errorf("write vm event retry: %w", err2)
		}
	}
	return nil
}

func (t *WebSocketTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pingCancel != nil {
		t.pingCancel()
		t.pingCancel = nil
	}
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "shutdown")
	t.conn = nil
	return err
}

func (t *WebSocketTransport) ensureConnLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	h := http.Header{}
	if t.token != "" {
		h.Set("Authorization", "Bearer "+t.token)
	}
	opt := &websocket.DialOptions{HTTPHeader: h}
	if t.tlsConfig != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: t.tlsConfig}}
	}
	dialCtx := context.Background()
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithDeadline(dialCtx, dl)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, t.url, opt)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(10 << 20)
	t.conn = conn
	t.startPingLoopLocked()
	t.logger.Info("sync websocket connected", "url", t.url)
	return nil
}

func (t *WebSocketTransport) startPingLoopLocked() {
	if t.pingCancel != nil {
		t.pingCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.pingCancel = cancel
	go func(conn *websocket.Conn, interval time.Duration) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = conn.Ping(pingCtx)
				pingCancel()
			}
		}
	}(t.conn, t.pingInterval)
}
