package syncclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GRPCTransport streams VMEventEnvelopes to the control plane over a
// single client-streaming gRPC call, using a JSON wire codec registered
// against the gRPC encoding package instead of protobuf.
type GRPCTransport struct {
	mu sync.Mutex

	logger      *slog.Logger
	addr        string
	tlsConfig   *tls.Config
	token       string
	method      string
	dialTimeout time.Duration

	conn         *grpc.ClientConn
	stream       grpc.ClientStream
	streamCancel context.CancelFunc
}

// NewGRPCTransport builds a transport dialing addr lazily on first Send.
func NewGRPCTransport(addr string, tlsCfg *tls.Config, token, method string, logger *slog.Logger) *GRPCTransport {
	encoding.RegisterCodec(jsonCodec{})
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCTransport{
		logger:      logger,
		addr:        addr,
		tlsConfig:   tlsCfg,
		token:       token,
		method:      method,
		dialTimeout: 8 * time.Second,
	}
}

func (t *GRPCTransport) Send(ctx context.Context, env VMEventEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureConnLocked(ctx); err != nil {
		return err
	}
	if t.stream == nil {
		if err := t.openStreamLocked(ctx); err != nil {
			return err
		}
	}
	if err := t.stream.SendMsg(env); err != nil {
		t.logger.Warn("grpc sync send failed, reopening stream", "error", err)
		t.stream = nil
		if err2 := t.openStreamLocked(ctx); err2 != nil {
			return fmt.Errorf("reopen sync stream: %w", err2)
		}
		if err2 := t.stream.SendMsg(env); err2 != nil {
			return fmt.Errorf("send vm event: %w", err2)
		}
	}
	return nil
}

func (t *GRPCTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream != nil {
		_ = t.stream.CloseSend()
		t.stream = nil
	}
	if t.streamCancel != nil {
		t.streamCancel()
		t.streamCancel = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *GRPCTransport) ensureConnLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		dialCtx, cancel = context.WithDeadline(context.Background(), dl)
		defer cancel()
	}

	var creds credentials.TransportCredentials
	if t.tlsConfig != nil {
		creds = credentials.NewTLS(t.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.DialContext(
		dialCtx,
		t.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("grpc dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.logger.Info("sync grpc stream connected", "addr", t.addr)
	return nil
}

func (t *GRPCTransport) openStreamLocked(ctx context.Context) error {
	if t.conn == nil {
		return fmt.Errorf("grpc conn is nil")
	}
	streamCtx, cancel := t.decorateContext(ctx)
	s, err := t.conn.NewStream(streamCtx, &grpc.StreamDesc{ClientStreams: true}, t.method)
	if err != nil {
		cancel()
		return fmt.Errorf("open sync stream: %w", err)
	}
	if t.streamCancel != nil {
		t.streamCancel()
	}
	t.stream = s
	t.streamCancel = cancel
	return nil
}

func (t *GRPCTransport) decorateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	out := context.Background()
	cancel := func() {}
	if dl, ok := ctx.Deadline(); ok {
		out, cancel = context.WithDeadline(out, dl)
	}
	if t.token != "" {
		out = metadata.AppendToOutgoingContext(out, "authorization", "Bearer "+t.token)
	}
	return out, cancel
}
