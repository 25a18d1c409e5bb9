package syncclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qemuhostd/internal/vmm/monitor"
)

// Transport delivers one envelope to the control-plane backend, over
// whichever wire the concrete implementation speaks.
type Transport interface {
	Send(ctx context.Context, env VMEventEnvelope) error
	Close(ctx context.Context) error
}

// Client implements monitor.Sink: it owns a bounded queue and a single
// background goroutine that drains it against Transport, so a slow or
// unreachable backend never blocks the monitor's own drain goroutine
// (which in turn never blocks a VM's mutex holder). Enqueue drops the
// oldest queued event, logging the drop, exactly like the monitor's own
// bounded channel.
type Client struct {
	nodeID      string
	transport   Transport
	logger      *slog.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	queue  chan monitor.SyncEvent
	closed bool
	done   chan struct{}
}

var _ monitor.Sink = (*Client)(nil)

// New builds a Client with the given queue capacity and starts its
// drain goroutine.
func New(nodeID string, transport Transport, capacity int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 256
	}
	c := &Client{
		nodeID:      nodeID,
		transport:   transport,
		logger:      logger,
		sendTimeout: 5 * time.Second,
		queue:       make(chan monitor.SyncEvent, capacity),
		done:        make(chan struct{}),
	}
	go c.drain()
	return c
}

// Enqueue never blocks the caller (the monitor's own drain goroutine).
// The mutex is held for the whole call, including the channel send:
// every send is non-blocking (select/default), and holding the lock
// throughout keeps Close from closing the queue out from under a
// concurrent send.
func (c *Client) Enqueue(ev monitor.SyncEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.queue <- ev:
		return true
	default:
		select {
		case dropped := <-c.queue:
			c.logger.Warn("sync client queue full, dropping oldest event", "dropped_vm", dropped.VMName, "dropped_kind", dropped.Kind)
		default:
		}
		select {
		case c.queue <- ev:
			return true
		default:
			return false
		}
	}
}

// Close stops accepting new events, waits until every event still queued
// has been sent (each send bounded by sendTimeout), and closes the
// underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	return c.transport.Close(ctx)
}

func (c *Client) drain() {
	defer close(c.done)
	for ev := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
		env := newEnvelope(c.nodeID, ev, nil)
		if err := c.transport.Send(ctx, env); err != nil {
			c.logger.Warn("sync send failed", "vm", ev.VMName, "kind", ev.Kind, "error", err)
		}
		cancel()
	}
}
