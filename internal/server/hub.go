package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/convochat/internal/broker"
)

// Hub owns the lifecycle of every WebSocket client: it starts their pumps on
// registration, forgets them on unregistration and closes them all on
// shutdown. Fan-out is done by the broker, not the hub.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Register hands a client to the hub, which then starts its pumps. It returns
// false when the hub is shutting down; the caller still owns the connection.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client. It is safe to call after shutdown.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.remove(c)
	}
}

// Run starts the hub's main event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.clients[client] = struct{}{}
			clientCount := len(h.clients)
			h.mutex.Unlock()
			client.logger.Info("client registered", "total_clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump(h.ctx)
			}()

		case client := <-h.unregister:
			if h.remove(client) {
				client.logger.Info("client unregistered", "total_clients", h.ClientCount())
			}
		}
	}
}

// remove forgets the client and closes its send channel. It reports whether
// the client was still registered.
func (h *Hub) remove(client *Client) bool {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mutex.Unlock()

	client.markClosed()
	return ok
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ConnectionStats counts registered clients per channel.
func (h *Hub) ConnectionStats() ConnectionStats {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var stats ConnectionStats
	for client := range h.clients {
		switch client.channel {
		case broker.ChannelGlobal:
			stats.Global++
		case broker.ChannelConversation:
			stats.Conversation++
		}
	}
	return stats
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// shutdownClients closes every active connection; their read pumps then run
// the normal disconnect path.
func (h *Hub) shutdownClients() {
	clients := h.getClientSnapshot()
	h.logger.Info("shutting down client connections", "clients", len(clients))

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.logger.Warn("error closing client connection", "error", err)
		}
	}
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
