package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/models"
)

// Ensure Hub implements Publisher
var _ Publisher = (*Hub)(nil)

// Hub tracks which clients are subscribed to which groups.
//
// groups and clients are two views of the same relation and are only
// changed together under mu. A client stays in clients from Register until
// it is removed, even with no subscriptions.
type Hub struct {
	mu      sync.RWMutex
	groups  map[int64]map[*Client]struct{}
	clients map[*Client]map[int64]struct{}
	closed  bool

	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		groups:  make(map[int64]map[*Client]struct{}),
		clients: make(map[*Client]map[int64]struct{}),
		metrics: m,
	}
}

// Register adds the client and starts its read and write pumps.
// It returns false if the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	if !h.add(c) {
		return false
	}
	slog.Info("Client registered", "client_id", c.id, "username", c.session.Username)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return true
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if _, ok := h.clients[c]; !ok {
		h.clients[c] = make(map[int64]struct{})
	}
	return true
}

// Subscribe adds c to the subscribers of groupID. Subscribing twice is a no-op.
// It returns false if c is no longer registered.
func (h *Hub) Subscribe(groupID int64, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c]
	if !ok {
		return false
	}
	if _, ok := subs[groupID]; ok {
		return true
	}
	subs[groupID] = struct{}{}
	if h.groups[groupID] == nil {
		h.groups[groupID] = make(map[*Client]struct{})
	}
	h.groups[groupID][c] = struct{}{}
	h.metrics.AddSubscriptions(1)
	return true
}

// Leave removes c from the subscribers of groupID only.
func (h *Hub) Leave(groupID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c]
	if !ok {
		return
	}
	if _, ok := subs[groupID]; !ok {
		return
	}
	delete(subs, groupID)
	h.detachLocked(groupID, c)
	h.metrics.AddSubscriptions(-1)
}

// Unsubscribe removes c from every group it is subscribed to. The client
// stays registered.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[c]
	if !ok {
		return
	}
	for groupID := range subs {
		h.detachLocked(groupID, c)
	}
	h.metrics.AddSubscriptions(-len(subs))
	h.clients[c] = make(map[int64]struct{})
}

// Unregister unsubscribes c and closes its send channel, which stops its
// write pump. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()

	if removed {
		slog.Info("Client unregistered", "client_id", c.id, "username", c.session.Username)
	}
}

// Publish delivers the event to every local subscriber of groupID.
func (h *Hub) Publish(_ context.Context, groupID int64, event string, payload any) error {
	env, err := NewEnvelope(groupID, event, payload)
	if err != nil {
		return err
	}
	h.Deliver(env)
	return nil
}

// Deliver sends env to every subscriber of env.GroupID without blocking.
// Subscribers whose buffer is full are dropped. A group_deleted event also
// ends every subscription to the group.
func (h *Hub) Deliver(env Envelope) int {
	msg, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to encode envelope", "event", env.Event, "group_id", env.GroupID, "error", err)
		return 0
	}

	var delivered int
	var slow []*Client

	h.mu.RLock()
	for c := range h.groups[env.GroupID] {
		select {
		case c.send <- msg:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			if h.removeLocked(c) {
				slog.Warn("Client dropped due to full send buffer", "client_id", c.id, "group_id", env.GroupID)
			}
		}
		h.mu.Unlock()
	}

	if env.Event == models.EventGroupDeleted {
		h.CloseGroup(env.GroupID)
	}

	slog.Debug("Event delivered", "event", env.Event, "group_id", env.GroupID, "subscribers", delivered)
	return delivered
}

// CloseGroup drops every subscription to groupID. The clients stay
// registered. It returns how many subscriptions were dropped.
func (h *Hub) CloseGroup(groupID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.groups[groupID]
	for c := range subs {
		delete(h.clients[c], groupID)
	}
	delete(h.groups, groupID)
	h.metrics.AddSubscriptions(-len(subs))
	return len(subs)
}

// send queues msg for a single client. Used for replies to that client.
func (h *Hub) send(c *Client, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Subscribers returns how many clients are subscribed to groupID.
func (h *Hub) Subscribers(groupID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// Shutdown stops accepting clients, closes every connection and waits for
// the pumps to exit or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	slog.Info("Hub shutting down", "clients", len(clients))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) detachLocked(groupID int64, c *Client) {
	subs := h.groups[groupID]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.groups, groupID)
	}
}

// removeLocked drops c entirely. Reports whether c was registered.
func (h *Hub) removeLocked(c *Client) bool {
	subs, ok := h.clients[c]
	if !ok {
		return false
	}
	for groupID := range subs {
		h.detachLocked(groupID, c)
	}
	h.metrics.AddSubscriptions(-len(subs))
	delete(h.clients, c)
	close(c.send)
	return true
}
