package websocket

import (
	"sync"

	"go.uber.org/zap"

	"chatline/internal/logging"
	"chatline/internal/metrics"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Registry is the set of every open connection, registered or not. It is the
// broadcast target for presence changes.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]interfaces.Connection

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		connections: make(map[string]interfaces.Connection),
		logger:      logging.Component(logger, "websocket"),
		metrics:     m,
	}
}

// Add tracks conn until Remove.
func (r *Registry) Add(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	r.metrics.ConnOpened()
	return nil
}

// Remove forgets conn. Only the same instance that was added is removed; the
// call is idempotent.
func (r *Registry) Remove(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.connections[conn.ID()]
	if !exists || registered != conn {
		return
	}
	delete(r.connections, conn.ID())
	r.metrics.ConnClosed()
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Broadcast sends ev to every open connection. Per-connection failures are
// swallowed; a closed or slow client must not affect the others.
func (r *Registry) Broadcast(ev types.Event) {
	r.mu.RLock()
	targets := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Send(ev); err != nil {
			r.metrics.IncDropped()
			r.logger.Debug("broadcast dropped",
				zap.String("connection", conn.ID()),
				zap.String("event", ev.Name),
				zap.Error(err))
		}
	}
}

// CloseAll closes every open connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]interfaces.Connection, 0, len(r.connections))
	for id, conn := range r.connections {
		all = append(all, conn)
		delete(r.connections, id)
		r.metrics.ConnClosed()
	}
	r.mu.Unlock()

	for _, conn := range all {
		_ = conn.Close()
	}
}
