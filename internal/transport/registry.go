package transport

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrMissingUserID is returned when a connection is requested without a user.
var ErrMissingUserID = errors.New("user id is required")

// Registry holds at most one live Conn per user id.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	factory func(userID string) *Conn
	logger  *slog.Logger
}

// NewRegistry creates a registry that builds connections from base, filling
// in the user id per entry.
func NewRegistry(base Options) *Registry {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns: make(map[string]*Conn),
		factory: func(userID string) *Conn {
			opts := base
			opts.UserID = userID
			return New(opts)
		},
		logger: logger,
	}
}

// GetOrCreate returns the user's connection, creating it on first use.
// Repeated calls for the same id return the same instance.
func (r *Registry) GetOrCreate(userID string) (*Conn, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[userID]; ok {
		return c, nil
	}
	c := r.factory(userID)
	r.conns[userID] = c
	r.logger.Info("Connection registered", "user_id", userID)
	return c, nil
}

// Get returns the user's connection if one exists.
func (r *Registry) Get(userID string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userID]
	return c, ok
}

// Remove disconnects and forgets the user's connection.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	c, ok := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	if ok {
		c.Close()
		r.logger.Info("Connection removed", "user_id", userID)
	}
}

// CloseAll disconnects every registered connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for userID, c := range conns {
		c.Close()
		r.logger.Info("Connection closed", "user_id", userID)
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
