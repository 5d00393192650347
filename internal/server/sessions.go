// Package server tracks live WebSocket clients so their pump goroutines can be
// started, found by connection ID, and shut down together.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sessions owns the set of running clients and their pump goroutines.
type sessions struct {
	mu      sync.RWMutex
	clients map[string]*Client
	wg      sync.WaitGroup
	closing bool
	log     logrus.FieldLogger
}

func newSessions(log logrus.FieldLogger) *sessions {
	return &sessions{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// start records c and launches its pumps. It returns false once shutdown
// has begun.
func (s *sessions) start(c *Client) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.clients[c.id] = c
	clientCount := len(s.clients)
	s.wg.Add(2)
	s.mu.Unlock()

	c.log.WithField("clients", clientCount).Debug("Client registered")

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
	return true
}

func (s *sessions) get(connID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[connID]
	return c, ok
}

func (s *sessions) remove(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	clientCount := len(s.clients)
	s.mu.Unlock()

	c.log.WithField("clients", clientCount).Debug("Client unregistered")
}

func (s *sessions) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// stall drops the client for connID, if it is still running.
func (s *sessions) stall(connID string) {
	if c, ok := s.get(connID); ok {
		c.stall()
	}
}

// shutdown closes every client connection and waits for the pumps to finish,
// or until timeout.
func (s *sessions) shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closing = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.log.WithField("clients", len(clients)).Info("Shutting down all client connections")
	for _, c := range clients {
		c.closeConnection()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Client shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		s.log.Warn("Client shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
