package store

import (
	"errors"
	"sync"

	"mpesa-stk-gateway/internal/models"
)

var ErrNotFound = errors.New("session not found")

// Store holds payment sessions in memory for the lifetime of the process.
// The initiator inserts, the callback handler transitions, the status
// endpoint reads; all three run on separate goroutines.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.PaymentSession
}

func New() *Store {
	return &Store{sessions: make(map[string]models.PaymentSession)}
}

func (s *Store) Insert(sess models.PaymentSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Store) Get(id string) (models.PaymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return models.PaymentSession{}, ErrNotFound
	}
	return sess, nil
}

// TransitionIfPending moves the session to the given terminal status if it
// is still PENDING. The check and the write happen under one lock, so only
// the first of two concurrent duplicate callbacks is applied. Returns the
// session after the call and whether this call performed the transition.
func (s *Store) TransitionIfPending(id string, status models.SessionStatus, receipt, resultDesc string) (models.PaymentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return models.PaymentSession{}, false, ErrNotFound
	}
	if sess.Status != models.StatusPending {
		return sess, false, nil
	}

	sess.Status = status
	sess.Receipt = receipt
	sess.ResultDesc = resultDesc
	s.sessions[id] = sess
	return sess, true, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
