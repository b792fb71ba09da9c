// Package messages persists conversation messages.
//
// Every write is tagged with the operation that produced it. Once a message
// has been finalized (for example when an interrupted run resolves a pending
// tool call to "aborted"), later writes for that message are rejected with
// ErrStaleWrite so a late-arriving result cannot overwrite the cleanup.
package messages

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentcore/pkg/models"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrStaleWrite is returned when writing to a finalized message.
	ErrStaleWrite = errors.New("stale write to finalized message")
	// ErrDuplicate is returned when a different operation already created the message id.
	ErrDuplicate = errors.New("message id already created by another operation")
)

// WriteOptions controls an update.
type WriteOptions struct {
	// Final seals the message. Subsequent writes return ErrStaleWrite.
	Final bool
}

// Store persists messages.
type Store interface {
	// Create stores msg, assigning an id when empty. Re-creating the same id
	// from the same operation is a no-op.
	Create(ctx context.Context, opID string, msg *models.Message) error
	// Update replaces a stored message.
	Update(ctx context.Context, opID string, msg *models.Message, opts WriteOptions) error
	Get(ctx context.Context, id string) (*models.Message, error)
	// List returns the messages of a topic in creation order.
	List(ctx context.Context, topicID string) ([]*models.Message, error)
}

type record struct {
	msg     models.Message
	opID    string
	final   bool
	version int64
}

// MemoryStore keeps messages in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	keys    []string
	now     func() time.Time
}

// NewMemoryStore returns a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Create stores a message.
func (s *MemoryStore) Create(ctx context.Context, opID string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[msg.ID]; ok {
		if existing.opID == opID {
			return nil
		}
		return ErrDuplicate
	}
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	s.records[msg.ID] = &record{msg: msg.Clone(), opID: opID, version: 1}
	s.keys = append(s.keys, msg.ID)
	return nil
}

// Update replaces a stored message.
func (s *MemoryStore) Update(ctx context.Context, opID string, msg *models.Message, opts WriteOptions) error {
	if msg == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[msg.ID]
	if !ok {
		return ErrNotFound
	}
	if rec.final {
		return ErrStaleWrite
	}
	msg.CreatedAt = rec.msg.CreatedAt
	msg.UpdatedAt = s.now()
	rec.msg = msg.Clone()
	rec.opID = opID
	rec.final = opts.Final
	rec.version++
	return nil
}

// Get returns a message by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	msg := rec.msg.Clone()
	return &msg, nil
}

// List returns the messages of a topic in insertion order.
func (s *MemoryStore) List(ctx context.Context, topicID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Message
	for _, id := range s.keys {
		rec := s.records[id]
		if rec == nil || rec.msg.TopicID != topicID {
			continue
		}
		msg := rec.msg.Clone()
		out = append(out, &msg)
	}
	return out, nil
}

// Version returns how many times a message was written. Zero means unknown id.
func (s *MemoryStore) Version(id string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[id]; ok {
		return rec.version
	}
	return 0
}
