package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var idempotencyPrefix = []byte("idempotency/")

// IdempotencyRecord caches the response served for an Idempotency-Key so a
// retried request replays it instead of executing twice.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Status      int       `json:"status"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Pending reports whether the request holding the key has not finished yet.
func (r *IdempotencyRecord) Pending() bool { return r.Status == 0 }

// KVIdempotency stores idempotency records in a Database.
type KVIdempotency struct {
	mu sync.Mutex
	db Database
}

// NewKVIdempotency wraps db.
func NewKVIdempotency(db Database) *KVIdempotency {
	return &KVIdempotency{db: db}
}

// LookupIdempotency returns the stored record or ErrNotFound.
func (s *KVIdempotency) LookupIdempotency(_ context.Context, key string) (*IdempotencyRecord, error) {
	return s.load(idempotencyKey(key))
}

// ReserveIdempotency claims rec.Key as a pending entry. When the key is
// already taken the existing record is returned and nothing is written.
func (s *KVIdempotency) ReserveIdempotency(_ context.Context, rec *IdempotencyRecord) (*IdempotencyRecord, error) {
	if rec == nil || rec.Key == "" {
		return nil, errors.New("storage: idempotency key required")
	}
	key := idempotencyKey(rec.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.load(key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	pending := *rec
	pending.Status = 0
	pending.Response = nil
	encoded, err := json.Marshal(&pending)
	if err != nil {
		return nil, err
	}
	return nil, s.db.Put(key, encoded)
}

// CompleteIdempotency stores the response for a reserved key. A completed
// key keeps its first response.
func (s *KVIdempotency) CompleteIdempotency(_ context.Context, key string, status int, response []byte) error {
	raw := idempotencyKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(raw)
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return nil
	}
	rec.Status = status
	rec.Response = append([]byte(nil), response...)
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(raw, encoded)
}

// ReleaseIdempotency drops a pending reservation so the key can be retried.
// Completed records are kept.
func (s *KVIdempotency) ReleaseIdempotency(_ context.Context, key string) error {
	raw := idempotencyKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.load(raw)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return nil
	}
	return s.db.Delete(raw)
}

func (s *KVIdempotency) load(key []byte) (*IdempotencyRecord, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func idempotencyKey(key string) []byte {
	return append(append([]byte(nil), idempotencyPrefix...), key...)
}
