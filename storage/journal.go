package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"opticgov/core/events"
	"opticgov/core/types"
)

var journalPrefix = []byte("journal/")

// Record is a single persisted event. Sequence numbers start at 1 and are
// dense; the cursor 0 therefore means "from the beginning".
type Record struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Journal is an append-only event log on top of a Database. It implements
// events.Emitter so it can be plugged straight into the escrow engine.
type Journal struct {
	db     Database
	mu     sync.Mutex
	head   uint64
	nowFn  func() time.Time
	logger *slog.Logger
	notify func(Record)
}

// OpenJournal scans the existing journal to recover the head sequence.
func OpenJournal(db Database) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: journal requires a database")
	}
	j := &Journal{db: db, nowFn: time.Now, logger: slog.Default()}
	err := db.ForEach(journalPrefix, nil, func(key, _ []byte) bool {
		if seq, ok := decodeJournalKey(key); ok && seq > j.head {
			j.head = seq
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan journal: %w", err)
	}
	return j, nil
}

// SetNowFunc overrides the clock used for RecordedAt.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.mu.Lock()
	j.nowFn = now
	j.mu.Unlock()
}

// SetLogger sets the logger used to report failed appends from Emit.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	j.mu.Lock()
	j.logger = logger
	j.mu.Unlock()
}

// OnAppend registers a callback invoked after every successful append while
// the journal lock is held, so callbacks observe records in sequence order.
func (j *Journal) OnAppend(fn func(Record)) {
	j.mu.Lock()
	j.notify = fn
	j.mu.Unlock()
}

// Head returns the sequence of the last record, or 0 for an empty journal.
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Append persists the event and returns the stored record.
func (j *Journal) Append(evt *types.Event) (Record, error) {
	if evt == nil || evt.Type == "" {
		return Record{}, fmt.Errorf("storage: event type required")
	}
	snapshot := evt.Clone()
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := Record{
		Sequence:   j.head + 1,
		ID:         uuid.NewString(),
		Type:       snapshot.Type,
		Attributes: snapshot.Attributes,
		RecordedAt: j.nowFn().UTC(),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := j.db.Put(journalKey(rec.Sequence), encoded); err != nil {
		return Record{}, fmt.Errorf("storage: append journal: %w", err)
	}
	j.head = rec.Sequence
	if j.notify != nil {
		j.notify(rec)
	}
	return rec, nil
}

// Emit implements events.Emitter. Events without an attribute payload are
// ignored.
func (j *Journal) Emit(evt events.Event) {
	payload, ok := evt.(events.Payload)
	if !ok {
		return
	}
	if _, err := j.Append(payload.Event()); err != nil {
		j.mu.Lock()
		logger := j.logger
		j.mu.Unlock()
		logger.Error("journal append failed", slog.String("event", evt.EventType()), slog.Any("error", err))
	}
}

// Since returns up to limit records with a sequence greater than cursor. A
// non-positive limit returns everything.
func (j *Journal) Since(cursor uint64, limit int) ([]Record, error) {
	if cursor == math.MaxUint64 {
		return nil, nil
	}
	var (
		out    []Record
		decErr error
	)
	err := j.db.ForEach(journalPrefix, journalKey(cursor+1), func(_, value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			decErr = err
			return false
		}
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, fmt.Errorf("storage: decode journal record: %w", decErr)
	}
	return out, nil
}

func journalKey(seq uint64) []byte {
	key := make([]byte, len(journalPrefix)+8)
	copy(key, journalPrefix)
	binary.BigEndian.PutUint64(key[len(journalPrefix):], seq)
	return key
}

func decodeJournalKey(key []byte) (uint64, bool) {
	if len(key) != len(journalPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(journalPrefix):]), true
}
