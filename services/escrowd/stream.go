package escrowd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"opticgov/storage"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// Hub fans journal records out to live websocket subscribers. Slow
// subscribers are dropped instead of blocking the journal.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan storage.Record
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan storage.Record)}
}

// Publish delivers rec to every subscriber without blocking.
func (h *Hub) Publish(rec storage.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- rec:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// the subscriber falls behind or cancel is called.
func (h *Hub) Subscribe() (<-chan storage.Record, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan storage.Record, subscriberBuffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			close(existing)
			delete(h.subs, id)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", err)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamRecords(ctx, conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamRecords(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	// Subscribe before reading the backlog so nothing appended in between is
	// lost; duplicates are filtered by sequence.
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	backlog, err := s.journal.Since(cursor, 0)
	if err != nil {
		return err
	}
	last := cursor
	for _, rec := range backlog {
		if err := writeRecord(ctx, conn, rec); err != nil {
			return err
		}
		last = rec.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				return nil
			}
			if rec.Sequence <= last {
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
			last = rec.Sequence
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
