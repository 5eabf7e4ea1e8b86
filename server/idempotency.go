package server

import (
	"bytes"
	"container/list"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// IdempotencyKeyHeader is the request header naming a replayable mutation.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayedHeader marks a response served from the replay cache.
	IdempotentReplayedHeader = "Idempotent-Replayed"

	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyCapacity = 1024
	maxIdempotencyKeyLength    = 255
)

// IdempotencyConfig bounds the replay cache. Zero values select the defaults
// (24h TTL, 1024 entries).
type IdempotencyConfig struct {
	TTL      time.Duration
	Capacity int
}

type idempotencyState int

const (
	idempotencyStarted idempotencyState = iota
	idempotencyReplay
	idempotencyConflict
)

type storedResponse struct {
	status      int
	contentType string
	body        []byte
}

type idempotencyEntry struct {
	key       string
	createdAt time.Time
	done      bool
	response  storedResponse
}

// idempotencyCache remembers completed mutations by key. Entries are kept in
// insertion order so expiry and capacity eviction both drop the oldest first.
type idempotencyCache struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

func newIdempotencyCache(cfg IdempotencyConfig, now func() time.Time) *idempotencyCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	return &idempotencyCache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// begin claims key for a new request, or reports that the key is already
// completed (replay) or still in flight (conflict).
func (c *idempotencyCache) begin(key string) (*idempotencyEntry, idempotencyState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*idempotencyEntry)
		if entry.done {
			return entry, idempotencyReplay
		}
		return entry, idempotencyConflict
	}

	entry := &idempotencyEntry{key: key, createdAt: now}
	c.entries[key] = c.order.PushBack(entry)
	for c.order.Len() > c.capacity {
		c.removeLocked(c.order.Front())
	}
	return entry, idempotencyStarted
}

func (c *idempotencyCache) complete(entry *idempotencyEntry, resp storedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[entry.key]; ok && elem.Value == entry {
		entry.done = true
		entry.response = resp
	}
}

// abandon forgets an in-flight entry so the key can be retried.
func (c *idempotencyCache) abandon(entry *idempotencyEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[entry.key]; ok && elem.Value == entry {
		c.removeLocked(elem)
	}
}

func (c *idempotencyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *idempotencyCache) expireLocked(now time.Time) {
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		entry := elem.Value.(*idempotencyEntry)
		if now.Sub(entry.createdAt) < c.ttl {
			return
		}
		c.removeLocked(elem)
	}
}

func (c *idempotencyCache) removeLocked(elem *list.Element) {
	entry := c.order.Remove(elem).(*idempotencyEntry)
	delete(c.entries, entry.key)
}

// captureWriter tees the response so it can be stored for replay.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" || !isMutatingMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeError(w, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY",
				"Idempotency-Key must be 255 characters or less")
			return
		}

		entry, state := s.idempotency.begin(r.Method + " " + r.URL.Path + " " + key)
		switch state {
		case idempotencyReplay:
			s.replay(w, entry.response)
			return
		case idempotencyConflict:
			writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT",
				"A request with this Idempotency-Key is still in progress")
			return
		}

		capture := &captureWriter{ResponseWriter: w}
		finished := false
		defer func() {
			if !finished {
				s.idempotency.abandon(entry)
			}
		}()

		next.ServeHTTP(capture, r)
		finished = true

		status := capture.status
		if !capture.wroteHeader {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			s.idempotency.abandon(entry)
			return
		}
		s.idempotency.complete(entry, storedResponse{
			status:      status,
			contentType: capture.Header().Get("Content-Type"),
			body:        append([]byte(nil), capture.body.Bytes()...),
		})
	})
}

func (s *Server) replay(w http.ResponseWriter, resp storedResponse) {
	if resp.contentType != "" {
		w.Header().Set("Content-Type", resp.contentType)
	}
	w.Header().Set(IdempotentReplayedHeader, "true")
	w.WriteHeader(resp.status)
	if len(resp.body) > 0 {
		_, _ = w.Write(resp.body)
	}
}
