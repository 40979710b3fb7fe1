package permission

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

// Registry defaults.
const (
	DefaultPendingTTL     = 30 * time.Minute
	DefaultResendCooldown = 3 * time.Second
)

// PendingRequest wraps an in-flight approval request with its resend history.
type PendingRequest struct {
	Request     session.ApprovalEvent `json:"request"`
	FirstSeenAt time.Time             `json:"first_seen_at"`
	LastSentAt  time.Time             `json:"last_sent_at"`
	ResendCount int                   `json:"resend_count"`
}

// SyncFilter narrows a resend pass to one request or one session.
// Zero value matches everything.
type SyncFilter struct {
	RequestID string
	SessionID string
}

func (f SyncFilter) matches(p *PendingRequest) bool {
	if f.RequestID != "" && f.RequestID != p.Request.RequestID {
		return false
	}
	if f.SessionID != "" && f.SessionID != p.Request.SessionID {
		return false
	}
	return true
}

// Registry tracks approval requests awaiting a decision. Entries expire
// after the TTL and are re-announced no more often than the cooldown allows,
// regardless of how many sync requests arrive.
type Registry struct {
	logger   *logger.Logger
	ttl      time.Duration
	cooldown time.Duration

	mu      sync.Mutex
	pending map[string]*PendingRequest

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a registry. Non-positive ttl/cooldown select defaults.
func NewRegistry(ttl, cooldown time.Duration, log *logger.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if cooldown <= 0 {
		cooldown = DefaultResendCooldown
	}
	return &Registry{
		logger:   log.WithFields(zap.String("component", "approval-registry")),
		ttl:      ttl,
		cooldown: cooldown,
		pending:  make(map[string]*PendingRequest),
		now:      time.Now,
	}
}

// Track records a newly announced request (or refreshes an existing entry's
// request payload) and stamps its send time.
func (r *Registry) Track(req session.ApprovalEvent) {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.pending[req.RequestID]; ok {
		existing.Request = req
		return
	}
	r.pending[req.RequestID] = &PendingRequest{
		Request:     req,
		FirstSeenAt: now,
		LastSentAt:  now,
	}
}

// Get returns the pending entry for a request id.
func (r *Registry) Get(requestID string) (*PendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[requestID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Remove deletes a pending entry, returning whether it existed.
func (r *Registry) Remove(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[requestID]
	delete(r.pending, requestID)
	return ok
}

// Pending returns a snapshot of all entries, oldest first.
func (r *Registry) Pending() []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingRequest, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Sync prunes TTL-expired entries, then resends every entry matching the
// filter whose last announcement is older than the cooldown. A send failure
// leaves the entry untouched so the next pass retries it.
func (r *Registry) Sync(filter SyncFilter, send func(session.ApprovalEvent) error) (resent int) {
	now := r.now().UTC()

	r.mu.Lock()
	var due []*PendingRequest
	for id, p := range r.pending {
		if now.Sub(p.FirstSeenAt) > r.ttl {
			r.logger.Info("pending approval expired",
				zap.String("request_id", id),
				zap.String("session_id", p.Request.SessionID),
				zap.Duration("age", now.Sub(p.FirstSeenAt)))
			delete(r.pending, id)
			continue
		}
		if !filter.matches(p) {
			continue
		}
		if now.Sub(p.LastSentAt) < r.cooldown {
			continue
		}
		due = append(due, p)
	}
	for _, p := range due {
		if send == nil {
			continue
		}
		if err := send(p.Request); err != nil {
			r.logger.Warn("approval resend failed",
				zap.String("request_id", p.Request.RequestID),
				zap.Error(err))
			continue
		}
		p.LastSentAt = now
		p.ResendCount++
		resent++
	}
	r.mu.Unlock()
	return resent
}

// requestIDPattern matches <sessionID>-<13-digit-epoch-ms>[-<8-hex-suffix>].
var requestIDPattern = regexp.MustCompile(`^(.+)-(\d{13})(?:-([0-9a-f]{8}))?$`)

// NewRequestID generates a time-ordered request id embedding the session id.
func NewRequestID(sessionID string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", sessionID, time.Now().UnixMilli(), suffix)
}

// SessionIDFromRequestID recovers the session id embedded in a request id.
// Returns false if the id does not follow the generated structure.
func SessionIDFromRequestID(requestID string) (string, bool) {
	m := requestIDPattern.FindStringSubmatch(requestID)
	if m == nil {
		return "", false
	}
	return m[1], true
}
