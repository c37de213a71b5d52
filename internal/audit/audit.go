// Package audit records privileged actions. Entries are append-only: the
// application can write them but never update or delete them.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"planfold.app/internal/identity"
	"planfold.app/internal/ids"
)

// Entry is one immutable record of a privileged action.
type Entry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	Resource   string            `json:"resource"`
	IP         string            `json:"ip"`
	RequestID  string            `json:"request_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder persists entries and mirrors each one as a structured log line so
// the trail survives even when operators only keep logs.
type Recorder struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRecorder(store Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record fills in defaults from the context and appends the entry. The write
// is synchronous: a privileged action is not served before its audit entry
// exists.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit: action is required")
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.ActorID == "" {
		if principal, ok := identity.PrincipalFromContext(ctx); ok {
			entry.ActorID = principal.ID
		}
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}

	if err := r.store.Append(ctx, &entry); err != nil {
		return err
	}

	r.log.Info("audit",
		zap.String("audit_id", entry.ID),
		zap.String("actor_id", entry.ActorID),
		zap.String("action", entry.Action),
		zap.String("resource", entry.Resource),
		zap.String("ip", entry.IP),
		zap.String("request_id", entry.RequestID),
		zap.Any("metadata", entry.Metadata),
	)
	return nil
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	meta, _ := json.Marshal(entry.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_entries(id, occurred_at, actor_id, action, resource, ip, request_id, metadata)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.OccurredAt, entry.ActorID, entry.Action, entry.Resource, entry.IP, entry.RequestID, meta,
	)
	return err
}
