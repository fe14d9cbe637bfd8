package ledger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"isolate/core/environment"
	"isolate/core/lifecycle"
)

// Record is one environment status transition.
type Record struct {
	HandleID string             `json:"handle_id"`
	Key      environment.Key    `json:"key"`
	Backend  string             `json:"backend"`
	From     environment.Status `json:"from"`
	To       environment.Status `json:"to"`
	Locator  string             `json:"locator,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	At       time.Time          `json:"at"`
}

type Store interface {
	Append(ctx context.Context, rec Record) error
	// History returns the records of one handle, oldest first.
	History(ctx context.Context, handleID string) ([]Record, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Ledger records every lifecycle transition it observes. Store failures are logged and
// never reach the lifecycle manager.
type Ledger struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger.Named("ledger"), timeout: 5 * time.Second, now: time.Now}
}

func (l *Ledger) Transition(h environment.Handle, from environment.Status, detail string) {
	rec := Record{
		HandleID: h.ID,
		Key:      h.Key,
		Backend:  h.Backend,
		From:     from,
		To:       h.Status,
		Locator:  h.Locator,
		Detail:   detail,
		At:       l.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.store.Append(ctx, rec); err != nil {
		l.logger.Warn("ledger append failed", zap.String("handle_id", h.ID), zap.Error(err))
	}
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) Close() error { return l.store.Close() }

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	max     int
}

// NewMemoryStore keeps at most max records, dropping the oldest; max <= 0 keeps 10000.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryStore{max: max}
}

func (m *MemoryStore) Append(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if over := len(m.records) - m.max; over > 0 {
		m.records = append([]Record(nil), m.records[over:]...)
	}
	return nil
}

func (m *MemoryStore) History(ctx context.Context, handleID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.HandleID == handleID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ lifecycle.Observer = (*Ledger)(nil)
var _ Store = (*MemoryStore)(nil)
