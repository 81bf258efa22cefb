package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/resolver"
)

// Store is the append-only audit sink. Append must treat a repeated ID as
// a no-op so retries after ambiguous failures never duplicate rows.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Query(ctx context.Context, filter Filter) ([]Entry, error)
}

// Overflow holds entries the sink could not accept. Drain hands each queued
// entry to fn; entries for which fn fails stay queued.
type Overflow interface {
	Push(ctx context.Context, entry Entry) error
	Drain(ctx context.Context, fn func(context.Context, Entry) error) (int, error)
}

// AlertKind classifies operator alerts raised by the writer.
type AlertKind string

const (
	AlertAuditWriteFailure  AlertKind = "audit_write_failure"
	AlertPrivilegedOverride AlertKind = "privileged_override"
)

// Alert is published to the operator alerting channel.
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Entry    Entry     `json:"entry"`
	Cause    string    `json:"cause,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// Alerter delivers operator alerts. Delivery is best-effort.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 2 * time.Second
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = time.Second
)

// Writer records access decisions. Record never loses an entry silently:
// it either lands in the sink, lands in the overflow queue with an alert, or
// returns ErrAuditWriteFailure.
type Writer struct {
	store          Store
	overflow       Overflow
	alerter        Alerter
	logger         *slog.Logger
	metrics        *Metrics
	now            func() time.Time
	maxAttempts    int
	attemptTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	breaker        *sinkBreaker
}

type Option func(*Writer)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(w *Writer) {
		w.metrics = m
	}
}

func WithAlerter(a Alerter) Option {
	return func(w *Writer) {
		w.alerter = a
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// WithRetry sets the attempt budget and the exponential backoff bounds.
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(w *Writer) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if initial > 0 {
			w.initialBackoff = initial
		}
		if max > 0 {
			w.maxBackoff = max
		}
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.attemptTimeout = d
		}
	}
}

// WithSinkBreaker opens after threshold consecutive failed entries and sends
// entries straight to overflow for cooldown.
func WithSinkBreaker(threshold int, cooldown time.Duration) Option {
	return func(w *Writer) {
		w.breaker = newSinkBreaker(threshold, cooldown, func() time.Time { return w.now() })
	}
}

func NewWriter(store Store, overflow Overflow, opts ...Option) *Writer {
	w := &Writer{
		store:          store,
		overflow:       overflow,
		logger:         slog.Default(),
		now:            time.Now,
		maxAttempts:    DefaultMaxAttempts,
		attemptTimeout: DefaultAttemptTimeout,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.breaker == nil {
		w.breaker = newSinkBreaker(0, 0, func() time.Time { return w.now() })
	}
	return w
}

// Prepare normalizes an entry and assigns its content ID without writing it.
func (w *Writer) Prepare(entry Entry) (Entry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	id, err := ComputeID(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("compute audit id: %w", err)
	}
	entry.ID = id
	return entry, nil
}

// Record appends entry with bounded retries. When the sink keeps failing the
// entry is diverted to the overflow queue and an alert is raised; the
// returned Receipt then has Diverted set and err is nil.
func (w *Writer) Record(ctx context.Context, entry Entry) (Receipt, error) {
	entry, err := w.Prepare(entry)
	if err != nil {
		return Receipt{}, err
	}

	start := time.Now()
	appendErr := errSinkBreakerOpen
	if w.breaker.allow() {
		appendErr = w.appendWithRetry(ctx, entry)
	}
	if appendErr == nil {
		w.breaker.recordSuccess()
		w.metrics.setBreakerOpen(false)
		w.metrics.observeAppend(start)
		w.metrics.incRecorded(entry)
		if entry.IsPrivilegedOverride() {
			w.raise(ctx, Alert{Kind: AlertPrivilegedOverride, Entry: entry, RaisedAt: w.now().UTC()})
		}
		return Receipt{ID: entry.ID}, nil
	}

	if !errors.Is(appendErr, errSinkBreakerOpen) && w.breaker.recordFailure() {
		w.metrics.setBreakerOpen(true)
		w.logger.WarnContext(ctx, "audit sink breaker opened",
			"error", appendErr,
		)
	}
	return w.divert(ctx, entry, appendErr)
}

var errSinkBreakerOpen = errors.New("audit sink breaker open")

func (w *Writer) appendWithRetry(ctx context.Context, entry Entry) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.initialBackoff
	eb.MaxInterval = w.maxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(w.maxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
		defer cancel()
		return w.store.Append(attemptCtx, entry)
	}
	notify := func(err error, wait time.Duration) {
		w.metrics.incAppendFailure()
		w.logger.WarnContext(ctx, "audit append failed, retrying",
			"audit_id", entry.ID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}
	err := backoff.RetryNotify(op, policy, notify)
	if err != nil {
		w.metrics.incAppendFailure()
	}
	return err
}

func (w *Writer) divert(ctx context.Context, entry Entry, cause error) (Receipt, error) {
	if err := w.overflow.Push(ctx, entry); err != nil {
		w.metrics.incOverflowFailure()
		w.logger.ErrorContext(ctx, "CRITICAL: audit entry lost, sink and overflow both failed",
			"audit_id", entry.ID,
			"identity_id", entry.IdentityID,
			"target_tenant_id", entry.TargetTenantID,
			"sink_error", cause,
			"error", err,
		)
		w.raise(ctx, Alert{Kind: AlertAuditWriteFailure, Entry: entry, Cause: err.Error(), RaisedAt: w.now().UTC()})
		return Receipt{ID: entry.ID}, fmt.Errorf("%w: sink: %v; overflow: %v", isolation.ErrAuditWriteFailure, cause, err)
	}

	w.metrics.incDiverted()
	w.logger.ErrorContext(ctx, "CRITICAL: audit sink unavailable, entry diverted to overflow",
		"audit_id", entry.ID,
		"identity_id", entry.IdentityID,
		"target_tenant_id", entry.TargetTenantID,
		"error", cause,
	)
	w.raise(ctx, Alert{Kind: AlertAuditWriteFailure, Entry: entry, Cause: cause.Error(), RaisedAt: w.now().UTC()})
	return Receipt{ID: entry.ID, Diverted: true}, nil
}

func (w *Writer) raise(ctx context.Context, alert Alert) {
	if w.alerter == nil {
		return
	}
	if err := w.alerter.Alert(ctx, alert); err != nil {
		w.logger.WarnContext(ctx, "audit alert delivery failed",
			"kind", alert.Kind,
			"audit_id", alert.Entry.ID,
			"error", err,
		)
	}
}

// EntityTenantContext is the entity kind recorded for rejected principals.
const EntityTenantContext = "tenant.context"

// RecordRejection audits a principal the resolver refused. The caller never
// reached the gate, so the entry is a denied read of its tenant context.
func (w *Writer) RecordRejection(ctx context.Context, rejection resolver.Rejection) error {
	_, err := w.Record(ctx, Entry{
		IdentityID:     rejection.IdentityID,
		Role:           rejection.Role,
		HomeTenantID:   rejection.TenantID,
		TargetTenantID: rejection.TenantID,
		Operation:      OperationRead,
		EntityKind:     EntityTenantContext,
		Allowed:        false,
		Reason:         rejection.Reason,
		Source:         SourceGate,
		Outcome:        OutcomeDenied,
	})
	return err
}

// Query returns entries matching filter, newest first.
func (w *Writer) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	return w.store.Query(ctx, filter.Normalize())
}

// Violations returns denials and privileged overrides matching filter.
func (w *Writer) Violations(ctx context.Context, filter Filter) ([]Entry, error) {
	filter.ViolationsOnly = true
	return w.Query(ctx, filter)
}

// Replay drains the overflow queue back into the sink. Entries keep their
// original IDs, so replaying an entry that already landed is a no-op.
func (w *Writer) Replay(ctx context.Context) (int, error) {
	n, err := w.overflow.Drain(ctx, func(ctx context.Context, entry Entry) error {
		attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
		defer cancel()
		if err := w.store.Append(attemptCtx, entry); err != nil {
			return err
		}
		w.metrics.incRecorded(entry)
		return nil
	})
	w.metrics.addReplayed(n)
	if n > 0 {
		w.breaker.recordSuccess()
		w.metrics.setBreakerOpen(false)
		w.logger.InfoContext(ctx, "replayed overflow audit entries", "count", n)
	}
	if err != nil {
		return n, fmt.Errorf("replay overflow: %w", err)
	}
	return n, nil
}
