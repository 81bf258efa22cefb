package backstop

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DenialTracer audits ownership-trigger rejections on every connection of
// the pool it is installed on, including statements issued on the raw pool
// or a bare transaction that never pass through a Session. Install it with
// pgxpool.Config.ConnConfig.Tracer and attach it with WithDenialTracer.
type DenialTracer struct {
	backstop atomic.Pointer[Backstop]
}

var _ pgx.QueryTracer = (*DenialTracer)(nil)

func NewDenialTracer() *DenialTracer {
	return &DenialTracer{}
}

func (t *DenialTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	return ctx
}

// TraceQueryEnd sees the statement error after the server has aborted the
// transaction, so the denial is recorded through the audit writer's own
// connection.
func (t *DenialTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	b := t.backstop.Load()
	if b == nil || data.Err == nil {
		return
	}
	var pgErr *pgconn.PgError
	if !errors.As(data.Err, &pgErr) || pgErr.Code != CodeCrossTenantWrite {
		return
	}
	b.recordDenied(ctx, decodeOutcome(pgErr.Detail, SessionState{}))
}

func (t *DenialTracer) attach(b *Backstop) {
	t.backstop.Store(b)
}
