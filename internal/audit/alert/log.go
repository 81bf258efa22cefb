package alert

import (
	"context"
	"log/slog"

	"tenantguard/internal/audit"
)

// Log writes alerts to the structured log. Used when no broker is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Alert(ctx context.Context, a audit.Alert) error {
	level := slog.LevelWarn
	if a.Kind == audit.AlertAuditWriteFailure {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "audit alert",
		"kind", a.Kind,
		"audit_id", a.Entry.ID,
		"identity_id", a.Entry.IdentityID,
		"role", a.Entry.Role,
		"home_tenant_id", a.Entry.HomeTenantID,
		"target_tenant_id", a.Entry.TargetTenantID,
		"reason", a.Entry.Reason,
		"cause", a.Cause,
	)
	return nil
}

// Fanout delivers an alert to every alerter and returns the first error.
type Fanout []audit.Alerter

func (f Fanout) Alert(ctx context.Context, a audit.Alert) error {
	var first error
	for _, al := range f {
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
