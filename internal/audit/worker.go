package audit

import (
	"context"
	"log/slog"
	"time"
)

const DefaultReplayInterval = 30 * time.Second

// Replayer drains the overflow queue back into the sink.
type Replayer interface {
	Replay(ctx context.Context) (int, error)
}

// ReplayWorker periodically replays diverted audit entries so an outage of
// the sink never leaves entries stranded in the overflow queue.
type ReplayWorker struct {
	replayer Replayer
	interval time.Duration
	logger   *slog.Logger
}

func NewReplayWorker(replayer Replayer, interval time.Duration, logger *slog.Logger) *ReplayWorker {
	if interval <= 0 {
		interval = DefaultReplayInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayWorker{replayer: replayer, interval: interval, logger: logger}
}

// Run replays on every tick until ctx is cancelled. Replay errors are
// logged and retried on the next tick.
func (w *ReplayWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *ReplayWorker) tick(ctx context.Context) {
	n, err := w.replayer.Replay(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "overflow replay incomplete",
			"replayed", n,
			"error", err,
		)
	}
}
