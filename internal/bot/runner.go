package bot

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cale-agent/internal/domain"
)

const DefaultWorkers = 8

// Runner feeds updates to a dispatcher with bounded concurrency. Messages
// from different users proceed in parallel.
type Runner struct {
	dispatch func(ctx context.Context, in domain.Inbound)
	workers  int
	logger   *slog.Logger
}

func NewRunner(d *Dispatcher, workers int, logger *slog.Logger) (*Runner, error) {
	if d == nil {
		return nil, errors.New("bot: dispatcher must not be nil")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{dispatch: d.Dispatch, workers: workers, logger: logger}, nil
}

// Run consumes updates until the channel closes or ctx is done, then waits
// for in-flight updates.
func (r *Runner) Run(ctx context.Context, updates <-chan domain.Inbound) error {
	var g errgroup.Group
	g.SetLimit(r.workers)

	r.logger.Info("bot runner started", "workers", r.workers)
	defer r.logger.Info("bot runner stopped")
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case in, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				r.dispatch(ctx, in)
				return nil
			})
		}
	}
}
