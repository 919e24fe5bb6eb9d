package usecase

import (
	"context"
	"errors"
	"log/slog"
)

// UserLister enumerates users with stored history.
type UserLister interface {
	Users(ctx context.Context) ([]int64, error)
}

type HistoryService struct {
	store    HistoryStore
	keepLast int
	logger   *slog.Logger
}

func NewHistoryService(store HistoryStore, keepLast int, logger *slog.Logger) (*HistoryService, error) {
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	if keepLast <= 0 {
		keepLast = DefaultKeepLast
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryService{store: store, keepLast: keepLast, logger: logger}, nil
}

// Forget wipes every message for userID and returns how many were removed.
func (s *HistoryService) Forget(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.Wipe(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("history wiped", "user_id", userID, "removed", n)
	return n, nil
}

// RetentionSweep prunes every known user to the retention ceiling. Stores
// that cannot list users (TTL-expired backends) are skipped. A failure for one
// user does not stop the sweep; all failures are joined.
func (s *HistoryService) RetentionSweep(ctx context.Context) (int, error) {
	lister, ok := s.store.(UserLister)
	if !ok {
		s.logger.Debug("retention sweep skipped, store cannot list users")
		return 0, nil
	}
	users, err := lister.Users(ctx)
	if err != nil {
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, id := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := s.store.Prune(ctx, id, s.keepLast)
		if err != nil {
			s.logger.Error("retention prune failed", "user_id", id, "err", err)
			errs = append(errs, err)
			continue
		}
		removed += n
	}
	s.logger.Info("retention sweep finished", "users", len(users), "removed", removed)
	return removed, errors.Join(errs...)
}
