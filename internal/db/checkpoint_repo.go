package db

import (
	"context"
	"time"

	"skyhook/internal/types"
)

// CheckpointRepository stores the author-feed poller's per-account
// high-water mark.
type CheckpointRepository struct {
	db DBTX
}

// NewCheckpointRepository creates a CheckpointRepository.
func NewCheckpointRepository(db DBTX) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the creation time of the newest post already forwarded for
// did. ok is false when the account has never been polled.
func (r *CheckpointRepository) Get(ctx context.Context, did string) (t time.Time, ok bool, err error) {
	err = r.db.QueryRow(ctx,
		`SELECT last_created_at FROM feed_checkpoints WHERE did = $1`,
		did,
	).Scan(&t)
	if err != nil {
		if errNoRows(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to read feed checkpoint", err)
	}
	return t.UTC(), true, nil
}

// Advance moves the checkpoint forward. It never moves backwards, so
// overlapping polls cannot rewind it.
func (r *CheckpointRepository) Advance(ctx context.Context, did string, t time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO feed_checkpoints (did, last_created_at, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (did) DO UPDATE
		 SET last_created_at = GREATEST(feed_checkpoints.last_created_at, EXCLUDED.last_created_at),
		     updated_at = NOW()`,
		did, t.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance feed checkpoint", err)
	}
	return nil
}

// PruneExcept deletes checkpoints for accounts no longer watched.
func (r *CheckpointRepository) PruneExcept(ctx context.Context, dids []string) (int64, error) {
	if dids == nil {
		dids = []string{}
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM feed_checkpoints WHERE NOT (did = ANY($1))`,
		dids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune feed checkpoints", err)
	}
	return tag.RowsAffected(), nil
}
