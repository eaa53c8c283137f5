package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"skyhook/internal/types"
)

// WebhookRepository provides data access for the webhooks table. One row
// links a Discord webhook (id, token) to one watched account DID.
type WebhookRepository struct {
	db DBTX
}

// NewWebhookRepository creates a WebhookRepository backed by the given
// connection (pool or transaction).
func NewWebhookRepository(db DBTX) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Insert registers a webhook for an account. A row that already exists is
// reported as ErrCodeConflictWebhookExists.
func (r *WebhookRepository) Insert(ctx context.Context, w *types.Webhook) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO webhooks (id, token, did)
		 VALUES ($1, $2, $3)
		 RETURNING created_at`,
		w.ID, w.Token.Unmask(), w.DID,
	)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictWebhookExists, "webhook is already registered for this account", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert webhook", err)
	}
	w.CreatedAt = createdAt
	return nil
}

// Exists reports whether the exact (id, token, did) row is present.
func (r *WebhookRepository) Exists(ctx context.Context, id, token, did string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhooks WHERE id = $1 AND token = $2 AND did = $3)`,
		id, token, did,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook", err)
	}
	return exists, nil
}

// ListByDID returns the distinct destinations watching an account.
func (r *WebhookRepository) ListByDID(ctx context.Context, did string) ([]types.Destination, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT id, token FROM webhooks WHERE did = $1 ORDER BY id, token`,
		did,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list webhooks for account", err)
	}
	return scanDestinations(rows)
}

// ListDestinations returns every distinct registered destination.
func (r *WebhookRepository) ListDestinations(ctx context.Context) ([]types.Destination, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT id, token FROM webhooks`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list destinations", err)
	}
	return scanDestinations(rows)
}

// DistinctDIDs returns every account with at least one registered webhook.
func (r *WebhookRepository) DistinctDIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT did FROM webhooks ORDER BY did`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list watched accounts", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account row", err)
		}
		dids = append(dids, did)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating account rows", err)
	}
	return dids, nil
}

// DeleteDestination removes every row for the destination across all
// accounts and returns the number removed. Removing an absent destination
// is not an error.
func (r *WebhookRepository) DeleteDestination(ctx context.Context, dest types.Destination) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhooks WHERE id = $1 AND token = $2`,
		dest.ID, dest.Token.Unmask(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete destination", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteSubscription removes a single (id, token, did) row.
func (r *WebhookRepository) DeleteSubscription(ctx context.Context, dest types.Destination, did string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhooks WHERE id = $1 AND token = $2 AND did = $3`,
		dest.ID, dest.Token.Unmask(), did,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete subscription", err)
	}
	return tag.RowsAffected(), nil
}

func scanDestinations(rows pgx.Rows) ([]types.Destination, error) {
	defer rows.Close()

	var dests []types.Destination
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan destination row", err)
		}
		dests = append(dests, types.Destination{ID: id, Token: types.SecretString(token)})
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating destination rows", err)
	}
	return dests, nil
}
