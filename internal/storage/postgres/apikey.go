package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-engine/internal/domain/auth"
)

const findStaffKeySQL = `SELECT id, key_hash, staff_id, partner_id, scopes
	FROM staff_keys WHERE key_hash = $1 AND revoked_at IS NULL`

const upsertStaffKeySQL = `INSERT INTO staff_keys (id, key_hash, staff_id, partner_id, scopes)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET key_hash = $2, staff_id = $3, partner_id = $4, scopes = $5, revoked_at = NULL`

var _ auth.Repository = (*StaffKeyRepository)(nil)

// StaffKeyRepository provides staff API key lookups backed by PostgreSQL.
type StaffKeyRepository struct {
	pool *pgxpool.Pool
}

// NewStaffKeyRepository returns a StaffKeyRepository that uses the given pool.
func NewStaffKeyRepository(pool *pgxpool.Pool) *StaffKeyRepository {
	return &StaffKeyRepository{pool: pool}
}

// FindByHash looks up an active key by its HMAC-SHA256 hash.
func (r *StaffKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.StaffKey, error) {
	var k auth.StaffKey
	err := r.pool.QueryRow(ctx, findStaffKeySQL, hash).Scan(&k.ID, &k.KeyHash, &k.StaffID, &k.PartnerID, &k.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("staff key not found: %w", err)
		}
		return nil, fmt.Errorf("finding staff key by hash: %w", err)
	}
	return &k, nil
}

// PutStaffKey creates or replaces a key.
func (r *StaffKeyRepository) PutStaffKey(ctx context.Context, k auth.StaffKey) error {
	if _, err := r.pool.Exec(ctx, upsertStaffKeySQL, k.ID, k.KeyHash, k.StaffID, k.PartnerID, k.Scopes); err != nil {
		return fmt.Errorf("storing staff key %q: %w", k.ID, err)
	}
	return nil
}
