package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-engine/internal/domain/charge"
	"github.com/xenking/order-engine/internal/wire"
)

const getGroupSQL = `SELECT id, name, charge_name, rule FROM order_groups WHERE id = $1`

const upsertGroupSQL = `INSERT INTO order_groups (id, name, charge_name, rule)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET name = $2, charge_name = $3, rule = $4`

var _ charge.GroupSource = (*GroupRepository)(nil)

// GroupRepository stores table/QR groups and their charge rules.
type GroupRepository struct {
	pool *pgxpool.Pool
}

// NewGroupRepository returns a GroupRepository that uses the given pool.
func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

// GetGroup implements charge.GroupSource.
func (r *GroupRepository) GetGroup(ctx context.Context, id string) (*charge.Group, error) {
	var (
		g    charge.Group
		rule []byte
	)
	err := r.pool.QueryRow(ctx, getGroupSQL, id).Scan(&g.ID, &g.Name, &g.ChargeName, &rule)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("getting group %q: %w", id, charge.ErrGroupNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting group %q: %w", id, err)
	}
	if rule != nil {
		parsed, err := wire.UnmarshalRule(rule)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", id, err)
		}
		g.Rule = &parsed
	}
	return &g, nil
}

// PutGroup creates or replaces a group.
func (r *GroupRepository) PutGroup(ctx context.Context, g charge.Group) error {
	var rule []byte
	if g.Rule != nil {
		if err := charge.ValidateRule(*g.Rule); err != nil {
			return err
		}
		rule = wire.MarshalRule(*g.Rule)
	}
	if _, err := r.pool.Exec(ctx, upsertGroupSQL, g.ID, g.Name, g.ChargeName, rule); err != nil {
		return fmt.Errorf("storing group %q: %w", g.ID, err)
	}
	return nil
}
