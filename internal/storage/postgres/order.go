package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/order"
	"github.com/xenking/order-engine/internal/wire"
)

const orderColumns = `id, partner_id, items, status, history, extra_charges, group_id,
	tax_rate, note, placed_by, assigned_to, created_at, updated_at, version`

const createOrderSQL = `INSERT INTO orders (id, partner_id, items, status, history, extra_charges,
	group_id, tax_rate, note, placed_by, assigned_to, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	RETURNING ` + orderColumns

// Nil parameters keep the stored value.
const updateOrderSQL = `UPDATE orders SET
	items = COALESCE($2::jsonb, items),
	extra_charges = COALESCE($3::jsonb, extra_charges),
	group_id = COALESCE($4::text, group_id),
	tax_rate = COALESCE($5::numeric, tax_rate),
	note = COALESCE($6::text, note),
	assigned_to = COALESCE($7::text, assigned_to),
	updated_at = now(),
	version = nextval('order_version_seq')
	WHERE id = $1
	RETURNING ` + orderColumns

const updateOrderItemsSQL = `UPDATE orders SET
	items = $2, updated_at = now(), version = nextval('order_version_seq')
	WHERE id = $1
	RETURNING ` + orderColumns

const updateOrderStatusSQL = `UPDATE orders SET
	status = $2, history = $3, updated_at = now(), version = nextval('order_version_seq')
	WHERE id = $1
	RETURNING ` + orderColumns

const getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

const listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE ($1 = '' OR partner_id = $1) AND ($2 = '' OR placed_by = $2)
	ORDER BY created_at, id`

// uniqueViolation is the SQLSTATE of a duplicate primary key.
const uniqueViolation = "23505"

// ErrDuplicate is returned when creating an order whose ID is taken.
var ErrDuplicate = errors.New("order already exists")

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Items,
// extra charges and the status history are stored as JSONB.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o                      order.Order
		status                 string
		items, history, extras []byte
		createdAt, updatedAt   time.Time
	)
	err := row.Scan(
		&o.ID, &o.PartnerID, &items, &status, &history, &extras, &o.GroupID,
		&o.TaxRate, &o.Note, &o.PlacedBy, &o.AssignedTo, &createdAt, &updatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.CreatedAt = createdAt.UTC()
	o.UpdatedAt = updatedAt.UTC()

	if o.Items, err = wire.UnmarshalItems(items); err != nil {
		return nil, fmt.Errorf("order %q: %w", o.ID, err)
	}
	if o.ExtraCharges, err = wire.UnmarshalCharges(extras); err != nil {
		return nil, fmt.Errorf("order %q: %w", o.ID, err)
	}
	if o.History, err = wire.UnmarshalHistory(history); err != nil {
		return nil, fmt.Errorf("order %q: %w", o.ID, err)
	}
	return &o, nil
}

func notFound(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", op, id, order.ErrNotFound)
	}
	return fmt.Errorf("%s %q: %w", op, id, err)
}

// CreateOrder persists a new order. The stored version comes from the
// order_version_seq sequence.
func (r *OrderRepository) CreateOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	row := r.pool.QueryRow(ctx, createOrderSQL,
		o.ID, o.PartnerID, wire.MarshalItems(o.Items), string(o.Status),
		wire.MarshalHistory(o.History), wire.MarshalCharges(o.ExtraCharges),
		o.GroupID, o.TaxRate, o.Note, o.PlacedBy, o.AssignedTo, createdAt,
	)
	stored, err := scanOrder(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, fmt.Errorf("creating order %q: %w", o.ID, ErrDuplicate)
		}
		return nil, fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return stored, nil
}

func (r *OrderRepository) UpdateOrder(ctx context.Context, id string, patch order.Patch) (*order.Order, error) {
	var (
		items, charges []byte
		taxRate        *decimal.Decimal
	)
	if patch.Items != nil {
		items = wire.MarshalItems(*patch.Items)
	}
	if patch.ExtraCharges != nil {
		charges = wire.MarshalCharges(*patch.ExtraCharges)
	}
	if patch.TaxRate != nil {
		rate := *patch.TaxRate
		taxRate = &rate
	}
	row := r.pool.QueryRow(ctx, updateOrderSQL,
		id, items, charges, patch.GroupID, taxRate, patch.Note, patch.AssignedTo,
	)
	stored, err := scanOrder(row)
	if err != nil {
		return nil, notFound("updating order", id, err)
	}
	return stored, nil
}

func (r *OrderRepository) UpdateOrderItems(ctx context.Context, id string, items []order.LineItem) (*order.Order, error) {
	stored, err := scanOrder(r.pool.QueryRow(ctx, updateOrderItemsSQL, id, wire.MarshalItems(items)))
	if err != nil {
		return nil, notFound("updating order items", id, err)
	}
	return stored, nil
}

func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, id string, upd order.StatusUpdate) (*order.Order, error) {
	row := r.pool.QueryRow(ctx, updateOrderStatusSQL, id, string(upd.Status), wire.MarshalHistory(upd.History))
	stored, err := scanOrder(row)
	if err != nil {
		return nil, notFound("updating order status", id, err)
	}
	return stored, nil
}

func (r *OrderRepository) GetOrderByID(ctx context.Context, id string) (*order.Order, error) {
	stored, err := scanOrder(r.pool.QueryRow(ctx, getOrderSQL, id))
	if err != nil {
		return nil, notFound("getting order", id, err)
	}
	return stored, nil
}

func (r *OrderRepository) ListOrdersByPartner(ctx context.Context, partnerID string) ([]order.Order, error) {
	orders, err := r.list(ctx, order.Filter{PartnerID: partnerID})
	if err != nil {
		return nil, fmt.Errorf("listing orders of partner %q: %w", partnerID, err)
	}
	return orders, nil
}

// list returns every order matching f in creation order.
func (r *OrderRepository) list(ctx context.Context, f order.Filter) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, f.PartnerID, f.PlacedBy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []order.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
