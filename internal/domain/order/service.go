package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-engine/internal/domain/charge"
)

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	PartnerID string
	Items     []LineItem
	GroupID   string
	TaxRate   decimal.Decimal
	Note      string
	PlacedBy  string
}

// Creator stores a newly placed order.
type Creator interface {
	Create(ctx context.Context, o Order) (Order, error)
}

// Service encapsulates order placement: validation, group charge
// materialization and hand-off to the creator.
type Service struct {
	groups  charge.GroupSource
	creator Creator
	now     func() time.Time
}

// NewService creates an order Service. groups may be nil when no table/QR
// groups are configured.
func NewService(groups charge.GroupSource, creator Creator) *Service {
	return &Service{
		groups:  groups,
		creator: creator,
		now:     time.Now,
	}
}

// PlaceOrder validates the request, attaches the derived charge of the
// order's group and creates the order in pending status with an empty
// history.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error) {
	if len(req.Items) == 0 {
		return Order{}, ErrEmptyOrder
	}
	if err := validateItems(req.Items); err != nil {
		return Order{}, err
	}
	if req.TaxRate.IsNegative() {
		return Order{}, &charge.ValidationError{Field: "tax_rate", Err: charge.ErrNegativeTaxRate}
	}

	now := s.now()
	o := Order{
		ID:        uuid.New().String(),
		PartnerID: req.PartnerID,
		Items:     make([]LineItem, len(req.Items)),
		Status:    StatusPending,
		TaxRate:   req.TaxRate,
		Note:      req.Note,
		PlacedBy:  req.PlacedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	copy(o.Items, req.Items)

	if req.GroupID != "" {
		group, err := s.group(ctx, req.GroupID)
		if err != nil {
			return Order{}, err
		}
		if o, err = o.SetGroup(group, now); err != nil {
			return Order{}, err
		}
	}

	if err := o.Validate(); err != nil {
		return Order{}, err
	}

	created, err := s.creator.Create(ctx, o)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return created, nil
}

func (s *Service) group(ctx context.Context, id string) (*charge.Group, error) {
	if s.groups == nil {
		return nil, fmt.Errorf("group %s: %w", id, charge.ErrGroupNotFound)
	}
	g, err := s.groups.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	return g, nil
}
