package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backcast/errs"
)

// Direction identifies the side of a position or order.
type Direction string

const (
	// DirectionLong marks a long position or buy-side order.
	DirectionLong Direction = "long"
	// DirectionShort marks a short position or sell-side order.
	DirectionShort Direction = "short"
)

// Opposite returns the closing direction for a position held this way.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Validate ensures the direction is a member of the closed enum.
func (d Direction) Validate() error {
	switch d {
	case DirectionLong, DirectionShort:
		return nil
	}
	return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("direction must be long or short"), errs.WithDetail("direction", string(d)))
}

// Offset identifies whether an order opens or closes exposure.
type Offset string

const (
	// OffsetOpen opens new exposure.
	OffsetOpen Offset = "open"
	// OffsetClose reduces existing exposure.
	OffsetClose Offset = "close"
)

// Validate ensures the offset is a member of the closed enum.
func (o Offset) Validate() error {
	switch o {
	case OffsetOpen, OffsetClose:
		return nil
	}
	return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("offset must be open or close"), errs.WithDetail("offset", string(o)))
}

// DefaultExchange marks orders routed to the simulated venue.
const DefaultExchange = "backtest"

// OrderRequest represents an order handed to the matching engine. A price
// of zero denotes a market order.
type OrderRequest struct {
	OrderID    string          `json:"order_id"`
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Direction  Direction       `json:"direction"`
	Offset     Offset          `json:"offset"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	IsManual   bool            `json:"is_manual"`
	CreateTime time.Time       `json:"create_time"`
}

// Validate checks the structural invariants of an order request.
func (o OrderRequest) Validate() error {
	if o.OrderID == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if o.Symbol == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if err := o.Direction.Validate(); err != nil {
		return err
	}
	if err := o.Offset.Validate(); err != nil {
		return err
	}
	if o.Price.IsNegative() {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("price must be non-negative"))
	}
	if !o.Volume.IsPositive() {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("volume must be positive"))
	}
	return nil
}
