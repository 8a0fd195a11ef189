// Package snapshot models the serializable simulation state and the
// manager that captures, persists, and validates it.
package snapshot

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/schema"
)

// AccountState captures the financial state of the simulated account.
type AccountState struct {
	Cash             decimal.Decimal `json:"cash"`
	FrozenMargin     decimal.Decimal `json:"frozen_margin"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	TotalEquity      decimal.Decimal `json:"total_equity"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
}

// Validate checks the account invariants.
func (a AccountState) Validate() error {
	if a.Cash.IsNegative() {
		return errs.New("snapshot/account", errs.CodeInvalid, errs.WithMessage("cash must be non-negative"))
	}
	if a.FrozenMargin.IsNegative() {
		return errs.New("snapshot/account", errs.CodeInvalid, errs.WithMessage("frozen margin must be non-negative"))
	}
	return nil
}

// DefaultAccount returns the account state a fresh backtest starts with.
func DefaultAccount(initialCash decimal.Decimal) AccountState {
	return AccountState{
		Cash:             initialCash,
		FrozenMargin:     decimal.Zero,
		AvailableBalance: initialCash,
		TotalEquity:      initialCash,
		UnrealizedPnl:    decimal.Zero,
	}
}

// PositionState captures one open position. A position has no identity
// beyond its (symbol, exchange, direction) triple.
type PositionState struct {
	Symbol        string           `json:"symbol"`
	Exchange      string           `json:"exchange"`
	Direction     schema.Direction `json:"direction"`
	Volume        decimal.Decimal  `json:"volume"`
	CostPrice     decimal.Decimal  `json:"cost_price"`
	UnrealizedPnl decimal.Decimal  `json:"unrealized_pnl"`
	Margin        decimal.Decimal  `json:"margin"`
	OpenTime      *time.Time       `json:"open_time,omitempty"`
}

// Validate checks the position invariants.
func (p PositionState) Validate() error {
	if p.Symbol == "" {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if p.Exchange == "" {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("exchange required"))
	}
	if err := p.Direction.Validate(); err != nil {
		return err
	}
	if p.Volume.IsNegative() {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("volume must be non-negative"))
	}
	if p.CostPrice.IsNegative() {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("cost price must be non-negative"))
	}
	if p.Margin.IsNegative() {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("margin must be non-negative"))
	}
	return nil
}

// StrategyState is a pure data carrier for a strategy instance captured
// into snapshots; the strategy runtime itself lives outside the core.
type StrategyState struct {
	StrategyID string         `json:"strategy_id"`
	ClassName  string         `json:"class_name"`
	Parameters map[string]any `json:"parameters"`
	Variables  map[string]any `json:"variables"`
	IsActive   bool           `json:"is_active"`
}

// Validate checks the strategy carrier invariants.
func (s StrategyState) Validate() error {
	if s.StrategyID == "" {
		return errs.New("snapshot/strategy", errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	if s.ClassName == "" {
		return errs.New("snapshot/strategy", errs.CodeInvalid, errs.WithMessage("class name required"))
	}
	return nil
}

// Snapshot is a point-in-time consistent cut of the simulation:
// event_sequence equals the bus counter at capture and data_index is the
// next index to read.
type Snapshot struct {
	Version       string          `json:"version"`
	SnapshotID    string          `json:"snapshot_id"`
	CreateTime    time.Time       `json:"create_time"`
	Account       AccountState    `json:"account"`
	Positions     []PositionState `json:"positions"`
	Strategies    []StrategyState `json:"strategies"`
	EventSequence uint64          `json:"event_sequence"`
	PendingEvents []any           `json:"pending_events"`
	DataTimestamp time.Time       `json:"data_timestamp"`
	DataIndex     int             `json:"data_index"`
	BacktestID    string          `json:"backtest_id,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// Validate checks the structural invariants of a snapshot document.
func (s Snapshot) Validate() error {
	if s.Version == "" {
		return errs.New("snapshot/document", errs.CodeInvalid, errs.WithMessage("version required"))
	}
	if s.SnapshotID == "" {
		return errs.New("snapshot/document", errs.CodeInvalid, errs.WithMessage("snapshot id required"))
	}
	if s.DataIndex < 0 {
		return errs.New("snapshot/document", errs.CodeInvalid, errs.WithMessage("data index must be non-negative"))
	}
	if err := s.Account.Validate(); err != nil {
		return err
	}
	for _, pos := range s.Positions {
		if err := pos.Validate(); err != nil {
			return err
		}
	}
	for _, strat := range s.Strategies {
		if err := strat.Validate(); err != nil {
			return err
		}
	}
	return nil
}
