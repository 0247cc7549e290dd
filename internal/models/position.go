package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle stage of a paper position.
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// ExitReason explains why (part of) a position was closed.
type ExitReason string

const (
	ExitReasonStopLoss       ExitReason = "STOP_LOSS"
	ExitReasonTakeProfit     ExitReason = "TAKE_PROFIT"
	ExitReasonTrailingStop   ExitReason = "TRAILING_STOP"
	ExitReasonMaxHoldingTime ExitReason = "MAX_HOLDING_TIME"
	ExitReasonMaxAdverseMove ExitReason = "MAX_ADVERSE_MOVE"
	ExitReasonManual         ExitReason = "MANUAL"
)

// Position is a simulated holding opened from an accepted signal.
type Position struct {
	ID               string            `json:"id" db:"id"`
	SignalID         string            `json:"signal_id" db:"signal_id"`
	Symbol           string            `json:"symbol" db:"symbol"`
	Direction        Direction         `json:"direction" db:"direction"`
	EntryPrice       decimal.Decimal   `json:"entry_price" db:"entry_price"`
	CurrentPrice     decimal.Decimal   `json:"current_price" db:"current_price"`
	Quantity         decimal.Decimal   `json:"quantity" db:"quantity"`
	OriginalQuantity decimal.Decimal   `json:"original_quantity" db:"original_quantity"`
	StopLoss         decimal.Decimal   `json:"stop_loss" db:"stop_loss"`
	TakeProfits      []decimal.Decimal `json:"take_profits" db:"take_profits"`
	EntryFee         decimal.Decimal   `json:"entry_fee" db:"entry_fee"`
	RealizedPnL      decimal.Decimal   `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal   `json:"unrealized_pnl" db:"unrealized_pnl"`
	Status           PositionStatus    `json:"status" db:"status"`
	ExitReason       ExitReason        `json:"exit_reason,omitempty" db:"exit_reason"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty" db:"closed_at"`
}

// IsOpen reports whether the position still holds quantity.
func (p *Position) IsOpen() bool {
	return p.Status != PositionStatusClosed && p.Quantity.IsPositive()
}

// PnLAt returns the unrealized profit of the remaining quantity at price.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	return p.Direction.Sign().Mul(price.Sub(p.EntryPrice)).Mul(p.Quantity)
}

// CostBasis is the entry notional of the remaining quantity.
func (p *Position) CostBasis() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}

// MarketValue is the cost basis plus unrealized profit at price; this is
// what the ledger would credit (before fees) for closing at price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.CostBasis().Add(p.PnLAt(price))
}

// Clone returns a deep copy safe to hand outside the ledger lock.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := *p
	out.TakeProfits = append([]decimal.Decimal(nil), p.TakeProfits...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// Trade is an immutable record of one completed fill or close.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Direction   Direction       `json:"direction" db:"direction"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	Fees        decimal.Decimal `json:"fees" db:"fees"`
	ExitReason  ExitReason      `json:"exit_reason" db:"exit_reason"`
	Partial     bool            `json:"partial" db:"partial"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at" db:"closed_at"`
}

// PortfolioSummary is the read model returned by the execution engine.
type PortfolioSummary struct {
	TotalValue       decimal.Decimal `json:"total_value"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	OpenPositions    []Position      `json:"open_positions"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	TotalFees        decimal.Decimal `json:"total_fees"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	TradeCount       int             `json:"trade_count"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LedgerSnapshot is the persisted scalar state of the portfolio ledger.
type LedgerSnapshot struct {
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	DailyPnL       decimal.Decimal `json:"daily_pnl"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	TradeCount     int             `json:"trade_count"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
