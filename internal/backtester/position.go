package backtester

import (
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Position tracks the signed holding of one symbol. Quantity is positive for long,
// negative for short and zero for flat; AvgPrice is only meaningful while not flat.
type Position struct {
	Symbol          string
	Quantity        int64
	AvgPrice        decimal.Decimal
	LastMarketValue decimal.Decimal
	RealizedPnL     decimal.Decimal
	OpenedAt        time.Time
	Trades          int

	// AvgPrice is basis/basisQty. Reductions leave both untouched and growth
	// combines them with exact multiplications, so the average is divided once
	// per read instead of being re-rounded on every fill.
	basis    decimal.Decimal
	basisQty decimal.Decimal
}

// NewPosition creates a flat position for symbol.
func NewPosition(symbol string) *Position {
	return &Position{Symbol: symbol}
}

// MarketValue returns quantity * price.
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnL returns the open profit against AvgPrice at price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	if p.Quantity == 0 {
		return decimal.Zero
	}
	return p.MarketValue(price).Sub(p.costOf(p.Quantity))
}

// costOf returns the signed entry cost of qty shares.
func (p *Position) costOf(qty int64) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	if p.basisQty.IsZero() {
		return p.AvgPrice.Mul(q)
	}
	return p.basis.Mul(q).Div(p.basisQty)
}

// Side returns long, short or flat.
func (p *Position) Side() types.PositionSide {
	switch {
	case p.Quantity > 0:
		return types.PositionSideLong
	case p.Quantity < 0:
		return types.PositionSideShort
	default:
		return types.PositionSideFlat
	}
}

// IsFlat reports whether the position holds no shares.
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// update applies a signed fill quantity at price and returns the P&L realized by the
// part of the fill that reduced existing exposure.
//
//	same direction (or from flat): weighted average of old and new cost
//	partial reduce:                average unchanged
//	reversal:                      average resets to the fill price
//	flattened:                     average cleared
func (p *Position) update(signedQty int64, price decimal.Decimal, timestamp time.Time) decimal.Decimal {
	if signedQty == 0 {
		return decimal.Zero
	}
	p.Trades++

	old := p.Quantity
	next := old + signedQty
	realized := decimal.Zero

	switch {
	case old == 0 || sameSign(old, signedQty):
		held := decimal.NewFromInt(abs64(old))
		added := decimal.NewFromInt(abs64(signedQty))
		switch {
		case old == 0 || p.basisQty.IsZero():
			p.basis = price.Mul(added).Add(p.AvgPrice.Mul(held))
			p.basisQty = held.Add(added)
		case p.basisQty.Equal(held):
			p.basis = p.basis.Add(price.Mul(added))
			p.basisQty = held.Add(added)
		default:
			// Shares were closed since the basis was set: bring both terms over
			// the common denominator basisQty * next.
			p.basis = p.basis.Mul(held).Add(price.Mul(added).Mul(p.basisQty))
			p.basisQty = p.basisQty.Mul(decimal.NewFromInt(abs64(next)))
		}
		p.AvgPrice = p.basis.Div(p.basisQty)
		if n := decimal.NewFromInt(abs64(next)); !p.basisQty.Equal(n) && p.AvgPrice.Mul(p.basisQty).Equal(p.basis) {
			// Exact average: shrink the fraction back to the held quantity.
			p.basis, p.basisQty = p.AvgPrice.Mul(n), n
		}
		if old == 0 {
			p.OpenedAt = timestamp
		}

	default:
		closed := minAbs(old, signedQty)
		// Long closes profit when price > avg, short closes profit when price < avg.
		realized = price.Mul(decimal.NewFromInt(closed)).Sub(p.costOf(closed))
		if old < 0 {
			realized = realized.Neg()
		}

		switch {
		case next == 0:
			p.AvgPrice = decimal.Zero
			p.basis, p.basisQty = decimal.Zero, decimal.Zero
		case !sameSign(old, next):
			p.AvgPrice = price
			p.basisQty = decimal.NewFromInt(abs64(next))
			p.basis = price.Mul(p.basisQty)
			p.OpenedAt = timestamp
		}
	}

	p.Quantity = next
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return realized
}

// mark records the market value of the position at price.
func (p *Position) mark(price decimal.Decimal) {
	p.LastMarketValue = p.MarketValue(price)
}

func (p *Position) snapshot(price decimal.Decimal, hasPrice bool) types.PositionSnapshot {
	if !hasPrice {
		price = p.AvgPrice
	}
	return types.PositionSnapshot{
		Symbol:          p.Symbol,
		Side:            p.Side(),
		Quantity:        p.Quantity,
		AvgPrice:        p.AvgPrice,
		CurrentPrice:    price,
		LastMarketValue: p.LastMarketValue,
		UnrealizedPnL:   p.UnrealizedPnL(price),
		RealizedPnL:     p.RealizedPnL,
		OpenedAt:        p.OpenedAt,
	}
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func minAbs(a, b int64) int64 {
	a, b = abs64(a), abs64(b)
	if a < b {
		return a
	}
	return b
}
