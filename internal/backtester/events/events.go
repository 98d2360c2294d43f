// Package events provides the immutable event values that flow through the backtester:
// market ticks, strategy signals, orders and fills.
//
// Every variant is a value type with unexported fields. Constructors validate their
// input and return ErrInvalidEvent on bad data, so any event that exists is well formed.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrInvalidEvent is returned when an event is constructed from invalid data.
var ErrInvalidEvent = errors.New("invalid event")

// EventType represents the type of event
type EventType string

const (
	EventTypeMarket EventType = "MARKET"
	EventTypeSignal EventType = "SIGNAL"
	EventTypeOrder  EventType = "ORDER"
	EventTypeFill   EventType = "FILL"
)

// Event is the interface shared by all event variants
type Event interface {
	GetType() EventType
	GetSymbol() string
	GetTimestamp() time.Time
	String() string
}

// DefaultSignalStrength is the strength used when a strategy has no conviction measure.
var DefaultSignalStrength = decimal.NewFromInt(1)

// Market represents a single observed price for a symbol
type Market struct {
	symbol    string
	price     decimal.Decimal
	timestamp time.Time
	volume    int64
}

// NewMarket creates a market event. Price must be positive and volume non-negative.
func NewMarket(symbol string, price decimal.Decimal, timestamp time.Time, volume int64) (Market, error) {
	if symbol == "" {
		return Market{}, fmt.Errorf("%w: market symbol is empty", ErrInvalidEvent)
	}
	if !price.IsPositive() {
		return Market{}, fmt.Errorf("%w: market price must be positive, got %s", ErrInvalidEvent, price)
	}
	if volume < 0 {
		return Market{}, fmt.Errorf("%w: market volume must be non-negative, got %d", ErrInvalidEvent, volume)
	}
	return Market{symbol: symbol, price: price, timestamp: timestamp, volume: volume}, nil
}

func (m Market) GetType() EventType      { return EventTypeMarket }
func (m Market) GetSymbol() string       { return m.symbol }
func (m Market) GetTimestamp() time.Time { return m.timestamp }
func (m Market) Price() decimal.Decimal  { return m.price }
func (m Market) Volume() int64           { return m.volume }

func (m Market) String() string {
	return fmt.Sprintf("MARKET %s price=%s volume=%d ts=%s",
		m.symbol, m.price, m.volume, m.timestamp.UTC().Format(time.RFC3339))
}

// Signal represents a strategy's directional intent for a symbol
type Signal struct {
	symbol     string
	direction  types.Direction
	strength   decimal.Decimal
	strategyID string
	timestamp  time.Time
}

// NewSignal creates a signal event. Strength must be within [0, 1].
func NewSignal(symbol string, direction types.Direction, strength decimal.Decimal, strategyID string, timestamp time.Time) (Signal, error) {
	if symbol == "" {
		return Signal{}, fmt.Errorf("%w: signal symbol is empty", ErrInvalidEvent)
	}
	if !direction.Valid() {
		return Signal{}, fmt.Errorf("%w: unknown signal direction %q", ErrInvalidEvent, direction)
	}
	if strength.IsNegative() || strength.GreaterThan(DefaultSignalStrength) {
		return Signal{}, fmt.Errorf("%w: signal strength must be within [0, 1], got %s", ErrInvalidEvent, strength)
	}
	return Signal{
		symbol:     symbol,
		direction:  direction,
		strength:   strength,
		strategyID: strategyID,
		timestamp:  timestamp,
	}, nil
}

func (s Signal) GetType() EventType         { return EventTypeSignal }
func (s Signal) GetSymbol() string          { return s.symbol }
func (s Signal) GetTimestamp() time.Time    { return s.timestamp }
func (s Signal) Direction() types.Direction { return s.direction }
func (s Signal) Strength() decimal.Decimal  { return s.strength }
func (s Signal) StrategyID() string         { return s.strategyID }

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL %s %s strength=%s strategy=%s", s.symbol, s.direction, s.strength, s.strategyID)
}

// OrderSpec carries the fields used to build an Order
type OrderSpec struct {
	ID         uint64
	Symbol     string
	Kind       types.OrderKind
	Quantity   int64
	Direction  types.Direction
	Price      decimal.Decimal // limit or stop price, zero for MARKET
	StrategyID string
	Timestamp  time.Time
}

// Order represents an instruction to trade a whole number of shares
type Order struct {
	spec OrderSpec
}

// NewOrder creates an order event.
func NewOrder(spec OrderSpec) (Order, error) {
	if spec.Symbol == "" {
		return Order{}, fmt.Errorf("%w: order symbol is empty", ErrInvalidEvent)
	}
	if !spec.Kind.Valid() {
		return Order{}, fmt.Errorf("%w: unknown order kind %q", ErrInvalidEvent, spec.Kind)
	}
	if !spec.Direction.Valid() {
		return Order{}, fmt.Errorf("%w: unknown order direction %q", ErrInvalidEvent, spec.Direction)
	}
	if spec.Quantity <= 0 {
		return Order{}, fmt.Errorf("%w: order quantity must be positive, got %d", ErrInvalidEvent, spec.Quantity)
	}
	if spec.Price.IsNegative() {
		return Order{}, fmt.Errorf("%w: order price must be non-negative, got %s", ErrInvalidEvent, spec.Price)
	}
	if spec.Kind != types.OrderKindMarket && !spec.Price.IsPositive() {
		return Order{}, fmt.Errorf("%w: %s order requires a positive price", ErrInvalidEvent, spec.Kind)
	}
	return Order{spec: spec}, nil
}

func (o Order) GetType() EventType         { return EventTypeOrder }
func (o Order) GetSymbol() string          { return o.spec.Symbol }
func (o Order) GetTimestamp() time.Time    { return o.spec.Timestamp }
func (o Order) ID() uint64                 { return o.spec.ID }
func (o Order) Kind() types.OrderKind      { return o.spec.Kind }
func (o Order) Quantity() int64            { return o.spec.Quantity }
func (o Order) Direction() types.Direction { return o.spec.Direction }
func (o Order) Price() decimal.Decimal     { return o.spec.Price }
func (o Order) StrategyID() string         { return o.spec.StrategyID }

// SignedQuantity returns the quantity, negated for SELL orders.
func (o Order) SignedQuantity() int64 {
	return o.spec.Direction.Sign() * o.spec.Quantity
}

func (o Order) String() string {
	if o.spec.Kind == types.OrderKindMarket {
		return fmt.Sprintf("ORDER #%d %s %s %s qty=%d strategy=%s",
			o.spec.ID, o.spec.Symbol, o.spec.Kind, o.spec.Direction, o.spec.Quantity, o.spec.StrategyID)
	}
	return fmt.Sprintf("ORDER #%d %s %s %s qty=%d price=%s strategy=%s",
		o.spec.ID, o.spec.Symbol, o.spec.Kind, o.spec.Direction, o.spec.Quantity, o.spec.Price, o.spec.StrategyID)
}

// FillSpec carries the fields used to build a Fill
type FillSpec struct {
	OrderID    uint64
	Symbol     string
	Quantity   int64
	Direction  types.Direction
	Price      decimal.Decimal
	Commission decimal.Decimal
	Slippage   decimal.Decimal // rate applied to the reference price
	StrategyID string
	Timestamp  time.Time
}

// Fill represents a completed execution of an order
type Fill struct {
	spec FillSpec
}

// NewFill creates a fill event.
func NewFill(spec FillSpec) (Fill, error) {
	if spec.Symbol == "" {
		return Fill{}, fmt.Errorf("%w: fill symbol is empty", ErrInvalidEvent)
	}
	if !spec.Direction.Valid() {
		return Fill{}, fmt.Errorf("%w: unknown fill direction %q", ErrInvalidEvent, spec.Direction)
	}
	if spec.Quantity <= 0 {
		return Fill{}, fmt.Errorf("%w: fill quantity must be positive, got %d", ErrInvalidEvent, spec.Quantity)
	}
	if !spec.Price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: fill price must be positive, got %s", ErrInvalidEvent, spec.Price)
	}
	if spec.Commission.IsNegative() {
		return Fill{}, fmt.Errorf("%w: fill commission must be non-negative, got %s", ErrInvalidEvent, spec.Commission)
	}
	return Fill{spec: spec}, nil
}

func (f Fill) GetType() EventType          { return EventTypeFill }
func (f Fill) GetSymbol() string           { return f.spec.Symbol }
func (f Fill) GetTimestamp() time.Time     { return f.spec.Timestamp }
func (f Fill) OrderID() uint64             { return f.spec.OrderID }
func (f Fill) Quantity() int64             { return f.spec.Quantity }
func (f Fill) Direction() types.Direction  { return f.spec.Direction }
func (f Fill) Price() decimal.Decimal      { return f.spec.Price }
func (f Fill) Commission() decimal.Decimal { return f.spec.Commission }
func (f Fill) Slippage() decimal.Decimal   { return f.spec.Slippage }
func (f Fill) StrategyID() string          { return f.spec.StrategyID }

// SignedQuantity returns the quantity, negated for SELL fills.
func (f Fill) SignedQuantity() int64 {
	return f.spec.Direction.Sign() * f.spec.Quantity
}

// CashDelta is the change in cash this fill causes: -(signed qty * price) - commission.
func (f Fill) CashDelta() decimal.Decimal {
	notional := f.spec.Price.Mul(decimal.NewFromInt(f.SignedQuantity()))
	return notional.Add(f.spec.Commission).Neg()
}

func (f Fill) String() string {
	return fmt.Sprintf("FILL #%d %s %s qty=%d price=%s commission=%s",
		f.spec.OrderID, f.spec.Symbol, f.spec.Direction, f.spec.Quantity, f.spec.Price, f.spec.Commission)
}
