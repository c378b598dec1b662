package domain

import (
	"context"
	"math/big"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Till-Date
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Live reports whether the order can still fill and therefore needs cancelling.
func (s OrderStatus) Live() bool {
	return s == OrderStatusOpen || s == OrderStatusPending
}

// Order is a signed CLOB order.
type Order struct {
	ID          string
	TokenID     string
	Wallet      string
	Side        OrderSide
	Type        OrderType
	PriceTicks  int64    // fixed-point: price * 1e6
	SizeUnits   int64    // fixed-point: size  * 1e6
	MakerAmount *big.Int // integer notional used in signed payload
	TakerAmount *big.Int // integer quantity used in signed payload
	NegRisk     bool
	Signature   string // EIP-712 hex
	CreatedAt   time.Time
}

// Price returns the float64 display price from fixed-point ticks.
func (o Order) Price() float64 {
	return float64(o.PriceTicks) / 1e6
}

// Size returns the float64 display size from fixed-point units.
func (o Order) Size() float64 {
	return float64(o.SizeUnits) / 1e6
}

// OrderRequest asks the gateway to place one leg.
type OrderRequest struct {
	TokenID string
	Side    OrderSide
	Size    float64 // shares
	Price   float64
	NegRisk bool
	Type    OrderType
}

// OrderAck is the gateway's answer to a placement.
type OrderAck struct {
	OrderID string
	Success bool
	Status  OrderStatus
	Message string
}

// OrderStatusReport is a point-in-time view of an order's fill progress.
type OrderStatusReport struct {
	OrderID     string
	Status      OrderStatus
	FilledSize  float64
	FilledPrice float64
}

// OrderGateway places, cancels and inspects exchange orders.
// Implementations must allow concurrent calls.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatusReport, error)
}
