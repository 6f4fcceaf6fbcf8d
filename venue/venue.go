package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoPosition is returned by close operations when quantity inference
// finds no open position on the requested symbol and side.
var ErrNoPosition = errors.New("no open position")

// Balance is the account equity snapshot.
type Balance struct {
	WalletBalance    float64
	AvailableBalance float64
	UnrealizedProfit float64
}

// TotalEquity is wallet balance plus unrealized PnL.
func (b *Balance) TotalEquity() float64 {
	return b.WalletBalance + b.UnrealizedProfit
}

// Position is one open position. Quantity is always the absolute size;
// Side carries the direction.
type Position struct {
	Symbol           string
	Side             string // "long" or "short"
	Quantity         float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	Leverage         int
	LiquidationPrice float64
}

// OrderResult is the outcome of a filled order.
type OrderResult struct {
	OrderID  int64
	Symbol   string
	Side     string
	Quantity float64
	Price    float64
}

// Venue is the derivatives-account capability a trader loop drives. A single
// loop owns each instance, but operations within one cycle may run
// concurrently, so implementations guard their internal state.
type Venue interface {
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, crossMargin bool) error
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)

	OpenLong(ctx context.Context, symbol string, quantity float64, leverage int) (*OrderResult, error)
	OpenShort(ctx context.Context, symbol string, quantity float64, leverage int) (*OrderResult, error)

	// CloseLong and CloseShort accept quantity 0 to close the full position,
	// inferred from the current snapshot.
	CloseLong(ctx context.Context, symbol string, quantity float64) (*OrderResult, error)
	CloseShort(ctx context.Context, symbol string, quantity float64) (*OrderResult, error)

	SetStopLoss(ctx context.Context, symbol, positionSide string, quantity, triggerPrice float64) error
	SetTakeProfit(ctx context.Context, symbol, positionSide string, quantity, triggerPrice float64) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// FormatQuantity rounds a quantity down to the venue's lot step size and
	// returns the string that must be sent on the wire.
	FormatQuantity(ctx context.Context, symbol string, quantity float64) (string, error)
}

// Credentials holds the API key pair for one venue account.
type Credentials struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// New builds the adapter for the given exchange id.
func New(exchangeID string, creds Credentials) (Venue, error) {
	switch strings.ToLower(exchangeID) {
	case "binance", "binance_futures":
		return NewBinance(creds), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchangeID)
	}
}
