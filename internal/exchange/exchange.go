package exchange

import (
	"context"

	"grid-engine-go/internal/models"
	"grid-engine-go/internal/stream"
)

// Exchange is the capability surface the engine consumes. Implementations
// hide all exchange-specific signing and payload formatting behind it, so
// the engine can run against any derivatives venue (or a simulator).
type Exchange interface {
	// FetchTicker returns the current quote for a symbol. Polled at
	// startup and as REST fallback while the stream is down.
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)

	// FetchOpenOrders lists the live orders for a symbol.
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.ExchangeOrder, error)

	// PlaceOrder submits a new order and returns the acknowledged order.
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.ExchangeOrder, error)

	// CancelOrder cancels one order by exchange order ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchPosition returns the current position for a symbol.
	FetchPosition(ctx context.Context, symbol string) (models.ExchangePosition, error)

	// FetchSymbolLimits returns the symbol's trading rules.
	FetchSymbolLimits(ctx context.Context, symbol string) (models.SymbolLimits, error)

	// SetLeverage sets the account leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// StreamProvider supplies what the streaming client needs to follow one
// symbol on this exchange: the endpoint, the wire codec and the channel
// names for the ticker, order and position feeds.
type StreamProvider interface {
	StreamURL(ctx context.Context, symbol string) (string, error)
	StreamCodec(symbol string) stream.Codec
	StreamChannels(symbol string) []string
}
