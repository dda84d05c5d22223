package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/models"
	"grid-engine-go/internal/stream"

	"github.com/adshao/go-binance/v2/futures"
)

var errListenKeyExpired = errors.New("listen key expired, reconnect required")

// BinanceFutures adapts the Binance USDⓈ-M futures API to the Exchange and
// StreamProvider interfaces.
type BinanceFutures struct {
	client   *futures.Client
	wsBase   string // e.g. wss://fstream.binance.com
	leverage int
}

// NewBinanceFutures builds the adapter. An empty wsBase selects the
// production stream endpoint.
func NewBinanceFutures(apiKey, secretKey, wsBase string) *BinanceFutures {
	if wsBase == "" {
		wsBase = "wss://fstream.binance.com"
	}
	return &BinanceFutures{
		client: futures.NewClient(apiKey, secretKey),
		wsBase: wsBase,
	}
}

func (b *BinanceFutures) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	books, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("fetch book ticker %s: %w", symbol, err)
	}
	if len(books) == 0 {
		return models.Ticker{}, fmt.Errorf("no book ticker for %s", symbol)
	}
	return tickerFromBook(symbol, books[0]), nil
}

func tickerFromBook(symbol string, book *futures.BookTicker) models.Ticker {
	bid := parseFloat(book.BidPrice)
	ask := parseFloat(book.AskPrice)
	return models.Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
	}
}

func (b *BinanceFutures) FetchOpenOrders(ctx context.Context, symbol string) ([]models.ExchangeOrder, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders %s: %w", symbol, err)
	}
	out := make([]models.ExchangeOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, models.ExchangeOrder{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Side:          models.Side(o.Side),
			Type:          string(o.Type),
			Price:         parseFloat(o.Price),
			Quantity:      parseFloat(o.OrigQuantity),
			ExecutedQty:   parseFloat(o.ExecutedQuantity),
			Status:        string(o.Status),
			UpdateTime:    time.UnixMilli(o.UpdateTime),
		})
	}
	return out, nil
}

func (b *BinanceFutures) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.ExchangeOrder, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(req.ClientOrderID)

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if strings.EqualFold(req.Type, "MARKET") {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		tif := futures.TimeInForceType(req.TimeInForce)
		if req.PostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(tif).
			Price(formatFloat(req.Price))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return models.ExchangeOrder{}, err
	}
	return models.ExchangeOrder{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        string(resp.Status),
		UpdateTime:    time.Now(),
	}, nil
}

func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order: bad order id %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

func (b *BinanceFutures) FetchPosition(ctx context.Context, symbol string) (models.ExchangePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.ExchangePosition{}, fmt.Errorf("fetch position %s: %w", symbol, err)
	}
	pos := models.ExchangePosition{Symbol: symbol}
	for _, r := range risks {
		size := parseFloat(r.PositionAmt)
		if size == 0 {
			continue
		}
		pos.SignedSize += size
		pos.EntryPrice = parseFloat(r.EntryPrice)
		pos.MarkPrice = parseFloat(r.MarkPrice)
		pos.UnrealizedPnl += parseFloat(r.UnRealizedProfit)
	}
	return pos, nil
}

func (b *BinanceFutures) FetchSymbolLimits(ctx context.Context, symbol string) (models.SymbolLimits, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolLimits{}, fmt.Errorf("fetch exchange info: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		limits := models.SymbolLimits{
			Symbol:            symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		if f := s.PriceFilter(); f != nil {
			limits.TickSize = parseFloat(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			limits.StepSize = parseFloat(f.StepSize)
			limits.MinQuantity = parseFloat(f.MinQuantity)
		}
		if f := s.MinNotionalFilter(); f != nil {
			limits.MinNotional = parseFloat(f.Notional)
		}
		return limits, nil
	}
	return models.SymbolLimits{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return err
}

// StreamURL starts a user data stream and returns the combined endpoint.
// Order and position events arrive on it unsolicited; market channels are
// added with SUBSCRIBE requests through the codec.
func (b *BinanceFutures) StreamURL(ctx context.Context, symbol string) (string, error) {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("start user stream: %w", err)
	}
	return fmt.Sprintf("%s/ws/%s", b.wsBase, listenKey), nil
}

func (b *BinanceFutures) StreamCodec(symbol string) stream.Codec {
	return &binanceCodec{symbol: symbol}
}

func (b *BinanceFutures) StreamChannels(symbol string) []string {
	return []string{strings.ToLower(symbol) + "@aggTrade"}
}

// binanceCodec translates Binance futures stream frames into typed events.
type binanceCodec struct {
	symbol string
	reqID  int64
}

// binanceFrame is the superset of fields across the event types we care
// about; the "e" tag discriminates.
type binanceFrame struct {
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
	Symbol string          `json:"s"`
	Price  json.Number     `json:"p"`
	Order  json.RawMessage `json:"o"`
	Update json.RawMessage `json:"a"`
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

type binanceOrderUpdate struct {
	Symbol        string      `json:"s"`
	ClientOrderID string      `json:"c"`
	Side          string      `json:"S"`
	Status        string      `json:"X"`
	OrderID       int64       `json:"i"`
	Price         json.Number `json:"p"`
	LastFilledQty json.Number `json:"l"`
	CumFilledQty  json.Number `json:"z"`
	LastFilledPx  json.Number `json:"L"`
	AvgFilledPx   json.Number `json:"ap"`
	TradeTime     int64       `json:"T"`
}

type binanceAccountUpdate struct {
	Positions []struct {
		Symbol        string      `json:"s"`
		PositionAmt   json.Number `json:"pa"`
		EntryPrice    json.Number `json:"ep"`
		UnrealizedPnl json.Number `json:"up"`
	} `json:"P"`
}

func (c *binanceCodec) Decode(raw []byte) (interface{}, error) {
	var frame binanceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}

	switch frame.Event {
	case "aggTrade":
		price, _ := frame.Price.Float64()
		return models.TickerEvent{
			Symbol: frame.Symbol,
			Price:  price,
			Time:   time.UnixMilli(frame.Time),
		}, nil

	case "ORDER_TRADE_UPDATE":
		var o binanceOrderUpdate
		if err := json.Unmarshal(frame.Order, &o); err != nil {
			return nil, fmt.Errorf("decode order update: %w", err)
		}
		price, _ := o.Price.Float64()
		// Cumulative quantity and average price: an order filled across
		// several partial trades reports only the last chunk in l/L.
		qty, _ := o.CumFilledQty.Float64()
		if qty == 0 {
			qty, _ = o.LastFilledQty.Float64()
		}
		px, _ := o.AvgFilledPx.Float64()
		if px == 0 {
			px, _ = o.LastFilledPx.Float64()
		}
		return models.OrderEvent{
			Symbol:        o.Symbol,
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          models.Side(o.Side),
			Status:        o.Status,
			Price:         price,
			FilledQty:     qty,
			FilledPrice:   px,
			Time:          time.UnixMilli(o.TradeTime),
		}, nil

	case "ACCOUNT_UPDATE":
		var a binanceAccountUpdate
		if err := json.Unmarshal(frame.Update, &a); err != nil {
			return nil, fmt.Errorf("decode account update: %w", err)
		}
		for _, p := range a.Positions {
			if p.Symbol != c.symbol {
				continue
			}
			size, _ := p.PositionAmt.Float64()
			entry, _ := p.EntryPrice.Float64()
			pnl, _ := p.UnrealizedPnl.Float64()
			return models.PositionEvent{
				Symbol:        p.Symbol,
				SignedSize:    size,
				EntryPrice:    entry,
				UnrealizedPnl: pnl,
				Time:          time.UnixMilli(frame.Time),
			}, nil
		}
		return nil, nil

	case "listenKeyExpired":
		return nil, &models.TransportError{Op: "listen-key", Err: errListenKeyExpired}

	default:
		// Subscription acks ({"result":null,"id":N}) and anything we do
		// not model are dropped.
		return nil, nil
	}
}

func (c *binanceCodec) EncodeSubscribe(channels []string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": channels,
		"id":     atomic.AddInt64(&c.reqID, 1),
	})
}

func (c *binanceCodec) EncodeUnsubscribe(channels []string) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": channels,
		"id":     atomic.AddInt64(&c.reqID, 1),
	})
}

// PingPayload is nil: Binance answers transport-level pings.
func (c *binanceCodec) PingPayload() []byte { return nil }

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
