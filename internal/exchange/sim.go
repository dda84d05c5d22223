package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"grid-engine-go/internal/models"
)

// Sim is an in-memory Exchange used by tests and dry runs. Orders rest
// until SimulateFill moves them to FILLED; prices are set by the caller.
type Sim struct {
	mu         sync.Mutex
	limits     models.SymbolLimits
	price      float64
	position   models.ExchangePosition
	orders     map[string]*models.ExchangeOrder
	nextID     int64
	placeErr   error // next PlaceOrder fails with this when set
	PlaceCalls int
}

// NewSim builds a simulator with the given trading rules and start price.
func NewSim(limits models.SymbolLimits, price float64) *Sim {
	return &Sim{
		limits:   limits,
		price:    price,
		position: models.ExchangePosition{Symbol: limits.Symbol},
		orders:   make(map[string]*models.ExchangeOrder),
	}
}

// SetPrice moves the simulated market.
func (s *Sim) SetPrice(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.position.MarkPrice = price
}

// FailNextPlace makes the next PlaceOrder call return err.
func (s *Sim) FailNextPlace(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeErr = err
}

// SeedOrder inserts a resting order directly, as if a previous process had
// placed it.
func (s *Sim) SeedOrder(o models.ExchangeOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.OrderID == "" {
		s.nextID++
		o.OrderID = strconv.FormatInt(s.nextID, 10)
	}
	o.Status = "NEW"
	s.orders[o.OrderID] = &o
}

// SimulateFill fills a resting order and returns it. The position moves
// with the fill.
func (s *Sim) SimulateFill(orderID string) (models.ExchangeOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return models.ExchangeOrder{}, false
	}
	o.Status = "FILLED"
	o.ExecutedQty = o.Quantity
	delete(s.orders, orderID)
	if o.Side == models.Buy {
		s.position.SignedSize += o.Quantity
	} else {
		s.position.SignedSize -= o.Quantity
	}
	return *o, true
}

func (s *Sim) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Ticker{Symbol: symbol, Last: s.price, Bid: s.price, Ask: s.price}, nil
}

func (s *Sim) FetchOpenOrders(ctx context.Context, symbol string) ([]models.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExchangeOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	return out, nil
}

func (s *Sim) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.ExchangeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlaceCalls++
	if s.placeErr != nil {
		err := s.placeErr
		s.placeErr = nil
		return models.ExchangeOrder{}, err
	}

	// Idempotent on client order ID, as real venues are.
	for _, o := range s.orders {
		if o.ClientOrderID == req.ClientOrderID {
			return *o, nil
		}
	}

	s.nextID++
	order := &models.ExchangeOrder{
		OrderID:       strconv.FormatInt(s.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        "NEW",
	}
	if req.Type == "MARKET" {
		order.Status = "FILLED"
		order.ExecutedQty = req.Quantity
		order.Price = s.price
		if req.Side == models.Buy {
			s.position.SignedSize += req.Quantity
		} else {
			s.position.SignedSize -= req.Quantity
		}
		return *order, nil
	}
	s.orders[order.OrderID] = order
	return *order, nil
}

func (s *Sim) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	delete(s.orders, orderID)
	return nil
}

func (s *Sim) FetchPosition(ctx context.Context, symbol string) (models.ExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, nil
}

func (s *Sim) FetchSymbolLimits(ctx context.Context, symbol string) (models.SymbolLimits, error) {
	return s.limits, nil
}

func (s *Sim) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
