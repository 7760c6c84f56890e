// Package venue provides a simulated prediction-market venue implementing
// the provider interface and the market catalog. It stands in for the real
// venue SDK: latency, liquidity, and rejection behaviour are configurable
// so the executor's retry and lifecycle paths can all be exercised.
package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/pipethedev/polymarket-trader/internal/markets"
	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

// Config tunes the simulated venue.
type Config struct {
	Name       string
	MinLatency time.Duration
	MaxLatency time.Duration
	// TransientRate is the probability any call fails with a transient
	// error (network, rate limit).
	TransientRate float64
	// RejectRate is the probability a placed order is deterministically
	// rejected.
	RejectRate float64
	// FullFillRate is the probability a placed order fills completely on
	// first contact; PartialFillRate the probability it fills partially.
	// The remainder rests on the book and progresses on status polls.
	FullFillRate    float64
	PartialFillRate float64
	// ReadOnly strips the trading capabilities, leaving price and health.
	ReadOnly bool
	// Seed fixes the random source; zero seeds from the clock.
	Seed int64
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "polymarket-sim"
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = 30 * time.Millisecond
	}
	if c.MinLatency < 0 || c.MinLatency > c.MaxLatency {
		c.MinLatency = 0
	}
	if c.FullFillRate == 0 && c.PartialFillRate == 0 {
		c.FullFillRate = 0.7
		c.PartialFillRate = 0.2
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

type simOrder struct {
	externalID string
	marketID   string
	outcome    types.Outcome
	quantity   decimal.Decimal
	filled     decimal.Decimal
	fillPrice  decimal.Decimal
	cancelled  bool
}

// Venue is a simulated trading venue. It is safe for concurrent use.
type Venue struct {
	cfg  Config
	caps provider.Capabilities

	mu      sync.Mutex
	rng     *rand.Rand
	orders  map[string]*simOrder
	catalog []markets.Market
	seq     int64
}

// New creates a simulated venue seeded with a default market catalog.
func New(cfg Config) *Venue {
	cfg.applyDefaults()
	caps := provider.Capabilities{PlaceOrders: true, CancelOrders: true, OrderStatus: true}
	if cfg.ReadOnly {
		caps = provider.Capabilities{}
	}
	return &Venue{
		cfg:     cfg,
		caps:    caps,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		orders:  make(map[string]*simOrder),
		catalog: defaultCatalog(),
	}
}

func (v *Venue) Name() string { return v.cfg.Name }

func (v *Venue) Capabilities() provider.Capabilities { return v.caps }

// PlaceOrder simulates acceptance and immediate matching at the venue.
func (v *Venue) PlaceOrder(ctx context.Context, req provider.PlaceRequest) (*provider.OrderResult, error) {
	logger := log.With().
		Str("venue", v.cfg.Name).
		Uint("reference", req.Reference).
		Str("market_id", req.MarketID).
		Logger()

	if err := v.simulateCall(ctx, "place_order"); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	market := v.findMarket(req.MarketID)
	if market == nil {
		return nil, types.NewPermanentProviderError("unknown_market",
			fmt.Sprintf("market %s does not exist at venue", req.MarketID), nil)
	}
	if market.Status != markets.MarketStatusOpen {
		return nil, types.NewPermanentProviderError("market_closed",
			fmt.Sprintf("market %s is not accepting orders", req.MarketID), nil)
	}
	if v.rng.Float64() < v.cfg.RejectRate {
		logger.Warn().Msg("simulated venue rejection")
		return nil, types.NewPermanentProviderError("order_rejected", "insufficient balance", nil)
	}

	v.seq++
	order := &simOrder{
		externalID: fmt.Sprintf("PMX-%d-%06d", v.cfg.Seed%1000, v.seq),
		marketID:   req.MarketID,
		outcome:    req.Outcome,
		quantity:   req.Quantity,
		filled:     decimal.Zero,
		fillPrice:  v.executionPrice(market, req),
	}
	v.orders[order.externalID] = order

	roll := v.rng.Float64()
	switch {
	case roll < v.cfg.FullFillRate:
		order.filled = order.quantity
	case roll < v.cfg.FullFillRate+v.cfg.PartialFillRate:
		order.filled = v.partialQuantity(order.quantity)
	}

	res := order.result()
	logger.Info().
		Str("external_order_id", order.externalID).
		Str("status", string(res.Status)).
		Str("filled", order.filled.String()).
		Msg("order placed at venue")
	return res, nil
}

// GetOrderStatus reports the venue's view of an order. Resting orders have
// a chance of progressing toward a full fill on each poll.
func (v *Venue) GetOrderStatus(ctx context.Context, externalOrderID string) (*provider.OrderResult, error) {
	if err := v.simulateCall(ctx, "get_order_status"); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[externalOrderID]
	if !ok {
		return nil, types.NewPermanentProviderError("order_not_found",
			fmt.Sprintf("order %s not found at venue", externalOrderID), nil)
	}

	if !order.cancelled && order.filled.LessThan(order.quantity) {
		roll := v.rng.Float64()
		switch {
		case roll < v.cfg.FullFillRate:
			order.filled = order.quantity
		case roll < v.cfg.FullFillRate+v.cfg.PartialFillRate:
			more := v.partialQuantity(order.quantity.Sub(order.filled))
			order.filled = order.filled.Add(more)
		}
	}

	return order.result(), nil
}

// CancelOrder cancels a resting order. Fully filled orders cannot be
// cancelled and produce a permanent rejection.
func (v *Venue) CancelOrder(ctx context.Context, externalOrderID string) (*provider.OrderResult, error) {
	if err := v.simulateCall(ctx, "cancel_order"); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[externalOrderID]
	if !ok {
		return nil, types.NewPermanentProviderError("order_not_found",
			fmt.Sprintf("order %s not found at venue", externalOrderID), nil)
	}
	if order.filled.Equal(order.quantity) {
		return nil, types.NewPermanentProviderError("already_filled",
			fmt.Sprintf("order %s is fully filled", externalOrderID), nil)
	}

	order.cancelled = true
	log.Info().
		Str("venue", v.cfg.Name).
		Str("external_order_id", externalOrderID).
		Msg("order cancelled at venue")
	return order.result(), nil
}

// GetMarketPrice returns the current simulated price for one outcome.
func (v *Venue) GetMarketPrice(ctx context.Context, marketID string, outcome types.Outcome) (decimal.Decimal, bool, error) {
	if err := v.simulateCall(ctx, "get_market_price"); err != nil {
		return decimal.Zero, false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	market := v.findMarket(marketID)
	if market == nil {
		return decimal.Zero, false, nil
	}
	price := market.YesPrice
	if outcome == types.OutcomeNo {
		price = market.NoPrice
	}
	return v.jitter(price), true, nil
}

func (v *Venue) HealthCheck(ctx context.Context) bool {
	return v.simulateCall(ctx, "health_check") == nil
}

// ListMarkets implements the market catalog polled by the syncer.
func (v *Venue) ListMarkets(ctx context.Context) ([]markets.Market, error) {
	if err := v.simulateCall(ctx, "list_markets"); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]markets.Market, len(v.catalog))
	copy(out, v.catalog)
	return out, nil
}

// simulateCall applies latency and the transient failure rate shared by
// every venue operation.
func (v *Venue) simulateCall(ctx context.Context, operation string) error {
	v.mu.Lock()
	latency := v.cfg.MinLatency
	if span := v.cfg.MaxLatency - v.cfg.MinLatency; span > 0 {
		latency += time.Duration(v.rng.Int63n(int64(span)))
	}
	transient := v.rng.Float64() < v.cfg.TransientRate
	v.mu.Unlock()

	select {
	case <-ctx.Done():
		return types.NewTransientProviderError("timeout", operation+" cancelled", ctx.Err())
	case <-time.After(latency):
	}

	if transient {
		return types.NewTransientProviderError("rate_limited",
			fmt.Sprintf("venue throttled %s", operation), nil)
	}
	return nil
}

func (v *Venue) findMarket(marketID string) *markets.Market {
	for i := range v.catalog {
		if v.catalog[i].MarketID == marketID {
			return &v.catalog[i]
		}
	}
	return nil
}

// executionPrice derives a fill price near the market's current price, or
// honors the limit price when one is set.
func (v *Venue) executionPrice(market *markets.Market, req provider.PlaceRequest) decimal.Decimal {
	if req.Price != nil {
		return *req.Price
	}
	base := market.YesPrice
	if req.Outcome == types.OutcomeNo {
		base = market.NoPrice
	}
	return v.jitter(base)
}

// jitter applies a small random spread while keeping the price inside the
// (0,1) probability band.
func (v *Venue) jitter(price decimal.Decimal) decimal.Decimal {
	spread := decimal.NewFromFloat((v.rng.Float64() - 0.5) * 0.02)
	p := price.Add(spread).Round(4)
	if !p.IsPositive() {
		p = decimal.NewFromFloat(0.0001)
	}
	if p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		p = decimal.NewFromFloat(0.9999)
	}
	return p
}

func (o *simOrder) result() *provider.OrderResult {
	res := &provider.OrderResult{
		ExternalOrderID: o.externalID,
		FilledQuantity:  o.filled,
		FillPrice:       o.fillPrice,
		Timestamp:       time.Now(),
	}
	switch {
	case o.cancelled:
		res.Status = provider.ResultCancelled
	case o.filled.Equal(o.quantity):
		res.Status = provider.ResultFilled
	case o.filled.IsPositive():
		res.Status = provider.ResultPartiallyFilled
	default:
		res.Status = provider.ResultAccepted
	}
	return res
}

// partialQuantity picks a partial amount strictly between zero and max.
func (v *Venue) partialQuantity(max decimal.Decimal) decimal.Decimal {
	fraction := decimal.NewFromFloat(0.25 + v.rng.Float64()*0.5)
	part := max.Mul(fraction).Round(8)
	if !part.IsPositive() || part.GreaterThanOrEqual(max) {
		part = max.Div(decimal.NewFromInt(2)).Round(8)
	}
	return part
}

func defaultCatalog() []markets.Market {
	return []markets.Market{
		{
			MarketID:   "0xf62a1c",
			Question:   "Will BTC close above $100k this year?",
			Slug:       "btc-above-100k",
			YesTokenID: "71321045679252212594626385532706912750332728571942532289631379312455583992563",
			NoTokenID:  "52114319501245915516055106046884209969926127482827954674443846427813813222426",
			Status:     markets.MarketStatusOpen,
			YesPrice:   decimal.NewFromFloat(0.62),
			NoPrice:    decimal.NewFromFloat(0.38),
			Volume:     decimal.NewFromInt(1250000),
		},
		{
			MarketID:   "0x9b4de2",
			Question:   "Will the Fed cut rates at the next meeting?",
			Slug:       "fed-cut-next-meeting",
			YesTokenID: "21742633143463906290569050155826241533067272736897614950488156847949938836455",
			NoTokenID:  "48331043336612883890938759509493159234755048973500640148014422747788308965732",
			Status:     markets.MarketStatusOpen,
			YesPrice:   decimal.NewFromFloat(0.44),
			NoPrice:    decimal.NewFromFloat(0.56),
			Volume:     decimal.NewFromInt(830000),
		},
		{
			MarketID:   "0x3c81aa",
			Question:   "Will the incumbent win the election?",
			Slug:       "incumbent-wins-election",
			YesTokenID: "69236923620077691027083946871148646972011131466059644796654161903044970987404",
			NoTokenID:  "87584955359245246404952128082451897287778571240979823316620093987046202296181",
			Status:     markets.MarketStatusClosed,
			YesPrice:   decimal.NewFromFloat(0.97),
			NoPrice:    decimal.NewFromFloat(0.03),
			Volume:     decimal.NewFromInt(5400000),
		},
	}
}
