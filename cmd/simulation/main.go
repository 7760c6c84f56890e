// Command simulation drives the trading API end to end: it authenticates,
// places a batch of orders with idempotency keys, replays one duplicate key
// to confirm the cached response, polls each order to a terminal state, and
// cancels a fraction of resting orders. It reports per-route latency stats.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/pipethedev/polymarket-trader/internal/auth"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

const (
	numOrders     = 30
	numWorkers    = 5
	cancelEvery   = 7
	pollInterval  = 500 * time.Millisecond
	pollBudget    = 30 * time.Second
	serverAddress = "http://localhost:8080"
)

var (
	marketIDs = []string{"0xf62a1c", "0x9b4de2"}
	sides     = []types.Side{types.SideBuy, types.SideSell}
	outcomes  = []types.Outcome{types.OutcomeYes, types.OutcomeNo}
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes min, max, mean, median, p95 and p99 durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope mirrors the API response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the trading API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"place":  {name: "Place Order"},
			"get":    {name: "Get Order"},
			"cancel": {name: "Cancel Order"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}
	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (sc *simulationClient) do(method, path, idempotencyKey string, payload interface{}) (int, *envelope, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(raw))
	}
	return resp.StatusCode, &env, nil
}

// placeOrder submits an order and returns its id and the raw response body
// for replay comparison.
func (sc *simulationClient) placeOrder(req types.PlaceOrderRequest, key string) (uint, string, error) {
	start := time.Now()
	defer func() {
		sc.stats["place"].addDuration(time.Since(start))
	}()

	status, env, err := sc.do("POST", "/api/v1/orders", key, req)
	if err != nil {
		return 0, "", err
	}
	if status != http.StatusAccepted {
		return 0, "", fmt.Errorf("place order failed with status %d", status)
	}

	var order types.OrderResponse
	if err := json.Unmarshal(env.Data, &order); err != nil {
		return 0, "", err
	}
	return order.OrderID, string(env.Data), nil
}

func (sc *simulationClient) getOrder(orderID uint) (*types.OrderResponse, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	status, env, err := sc.do("GET", fmt.Sprintf("/api/v1/orders/%d", orderID), "", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get order failed with status %d", status)
	}

	var order types.OrderResponse
	if err := json.Unmarshal(env.Data, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (sc *simulationClient) cancelOrder(orderID uint) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	status, env, err := sc.do("POST", fmt.Sprintf("/api/v1/orders/%d/cancel", orderID), uuid.New().String(), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return fmt.Errorf("cancel order failed with status %d", status)
	}
	if env.Error != nil {
		log.Debug().Str("code", env.Error.Code).Uint("order_id", orderID).Msg("cancel resolved against terminal order")
	}
	return nil
}

// pollUntilTerminal watches an order until it stops moving.
func (sc *simulationClient) pollUntilTerminal(orderID uint) (*types.OrderResponse, error) {
	deadline := time.Now().Add(pollBudget)
	for {
		order, err := sc.getOrder(orderID)
		if err != nil {
			return nil, err
		}
		if order.Status.IsTerminal() || time.Now().After(deadline) {
			return order, nil
		}
		time.Sleep(pollInterval)
	}
}

func randomOrder() types.PlaceOrderRequest {
	req := types.PlaceOrderRequest{
		MarketID:  marketIDs[rand.Intn(len(marketIDs))],
		Side:      sides[rand.Intn(len(sides))],
		OrderType: types.OrderTypeMarket,
		Outcome:   outcomes[rand.Intn(len(outcomes))],
		Quantity:  decimal.NewFromInt(int64(rand.Intn(90) + 10)),
	}
	if rand.Intn(3) == 0 {
		price := decimal.NewFromFloat(0.01 + rand.Float64()*0.98).Round(4)
		req.OrderType = types.OrderTypeLimit
		req.Price = &price
	}
	return req
}

func main() {
	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create simulation client")
	}

	// Exactly-once check: the same key twice must return the same body and
	// a single order.
	dupKey := uuid.New().String()
	dupReq := randomOrder()
	firstID, firstBody, err := sc.placeOrder(dupReq, dupKey)
	if err != nil {
		log.Fatal().Err(err).Msg("duplicate-key probe failed")
	}
	secondID, secondBody, err := sc.placeOrder(dupReq, dupKey)
	if err != nil {
		log.Fatal().Err(err).Msg("duplicate-key replay failed")
	}
	if firstID != secondID || firstBody != secondBody {
		log.Fatal().
			Uint("first", firstID).
			Uint("second", secondID).
			Msg("idempotency violation: duplicate key produced a different response")
	}
	log.Info().Uint("order_id", firstID).Msg("duplicate key replayed identically")

	jobs := make(chan int)
	var wg sync.WaitGroup
	statuses := make(map[types.OrderStatus]int)
	var statusMu sync.Mutex

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				orderID, _, err := sc.placeOrder(randomOrder(), uuid.New().String())
				if err != nil {
					sc.stats["place"].addFailure()
					log.Warn().Err(err).Msg("order placement failed")
					continue
				}

				if i%cancelEvery == 0 {
					if err := sc.cancelOrder(orderID); err != nil {
						sc.stats["cancel"].addFailure()
						log.Warn().Err(err).Uint("order_id", orderID).Msg("cancel failed")
					}
				}

				final, err := sc.pollUntilTerminal(orderID)
				if err != nil {
					sc.stats["get"].addFailure()
					log.Warn().Err(err).Uint("order_id", orderID).Msg("status polling failed")
					continue
				}

				statusMu.Lock()
				statuses[final.Status]++
				statusMu.Unlock()

				log.Info().
					Uint("order_id", orderID).
					Str("status", string(final.Status)).
					Str("filled", final.FilledQuantity.String()).
					Msg("order reached final state")
			}
		}()
	}

	for i := 0; i < numOrders; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	log.Info().Interface("statuses", statuses).Msg("simulation finished")
	printStats(sc)
}

func printStats(sc *simulationClient) {
	for _, rs := range sc.stats {
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Dur("p99", p99).
			Msg("route statistics")
	}
}
