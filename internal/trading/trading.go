package trading

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/pipethedev/polymarket-trader/internal/idempotency"
	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/types"
	"github.com/pipethedev/polymarket-trader/pkg/response"
)

// Enqueuer hands new orders to the executor. Implemented by executor.Queue;
// kept as an interface here so intake does not depend on the worker pool.
type Enqueuer interface {
	Enqueue(orderID uint)
}

// MarketReader is the read side intake validation consults. Backed by the
// rows the market syncer maintains.
type MarketReader interface {
	MarketTradable(marketID string) (exists bool, open bool, err error)
}

// Config tunes intake behaviour.
type Config struct {
	// AwaitTimeout bounds how long a duplicate request waits for the
	// original to complete before answering with a processing status.
	AwaitTimeout time.Duration
}

// Service is the idempotent intake handler: it owns order creation and
// cancellation, both protected by the idempotency store. For a fixed key,
// at most one order is created and every retry observes the same response.
type Service struct {
	db       *Database
	store    *idempotency.Store
	markets  MarketReader
	queue    Enqueuer
	provider provider.Provider
	cfg      Config
}

func NewService(gormDB *gorm.DB, store *idempotency.Store, markets MarketReader, queue Enqueuer, venue provider.Provider, cfg Config) *Service {
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 2 * time.Second
	}
	return &Service{
		db:       NewDatabase(gormDB),
		store:    store,
		markets:  markets,
		queue:    queue,
		provider: venue,
		cfg:      cfg,
	}
}

// GetDB exposes the order repository to the executor wiring.
func (s *Service) GetDB() *Database {
	return s.db
}

// PlaceOrder runs the intake algorithm and returns the HTTP status and the
// marshaled envelope to write. Replays of an already-seen key return the
// cached bytes verbatim.
func (s *Service) PlaceOrder(ctx context.Context, clientID string, req types.PlaceOrderRequest, key string) (int, []byte, error) {
	logger := log.With().
		Str("client_id", clientID).
		Str("idempotency_key", key).
		Str("market_id", req.MarketID).
		Logger()

	created, status, body, err := s.acquire(ctx, key, &logger)
	if err != nil {
		return 0, nil, err
	}
	if !created {
		return status, body, nil
	}

	if verr := s.validate(req); verr != nil {
		logger.Info().Err(verr).Msg("order request failed validation")
		body := response.ErrorBody(response.ErrCodeValidationFailed, verr.Error())
		// A failed validation is still cached so retries of the same
		// malformed request do not re-validate.
		if err := s.store.Complete(key, http.StatusBadRequest, body, 0); err != nil {
			return 0, nil, err
		}
		return http.StatusBadRequest, body, nil
	}

	order := &types.Order{
		IdempotencyKey: key,
		ClientID:       clientID,
		MarketID:       req.MarketID,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Outcome:        req.Outcome,
		Quantity:       req.Quantity,
		Price:          req.Price,
		FilledQuantity: decimal.Zero,
		Status:         types.OrderStatusPending,
	}
	if req.UserWalletAddress != "" {
		wallet := req.UserWalletAddress
		order.UserWalletAddress = &wallet
	}

	if err := s.db.CreateOrder(order); err != nil {
		// Storage failures are not durable outcomes; release the key so
		// the client's retry can start over instead of replaying a 500.
		if relErr := s.store.Release(key); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release idempotency reservation")
		}
		return 0, nil, err
	}

	s.queue.Enqueue(order.ID)

	body, err = response.SuccessBody(types.NewOrderResponse(order))
	if err != nil {
		return 0, nil, err
	}
	if err := s.store.Complete(key, http.StatusAccepted, body, 0); err != nil {
		return 0, nil, err
	}

	logger.Info().Uint("order_id", order.ID).Msg("order accepted for execution")
	return http.StatusAccepted, body, nil
}

// CancelOrder routes a cancel through the venue and the state machine. It
// races with any in-flight execution job for the same order; the version
// check ensures only one of fill and cancellation wins.
func (s *Service) CancelOrder(ctx context.Context, clientID string, orderID uint, key string) (int, []byte, error) {
	logger := log.With().
		Str("client_id", clientID).
		Str("idempotency_key", key).
		Uint("order_id", orderID).
		Logger()

	created, status, body, err := s.acquire(ctx, key, &logger)
	if err != nil {
		return 0, nil, err
	}
	if !created {
		return status, body, nil
	}

	order, err := s.db.GetOrderByIDAndClientID(orderID, clientID)
	if err != nil {
		return s.abandon(key, err, &logger)
	}
	if order == nil {
		body := response.ErrorBody(response.ErrCodeNotFound, "order not found")
		if err := s.store.Complete(key, http.StatusNotFound, body, 0); err != nil {
			return 0, nil, err
		}
		return http.StatusNotFound, body, nil
	}

	if order.Status.IsTerminal() {
		if order.Status == types.OrderStatusCancelled {
			return s.completeSnapshot(key, http.StatusOK, order)
		}
		body := response.ErrorBody(response.ErrCodeConflict,
			fmt.Sprintf("order is already %s", order.Status))
		if err := s.store.Complete(key, http.StatusConflict, body, 0); err != nil {
			return 0, nil, err
		}
		return http.StatusConflict, body, nil
	}

	res := &provider.OrderResult{Status: provider.ResultCancelled, Timestamp: time.Now()}
	if order.ExternalOrderID != nil {
		if !s.provider.Capabilities().CancelOrders {
			err := provider.ErrCapabilityMissing(s.provider.Name(), "order cancellation")
			logger.Error().Err(err).Msg("cancel requested against read-only venue")
			body := response.ErrorBody(response.ErrCodeInternalError, "venue does not support cancellation")
			if err := s.store.Complete(key, http.StatusInternalServerError, body, 0); err != nil {
				return 0, nil, err
			}
			return http.StatusInternalServerError, body, nil
		}

		res, err = s.provider.CancelOrder(ctx, *order.ExternalOrderID)
		if err != nil {
			if types.IsPermanentProvider(err) {
				logger.Info().Err(err).Msg("venue rejected cancellation")
				body := response.ErrorBody(response.ErrCodeConflict, "venue rejected cancellation")
				if err := s.store.Complete(key, http.StatusConflict, body, 0); err != nil {
					return 0, nil, err
				}
				return http.StatusConflict, body, nil
			}
			// Transient venue failure: release the key so the client can
			// retry the cancel shortly.
			logger.Warn().Err(err).Msg("venue unavailable for cancellation")
			if relErr := s.store.Release(key); relErr != nil {
				logger.Error().Err(relErr).Msg("failed to release idempotency reservation")
			}
			body := response.ErrorBody(response.ErrCodeVenueUnavailable, "venue unavailable, retry shortly")
			return http.StatusServiceUnavailable, body, nil
		}
	}

	updated, err := s.db.TransitionAndPersist(order, res)
	if err != nil {
		if errors.Is(err, ErrTerminalTransition) {
			// Lost the race against an execution result; report the state
			// that won.
			logger.Warn().Msg("cancellation lost race against execution result")
			current, gerr := s.db.GetOrderByID(order.ID)
			if gerr != nil || current == nil {
				return s.abandon(key, gerr, &logger)
			}
			body := response.ErrorBody(response.ErrCodeConflict,
				fmt.Sprintf("order is already %s", current.Status))
			if err := s.store.Complete(key, http.StatusConflict, body, 0); err != nil {
				return 0, nil, err
			}
			return http.StatusConflict, body, nil
		}
		return s.abandon(key, err, &logger)
	}

	logger.Info().Str("status", string(updated.Status)).Msg("order cancelled")
	return s.completeSnapshot(key, http.StatusOK, updated)
}

// GetOrder returns the lifecycle snapshot for an order owned by clientID.
func (s *Service) GetOrder(orderID uint, clientID string) (*types.Order, error) {
	return s.db.GetOrderByIDAndClientID(orderID, clientID)
}

// acquire reserves the idempotency key for the caller. When another request
// already owns the key it waits for and replays the recorded response; a
// reservation that vanished or expired mid-wait is reserved again and taken
// over rather than reported as in flight.
func (s *Service) acquire(ctx context.Context, key string, logger *zerolog.Logger) (bool, int, []byte, error) {
	for {
		created, err := s.store.Reserve(key)
		if err != nil {
			return false, 0, nil, err
		}
		if created {
			return true, 0, nil, nil
		}

		status, body, err := s.replay(ctx, key, logger)
		if errors.Is(err, idempotency.ErrReservationLost) {
			logger.Debug().Msg("reservation lost while waiting, taking over the key")
			continue
		}
		return false, status, body, err
	}
}

// replay serves a request whose key was already reserved: wait briefly for
// the original to complete and return its cached response verbatim, or
// answer with a processing status if it is still in flight.
func (s *Service) replay(ctx context.Context, key string, logger *zerolog.Logger) (int, []byte, error) {
	rec, err := s.store.Await(ctx, key, s.cfg.AwaitTimeout)
	if err != nil {
		return 0, nil, err
	}
	if rec != nil {
		logger.Debug().Msg("replaying cached idempotent response")
		return rec.Status, rec.Body, nil
	}
	logger.Debug().Msg("original request still in flight")
	body, err := response.SuccessBody(map[string]string{"status": "PROCESSING"})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, body, nil
}

func (s *Service) completeSnapshot(key string, status int, order *types.Order) (int, []byte, error) {
	body, err := response.SuccessBody(types.NewOrderResponse(order))
	if err != nil {
		return 0, nil, err
	}
	if err := s.store.Complete(key, status, body, 0); err != nil {
		return 0, nil, err
	}
	return status, body, nil
}

func (s *Service) abandon(key string, err error, logger *zerolog.Logger) (int, []byte, error) {
	if relErr := s.store.Release(key); relErr != nil {
		logger.Error().Err(relErr).Msg("failed to release idempotency reservation")
	}
	if err == nil {
		err = errors.New("order lookup failed")
	}
	return 0, nil, err
}

func (s *Service) validate(req types.PlaceOrderRequest) *types.ValidationError {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return types.NewValidationError("side", "must be BUY or SELL")
	}
	if req.OrderType != types.OrderTypeMarket && req.OrderType != types.OrderTypeLimit {
		return types.NewValidationError("order_type", "must be MARKET or LIMIT")
	}
	if req.Outcome != types.OutcomeYes && req.Outcome != types.OutcomeNo {
		return types.NewValidationError("outcome", "must be YES or NO")
	}
	if !req.Quantity.IsPositive() {
		return types.NewValidationError("quantity", "must be greater than zero")
	}
	if req.OrderType == types.OrderTypeLimit {
		if req.Price == nil {
			return types.NewValidationError("price", "required for LIMIT orders")
		}
		if !req.Price.IsPositive() || req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return types.NewValidationError("price", "must be between 0 and 1 exclusive")
		}
	}

	exists, open, err := s.markets.MarketTradable(req.MarketID)
	if err != nil {
		// Degrade to a validation failure rather than leak the storage
		// error; the market read side repopulates on the next sync.
		return types.NewValidationError("market_id", "market lookup failed")
	}
	if !exists {
		return types.NewValidationError("market_id", "unknown market")
	}
	if !open {
		return types.NewValidationError("market_id", "market is not open for trading")
	}
	return nil
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST requests to place new orders.
// Requires a valid JWT token and an Idempotency-Key header.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			response.Handle(c, nil, types.ErrIdempotencyKeyMissing)
			return
		}

		var req types.PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		status, body, err := h.service.PlaceOrder(c.Request.Context(), c.GetString("clientID"), req, key)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Raw(c, status, body)
	}
}

// GetOrderHandler handles GET requests for an order's lifecycle snapshot.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order id")
			return
		}

		order, err := h.service.GetOrder(uint(orderID), c.GetString("clientID"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if order == nil {
			response.NotFound(c, "order not found")
			return
		}
		c.JSON(http.StatusOK, response.Response{Success: true, Data: types.NewOrderResponse(order)})
	}
}

// CancelOrderHandler handles POST requests to cancel orders.
// Requires a valid JWT token and an Idempotency-Key header.
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			response.Handle(c, nil, types.ErrIdempotencyKeyMissing)
			return
		}

		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "invalid order id")
			return
		}

		status, body, err := h.service.CancelOrder(c.Request.Context(), c.GetString("clientID"), uint(orderID), key)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Raw(c, status, body)
	}
}
