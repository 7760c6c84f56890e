// Package markets holds the normalized market snapshot the intake
// validation reads, the poller that keeps it current, and the read-only
// market endpoints.
package markets

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/types"
	"github.com/pipethedev/polymarket-trader/pkg/response"
)

type Service struct {
	db       *Database
	provider provider.Provider
}

func NewService(gormDB *gorm.DB, venue provider.Provider) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		provider: venue,
	}
}

// GetDB exposes the market repository to the syncer and intake wiring.
func (s *Service) GetDB() *Database {
	return s.db
}

func (s *Service) GetMarket(marketID string) (*Market, error) {
	return s.db.GetMarket(marketID)
}

func (s *Service) ListMarkets() ([]Market, error) {
	return s.db.ListMarkets()
}

// GetPrice asks the venue for the current price of one market outcome.
func (s *Service) GetPrice(ctx context.Context, marketID string, outcome types.Outcome) (*types.PriceResponse, bool, error) {
	price, found, err := s.provider.GetMarketPrice(ctx, marketID, outcome)
	if err != nil || !found {
		return nil, found, err
	}
	return &types.PriceResponse{
		MarketID:  marketID,
		Outcome:   outcome,
		Price:     price,
		Timestamp: time.Now(),
	}, true, nil
}

// GinHandlers contains HTTP handlers for market read endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListMarketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.ListMarkets()
		response.Handle(c, list, err)
	}
}

func (h *GinHandlers) GetMarketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market, err := h.service.GetMarket(c.Param("market_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if market == nil {
			response.NotFound(c, "market not found")
			return
		}
		response.Success(c, market)
	}
}

// GetPriceHandler returns the venue's live price for one outcome of a
// market. The outcome defaults to YES.
func (h *GinHandlers) GetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome := types.Outcome(c.DefaultQuery("outcome", string(types.OutcomeYes)))
		if outcome != types.OutcomeYes && outcome != types.OutcomeNo {
			response.BadRequest(c, "outcome must be YES or NO")
			return
		}

		price, found, err := h.service.GetPrice(c.Request.Context(), c.Param("market_id"), outcome)
		if err != nil {
			if types.IsTransientProvider(err) {
				response.ServiceUnavailable(c, "venue unavailable, retry shortly")
				return
			}
			response.Handle(c, nil, err)
			return
		}
		if !found {
			response.NotFound(c, "no price for market")
			return
		}
		c.JSON(http.StatusOK, response.Response{Success: true, Data: price})
	}
}
