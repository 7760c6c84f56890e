package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

// Database is the sole writer of order rows. Mutations go through
// UpdateOrderVersioned so that every write is guarded by the optimistic
// version counter; there is no long-lived lock anywhere in the write path.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrder inserts a new order at version 1.
func (d *Database) CreateOrder(order *types.Order) error {
	order.Version = 1
	return d.db.Create(order).Error
}

func (d *Database) GetOrderByID(id uint) (*types.Order, error) {
	var order types.Order
	if err := d.db.First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListActiveOrderIDs returns the ids of every order not yet in a terminal
// status, oldest first. The executor sweeps these at startup so orders that
// were mid-flight when the previous process stopped are driven to a
// terminal state by fresh status polls.
func (d *Database) ListActiveOrderIDs() ([]uint, error) {
	var ids []uint
	err := d.db.Model(&types.Order{}).
		Where("status NOT IN ?", []types.OrderStatus{
			types.OrderStatusFilled,
			types.OrderStatusCancelled,
			types.OrderStatusFailed,
		}).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (d *Database) GetOrderByIDAndClientID(id uint, clientID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("id = ? AND client_id = ?", id, clientID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrderVersioned persists the order's mutable fields under the version
// it was read at: the update is conditioned on `id AND version`, so a write
// whose expected version no longer matches the stored row affects zero rows
// and returns types.ErrVersionConflict. On success the in-memory order's
// version is advanced to the persisted value.
func (d *Database) UpdateOrderVersioned(order *types.Order) error {
	expected := order.Version
	res := d.db.Model(&types.Order{}).
		Where("id = ? AND version = ?", order.ID, expected).
		Updates(map[string]interface{}{
			"status":             order.Status,
			"filled_quantity":    order.FilledQuantity,
			"average_fill_price": order.AverageFillPrice,
			"failure_reason":     order.FailureReason,
			"external_order_id":  order.ExternalOrderID,
			"metadata":           order.Metadata,
			"version":            expected + 1,
			"updated_at":         time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrVersionConflict
	}
	order.Version = expected + 1
	return nil
}

// TransitionAndPersist applies a venue result and writes the new state. On a
// version conflict it reloads the row and retries the in-memory transition
// exactly once; this covers the race between a retry job and a late status
// poll. A second conflict is surfaced to the caller to re-enqueue.
func (d *Database) TransitionAndPersist(order *types.Order, res *provider.OrderResult) (*types.Order, error) {
	next, err := ApplyResult(order, res)
	if err != nil {
		return nil, err
	}
	if err := d.UpdateOrderVersioned(next); err == nil {
		return next, nil
	} else if !errors.Is(err, types.ErrVersionConflict) {
		return nil, err
	}

	reloaded, err := d.GetOrderByID(order.ID)
	if err != nil {
		return nil, err
	}
	if reloaded == nil {
		return nil, gorm.ErrRecordNotFound
	}
	next, err = ApplyResult(reloaded, res)
	if err != nil {
		return nil, err
	}
	if err := d.UpdateOrderVersioned(next); err != nil {
		return nil, err
	}
	return next, nil
}

// FailAndPersist moves an order to FAILED under the same conflict rules as
// TransitionAndPersist. If another writer got the order to a terminal state
// first, the loser's effect is discarded and ErrTerminalTransition returned.
func (d *Database) FailAndPersist(order *types.Order, reason string) (*types.Order, error) {
	next, err := Fail(order, reason)
	if err != nil {
		return nil, err
	}
	if err := d.UpdateOrderVersioned(next); err == nil {
		return next, nil
	} else if !errors.Is(err, types.ErrVersionConflict) {
		return nil, err
	}

	reloaded, err := d.GetOrderByID(order.ID)
	if err != nil {
		return nil, err
	}
	if reloaded == nil {
		return nil, gorm.ErrRecordNotFound
	}
	next, err = Fail(reloaded, reason)
	if err != nil {
		return nil, err
	}
	if err := d.UpdateOrderVersioned(next); err != nil {
		return nil, err
	}
	return next, nil
}
