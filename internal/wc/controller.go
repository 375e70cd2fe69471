// Package wc implements the WorkflowController: a stateless orchestrator
// of business verbs over the TransactionManager and the per-table
// ResourceManagers, each multi-step verb run under one transaction id.
package wc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rkozak/travelres/internal/metrics"
	"github.com/rkozak/travelres/internal/record"
	"github.com/rkozak/travelres/internal/storage"
	"github.com/rkozak/travelres/internal/wire"
)

const (
	TableFlights      = "flights"
	TableCars         = "cars"
	TableRooms        = "rooms"
	TableCustomers    = "customers"
	TableReservations = "reservations"
)

// reservationKeyWidths fixes the composite-index column widths used to
// encode a reservation's (custName, resvType, resvKey) primary key.
var reservationKeyWidths = []int{64, 16, 64}

// ReservedLeg describes one inventory reservation within a multi-leg
// itinerary.
type ReservedLeg struct {
	Table    string
	ResvType string
	ResvKey  string
	Quantity int64
}

// Config bundles the WorkflowController's dependencies.
type Config struct {
	TM            TMClient
	RMs           map[string]RMClient // table name -> RM client
	Logger        *zap.Logger
	AutoAbort     bool
	CommitTimeout time.Duration
}

// Controller is the WorkflowController core. It is stateless across
// calls except for the administrative "unavailable" flag die/reconnect
// toggle.
type Controller struct {
	tm            TMClient
	rms           map[string]RMClient
	logger        *zap.Logger
	autoAbort     bool
	commitTimeout time.Duration

	mu          sync.RWMutex
	unavailable bool
}

// New builds a WorkflowController.
func New(cfg Config) *Controller {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	return &Controller{
		tm:            cfg.TM,
		rms:           cfg.RMs,
		logger:        cfg.Logger,
		autoAbort:     cfg.AutoAbort,
		commitTimeout: cfg.CommitTimeout,
	}
}

// ErrUnavailable is returned by every operation once Die has been
// called.
var ErrUnavailable = errors.New("wc: controller marked unavailable")

func (c *Controller) checkAvailable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.unavailable {
		return ErrUnavailable
	}
	return nil
}

// Die marks the controller unavailable; every subsequent call returns
// ErrUnavailable (surfaced as 503) until Reconnect is called.
func (c *Controller) Die() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = true
}

// Reconnect clears the unavailable flag and probes no endpoints itself
// -- each RM/TM client is already a thin stateless HTTP wrapper, so
// "rebuilding" it is just resuming calls through the same client.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = false
}

func (c *Controller) rm(table string) (RMClient, error) {
	client, ok := c.rms[table]
	if !ok {
		return nil, fmt.Errorf("wc: no RM client registered for table %q", table)
	}
	return client, nil
}

// Outcome reports what a business-verb call did to its transaction.
type Outcome struct {
	XID                string
	Status             wire.TxStatus
	TransactionAborted bool
}

// runInTxn starts a transaction, runs work under its xid, and on
// success commits; on failure from work it best-effort auto-aborts (if
// configured) and returns the original error with the abort reflected
// in the outcome. verb labels the call for WC request metrics.
func (c *Controller) runInTxn(ctx context.Context, verb string, work func(xid string) error) (outcome Outcome, err error) {
	timer := metrics.NewTimer()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		timer.ObserveDurationVec(metrics.WCRequestDuration, verb)
		metrics.WCRequestsTotal.WithLabelValues(verb, result).Inc()
	}()

	if err := c.checkAvailable(); err != nil {
		return Outcome{}, err
	}

	xid, err := c.tm.Start(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("wc: start transaction: %w", err)
	}

	if werr := work(xid); werr != nil {
		aborted := false
		if c.autoAbort {
			if abortErr := c.tm.Abort(ctx, xid); abortErr != nil {
				c.logger.Warn("best-effort auto-abort failed",
					zap.String("xid", xid), zap.Error(abortErr))
			}
			aborted = true
			metrics.WCAutoAbortsTotal.Inc()
		}
		return Outcome{XID: xid, Status: wire.TxAborted, TransactionAborted: aborted}, werr
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	defer cancel()
	status, err := c.tm.Commit(commitCtx, xid)
	if err != nil {
		return Outcome{XID: xid, Status: wire.TxInDoubt}, fmt.Errorf("wc: commit transaction: %w", err)
	}
	return Outcome{XID: xid, Status: status}, nil
}

// --- inventory verbs (flights, cars, rooms share one shape) ---

func (c *Controller) addInventory(ctx context.Context, table, key string, price, numSeats, numAvail int64) (Outcome, error) {
	client, err := c.rm(table)
	if err != nil {
		return Outcome{}, err
	}
	return c.runInTxn(ctx, "add_"+table, func(xid string) error {
		return client.Add(ctx, xid, key, record.Fields{
			"price":    price,
			"numSeats": numSeats,
			"numAvail": numAvail,
		})
	})
}

func (c *Controller) AddFlight(ctx context.Context, key string, price, numSeats, numAvail int64) (Outcome, error) {
	return c.addInventory(ctx, TableFlights, key, price, numSeats, numAvail)
}

func (c *Controller) AddCars(ctx context.Context, location string, price, numSeats, numAvail int64) (Outcome, error) {
	return c.addInventory(ctx, TableCars, location, price, numSeats, numAvail)
}

func (c *Controller) AddRooms(ctx context.Context, location string, price, numSeats, numAvail int64) (Outcome, error) {
	return c.addInventory(ctx, TableRooms, location, price, numSeats, numAvail)
}

func (c *Controller) AddCustomer(ctx context.Context, custName string, balance int64) (Outcome, error) {
	client, err := c.rm(TableCustomers)
	if err != nil {
		return Outcome{}, err
	}
	return c.runInTxn(ctx, "add_customer", func(xid string) error {
		return client.Add(ctx, xid, custName, record.Fields{"balance": balance})
	})
}

func (c *Controller) DeleteFlight(ctx context.Context, key string) (Outcome, error) {
	client, err := c.rm(TableFlights)
	if err != nil {
		return Outcome{}, err
	}
	return c.runInTxn(ctx, "delete_flight", func(xid string) error {
		return client.Delete(ctx, xid, key)
	})
}

func (c *Controller) DeleteCustomer(ctx context.Context, custName string) (Outcome, error) {
	client, err := c.rm(TableCustomers)
	if err != nil {
		return Outcome{}, err
	}
	return c.runInTxn(ctx, "delete_customer", func(xid string) error {
		return client.Delete(ctx, xid, custName)
	})
}

// queryOne runs a single read under its own short-lived transaction;
// the subsequent commit is a no-op on the RM side since nothing was
// written.
func (c *Controller) queryOne(ctx context.Context, table, key string) (record.Fields, error) {
	client, err := c.rm(table)
	if err != nil {
		return nil, err
	}
	var fields record.Fields
	_, err = c.runInTxn(ctx, "query_"+table, func(xid string) error {
		f, rerr := client.Read(ctx, xid, key)
		if rerr != nil {
			return rerr
		}
		fields = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

func (c *Controller) QueryFlight(ctx context.Context, key string) (record.Fields, error) {
	return c.queryOne(ctx, TableFlights, key)
}

func (c *Controller) QueryCar(ctx context.Context, key string) (record.Fields, error) {
	return c.queryOne(ctx, TableCars, key)
}

func (c *Controller) QueryRoom(ctx context.Context, key string) (record.Fields, error) {
	return c.queryOne(ctx, TableRooms, key)
}

func (c *Controller) QueryCustomer(ctx context.Context, custName string) (record.Fields, error) {
	return c.queryOne(ctx, TableCustomers, custName)
}

// reservationKey encodes a reservation's composite primary key.
func reservationKey(custName, resvType, resvKey string) (string, error) {
	return storage.EncodeComposite(reservationKeyWidths, custName, resvType, resvKey)
}

// reserveOne implements the core 4-step reserve contract against one
// inventory table, inside an already-open transaction.
func (c *Controller) reserveOne(ctx context.Context, xid, table, custName, resvType, resvKey string, quantity int64) error {
	customers, err := c.rm(TableCustomers)
	if err != nil {
		return err
	}
	inventory, err := c.rm(table)
	if err != nil {
		return err
	}
	reservations, err := c.rm(TableReservations)
	if err != nil {
		return err
	}

	// Step 1: verify customer exists.
	if _, err := customers.Read(ctx, xid, custName); err != nil {
		return fmt.Errorf("wc: verify customer %q: %w", custName, err)
	}

	// Step 2: verify inventory exists and has available quantity.
	fields, err := inventory.Read(ctx, xid, resvKey)
	if err != nil {
		return fmt.Errorf("wc: verify inventory %q: %w", resvKey, err)
	}
	numAvail, _ := fields["numAvail"].(int64)
	if numAvail < quantity {
		return &wire.CodedError{Code: wire.ErrInsufficientAvailability, Key: resvKey}
	}

	// Step 3: decrement numAvail.
	if err := inventory.Update(ctx, xid, resvKey, record.Fields{"numAvail": numAvail - quantity}); err != nil {
		return fmt.Errorf("wc: decrement availability for %q: %w", resvKey, err)
	}

	// Step 4: insert the reservation record.
	key, err := reservationKey(custName, resvType, resvKey)
	if err != nil {
		return fmt.Errorf("wc: encode reservation key: %w", err)
	}
	price, _ := fields["price"].(int64)
	if err := reservations.Add(ctx, xid, key, record.Fields{
		"custName": custName,
		"resvType": resvType,
		"resvKey":  resvKey,
		"price":    price,
	}); err != nil {
		return fmt.Errorf("wc: insert reservation: %w", err)
	}
	return nil
}

func (c *Controller) reserveSingle(ctx context.Context, table, custName, resvType, resvKey string, quantity int64) (Outcome, error) {
	return c.runInTxn(ctx, "reserve_"+resvType, func(xid string) error {
		return c.reserveOne(ctx, xid, table, custName, resvType, resvKey, quantity)
	})
}

func (c *Controller) ReserveFlight(ctx context.Context, custName, flightID string, quantity int64) (Outcome, error) {
	return c.reserveSingle(ctx, TableFlights, custName, "flight", flightID, quantity)
}

func (c *Controller) ReserveCar(ctx context.Context, custName, location string, quantity int64) (Outcome, error) {
	return c.reserveSingle(ctx, TableCars, custName, "car", location, quantity)
}

func (c *Controller) ReserveRoom(ctx context.Context, custName, location string, quantity int64) (Outcome, error) {
	return c.reserveSingle(ctx, TableRooms, custName, "room", location, quantity)
}

// ReserveItinerary reserves several inventory legs for one customer
// under a single transaction: a direct generalization of the 4-step
// reserve contract to N inventory RMs instead of exactly one, still
// ending in one reservation insert per leg.
func (c *Controller) ReserveItinerary(ctx context.Context, custName string, legs []ReservedLeg) (Outcome, error) {
	return c.runInTxn(ctx, "reserve_itinerary", func(xid string) error {
		for _, leg := range legs {
			if err := c.reserveOne(ctx, xid, leg.Table, custName, leg.ResvType, leg.ResvKey, leg.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}
