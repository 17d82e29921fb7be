// Package orchestrator coordinates the trading engine: admission control,
// price computation, pair creation, routing of order-stream events into the
// lifecycle registry, and the timeout sweep.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "otoflow/config"
	"otoflow/internal/calc"
	"otoflow/internal/channel"
	"otoflow/internal/enginerr"
	"otoflow/internal/placement"
	"otoflow/internal/registry"
	"otoflow/internal/volatility"
	"otoflow/logger"
	"otoflow/models"
)

const (
	reasonCanExecute   = "can execute"
	reasonActiveOrder  = "user already has an active order"
	reasonVolatility   = "price volatility too high"
	reasonSellNotBelow = "sell price should be below buy price"
	reasonSpreadSmall  = "spread too small to fill quickly"
	reasonSpreadLarge  = "spread too large, risk of loss"
)

// MarketInfo exposes the per-symbol volatility snapshot used by admission
// control. Implemented by market.Manager.
type MarketInfo interface {
	Info(symbol string) (volatility.Info, bool)
}

// Stats is a read-only snapshot of engine activity, computed on demand.
type Stats struct {
	Pairs        map[models.PairStatus]int
	VolumeTraded decimal.Decimal
}

// Orchestrator is the top-level coordinator of the trading engine.
type Orchestrator struct {
	config   *appconfig.Config
	registry *registry.Registry
	market   MarketInfo
	placer   placement.Placer
	channels *channel.Channels

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	volumeMu     sync.Mutex
	volumeTraded decimal.Decimal
}

// New creates an orchestrator. placer may be nil when placement is disabled;
// automatic execution then stays off.
func New(cfg *appconfig.Config, reg *registry.Registry, market MarketInfo, placer placement.Placer, ch *channel.Channels) *Orchestrator {
	return &Orchestrator{
		config:   cfg,
		registry: reg,
		market:   market,
		placer:   placer,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the event router, the tick consumer and the timeout sweeper.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.ctx = ctx
	o.mu.Unlock()

	log := o.log.WithComponent("orchestrator")
	log.WithFields(logger.Fields{
		"auto_execute":   o.config.Trading.AutoExecute,
		"sweep_interval": o.config.Trading.SweepInterval().String(),
		"order_timeout":  o.config.Trading.OrderTimeout().String(),
	}).Info("starting orchestrator")

	o.wg.Add(3)
	go o.routeLoop()
	go o.tradeLoop()
	go o.sweepLoop()

	log.Info("orchestrator started successfully")
	return nil
}

// Stop waits for all orchestrator workers to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()

	o.log.WithComponent("orchestrator").Info("stopping orchestrator")
	o.wg.Wait()
	o.log.WithComponent("orchestrator").Info("orchestrator stopped")
}

// CanExecute is the pre-trade admission check: single active order and
// acceptable volatility. Balance checks belong to an external collaborator.
func (o *Orchestrator) CanExecute(userID, symbol string) (bool, string) {
	if o.registry.HasActive(userID) {
		return false, reasonActiveOrder
	}
	if o.market != nil {
		if info, ok := o.market.Info(symbol); ok && info.IsAlert {
			return false, reasonVolatility
		}
	}
	return true, reasonCanExecute
}

// ComputePrices derives both legs from the current price and the configured
// offsets.
func (o *Orchestrator) ComputePrices(current decimal.Decimal) (buyPrice, sellPrice decimal.Decimal, err error) {
	precision := o.config.Trading.PricePrecision
	buyPrice, err = calc.BuyPrice(current, decimal.NewFromFloat(o.config.Trading.BuyOffsetPct), precision)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	sellPrice, err = calc.SellPrice(current, decimal.NewFromFloat(o.config.Trading.SellOffsetPct), precision)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return buyPrice, sellPrice, nil
}

// Validate checks an order pair before placement and returns a
// human-readable rejection reason.
func (o *Orchestrator) Validate(symbol string, quantity, buyPrice, sellPrice decimal.Decimal) (bool, string) {
	if !quantity.IsPositive() {
		return false, "quantity must be positive"
	}
	if !buyPrice.IsPositive() || !sellPrice.IsPositive() {
		return false, "prices must be positive"
	}
	if !sellPrice.LessThan(buyPrice) {
		return false, reasonSellNotBelow
	}

	spread, err := calc.Spread(buyPrice, sellPrice)
	if err != nil {
		return false, "prices must be positive"
	}
	if spread.LessThan(decimal.NewFromFloat(o.config.Trading.MinSpreadPct)) {
		return false, reasonSpreadSmall
	}
	if spread.GreaterThan(decimal.NewFromFloat(o.config.Trading.MaxSpreadPct)) {
		return false, reasonSpreadLarge
	}
	return true, "valid"
}

// CreatePair runs admission and validation, then registers a new pair. The
// returned pair is handed to the external placement collaborator.
func (o *Orchestrator) CreatePair(userID, symbol string, quantity, buyPrice, sellPrice decimal.Decimal) (*models.OTOOrderPair, error) {
	ok, reason := o.CanExecute(userID, symbol)
	if !ok {
		if reason == reasonActiveOrder {
			return nil, fmt.Errorf("%w: %s", enginerr.ErrConflict, reason)
		}
		return nil, &enginerr.ValidationError{Reason: reason}
	}
	if ok, reason := o.Validate(symbol, quantity, buyPrice, sellPrice); !ok {
		return nil, &enginerr.ValidationError{Reason: reason}
	}

	pair := &models.OTOOrderPair{
		ID:        uuid.NewString(),
		UserID:    userID,
		Symbol:    symbol,
		BuyPrice:  buyPrice,
		SellPrice: sellPrice,
		Quantity:  quantity,
		Status:    models.PairPending,
	}
	if err := o.registry.Create(pair); err != nil {
		return nil, err
	}
	return pair, nil
}

// TryTrade runs the full pipeline for one tick: admission, prices,
// validation, registration, external placement, ref attachment. A failed
// placement rolls the pair back to CANCELLED.
func (o *Orchestrator) TryTrade(ctx context.Context, userID string, tick models.PriceTick) (*models.OTOOrderPair, error) {
	if o.placer == nil {
		return nil, &enginerr.ValidationError{Reason: "order placement is not configured"}
	}

	buyPrice, sellPrice, err := o.ComputePrices(tick.Price)
	if err != nil {
		return nil, err
	}

	quantity := decimal.NewFromFloat(o.config.Trading.Quantity)
	pair, err := o.CreatePair(userID, tick.Symbol, quantity, buyPrice, sellPrice)
	if err != nil {
		return nil, err
	}

	res, err := o.placer.PlaceOTO(ctx, tick.Symbol, quantity, buyPrice, sellPrice, o.config.Trading.Chain)
	if err != nil {
		o.registry.ApplyCancelled(pair.ID)
		return nil, fmt.Errorf("order placement failed: %w", err)
	}
	o.registry.SetOrderRefs(pair.ID, res.BuyRef, res.SellRef)
	pair.BuyRef = res.BuyRef
	pair.SellRef = res.SellRef

	o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"pair_id":    pair.ID,
		"user_id":    userID,
		"symbol":     tick.Symbol,
		"buy_price":  buyPrice.String(),
		"sell_price": sellPrice.String(),
	}).Info("order pair placed")
	return pair, nil
}

// Stats derives pair counts and traded volume from current registry state.
func (o *Orchestrator) Stats() Stats {
	o.volumeMu.Lock()
	volume := o.volumeTraded
	o.volumeMu.Unlock()
	return Stats{
		Pairs:        o.registry.CountByStatus(),
		VolumeTraded: volume,
	}
}

// routeLoop applies order-stream events to the registry in arrival order.
func (o *Orchestrator) routeLoop() {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"worker": "event_router"})
	for {
		select {
		case <-o.ctx.Done():
			log.Info("event router stopped")
			return
		case ev, ok := <-o.channels.Orders:
			if !ok {
				log.Info("order event channel closed")
				return
			}
			o.applyEvent(log, ev)
		}
	}
}

func (o *Orchestrator) applyEvent(log *logger.Entry, ev models.OrderEvent) {
	pairID, ok := o.registry.PairByOrderRef(ev.OrderRef)
	if !ok {
		log.WithFields(logger.Fields{"order_ref": ev.OrderRef}).Debug("event for unknown order reference")
		return
	}

	switch ev.Kind {
	case models.OrderEventBuyFilled:
		if o.registry.ApplyBuyFilled(pairID) {
			o.addVolume(ev.ExecutedQty)
		}
	case models.OrderEventSellFilled:
		if o.registry.ApplySellFilled(pairID) {
			o.addVolume(ev.ExecutedQty)
		}
	case models.OrderEventCancelled:
		o.registry.ApplyCancelled(pairID)
	default:
		log.WithFields(logger.Fields{
			"order_ref": ev.OrderRef,
			"status":    ev.Status,
		}).Debug("ignoring order event")
	}
}

// tradeLoop drains the tick channel and, when automatic execution is on,
// runs the trade pipeline for the configured user.
func (o *Orchestrator) tradeLoop() {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"worker": "trade_loop"})
	autoExecute := o.config.Trading.AutoExecute && o.placer != nil
	userID := o.config.Trading.UserID

	for {
		select {
		case <-o.ctx.Done():
			log.Info("trade loop stopped")
			return
		case tick, ok := <-o.channels.Ticks:
			if !ok {
				log.Info("tick channel closed")
				return
			}
			if !autoExecute {
				continue
			}
			if _, err := o.TryTrade(o.ctx, userID, tick); err != nil {
				if enginerr.IsValidation(err) {
					log.WithFields(logger.Fields{"symbol": tick.Symbol, "reason": err.Error()}).Debug("trade skipped")
				} else {
					log.WithError(err).Warn("trade attempt failed")
				}
			}
		}
	}
}

// sweepLoop cancels timed-out pairs on a fixed cadence and reports volume
// progress.
func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"worker": "timeout_sweeper"})
	ticker := time.NewTicker(o.config.Trading.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			log.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			expired := o.registry.SweepTimeouts(time.Now().UTC(), o.config.Trading.OrderTimeout())
			if len(expired) > 0 {
				log.WithFields(logger.Fields{"pair_ids": expired}).Warn("cancelled timed out order pairs")
			}
			o.reportVolumeProgress(log)
		}
	}
}

func (o *Orchestrator) reportVolumeProgress(log *logger.Entry) {
	if o.config.Volume.Target <= 0 {
		return
	}

	o.volumeMu.Lock()
	traded := o.volumeTraded
	o.volumeMu.Unlock()

	target := decimal.NewFromFloat(o.config.Volume.Target)
	perCycle := decimal.NewFromFloat(o.config.Volume.PerCycleAmount)
	multiplier := decimal.NewFromFloat(o.config.Volume.Multiplier)

	cycles, err := calc.RequiredCycles(target, traded, perCycle, multiplier)
	if err != nil {
		log.WithError(err).Debug("volume cycle computation skipped")
		return
	}
	progress, err := calc.ProgressPercentage(target, traded, multiplier)
	if err != nil {
		return
	}

	log.WithFields(logger.Fields{
		"volume_traded":    traded.String(),
		"progress_pct":     progress.StringFixed(2),
		"remaining_cycles": cycles,
	}).Info("volume progress")
}

func (o *Orchestrator) addVolume(qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	o.volumeMu.Lock()
	o.volumeTraded = o.volumeTraded.Add(qty)
	o.volumeMu.Unlock()
}
