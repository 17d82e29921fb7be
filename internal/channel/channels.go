package channel

import (
	"context"
	"sync"

	"otoflow/logger"
	"otoflow/models"
)

type Stats struct {
	TicksSent     int64
	TicksDropped  int64
	OrdersSent    int64
	OrdersDropped int64
}

// Channels bundles the typed queues between the stream owners and the
// orchestrator: market ticks in, order-stream events in.
type Channels struct {
	Ticks  chan models.PriceTick
	Orders chan models.OrderEvent

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(tickBufferSize, orderBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Ticks:  make(chan models.PriceTick, tickBufferSize),
		Orders: make(chan models.OrderEvent, orderBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"tick_buffer_size":  tickBufferSize,
		"order_buffer_size": orderBufferSize,
	}).Info("engine channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Ticks)
	close(c.Orders)
	c.log.WithComponent("channels").Info("engine channels closed")
}

// SendTick forwards a tick without blocking the stream read loop. A full
// buffer drops the tick; losing a sample is preferable to stalling the socket.
func (c *Channels) SendTick(ctx context.Context, tick models.PriceTick) bool {
	select {
	case c.Ticks <- tick:
		c.statsMutex.Lock()
		c.stats.TicksSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("ticks", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.TicksDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendOrderEvent forwards an order event without blocking the read loop.
// Unlike ticks these carry fills and cancels, so a drop is logged loudly.
func (c *Channels) SendOrderEvent(ctx context.Context, ev models.OrderEvent) bool {
	select {
	case c.Orders <- ev:
		c.statsMutex.Lock()
		c.stats.OrdersSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("orders", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.OrdersDropped++
		c.statsMutex.Unlock()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"user_id":   ev.UserID,
			"kind":      string(ev.Kind),
			"order_ref": ev.OrderRef,
		}).Warn("order event dropped, buffer full")
		return false
	}
}

func (c *Channels) Stats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
