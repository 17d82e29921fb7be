// Package registry owns every OTO order pair after creation and drives the
// lifecycle state machine:
//
//	PENDING --buy fill--> BUY_FILLED --sell fill--> COMPLETED
//	PENDING|BUY_FILLED --cancel event|timeout--> CANCELLED
//
// COMPLETED and CANCELLED are terminal. For a given user at most one pair
// with a non-terminal status exists at any time.
package registry

import (
	"fmt"
	"sync"
	"time"

	"otoflow/internal/enginerr"
	"otoflow/logger"
	"otoflow/models"
)

// Registry is the single-writer owner of all order pairs. All mutation goes
// through one mutex, which also gives admission-control readers a consistent
// snapshot: no transition is ever observed half-applied.
type Registry struct {
	mu           sync.RWMutex
	pairs        map[string]*models.OTOOrderPair
	activeByUser map[string]string // user id -> active pair id
	byOrderRef   map[string]string // exchange order ref -> pair id
	log          *logger.Log
}

func New() *Registry {
	return &Registry{
		pairs:        make(map[string]*models.OTOOrderPair),
		activeByUser: make(map[string]string),
		byOrderRef:   make(map[string]string),
		log:          logger.GetLogger(),
	}
}

// Create registers a new pair. It fails when the user already has a
// non-terminal pair.
func (r *Registry) Create(pair *models.OTOOrderPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if activeID, ok := r.activeByUser[pair.UserID]; ok {
		return fmt.Errorf("%w: user %s already has active pair %s", enginerr.ErrConflict, pair.UserID, activeID)
	}

	now := time.Now().UTC()
	if pair.Status == "" {
		pair.Status = models.PairPending
	}
	if pair.CreatedAt.IsZero() {
		pair.CreatedAt = now
	}
	pair.UpdatedAt = now

	stored := *pair
	r.pairs[stored.ID] = &stored
	r.activeByUser[stored.UserID] = stored.ID
	r.indexRefsLocked(&stored)

	logger.IncrementPairCreated()
	r.log.WithComponent("order_registry").WithFields(logger.Fields{
		"pair_id": stored.ID,
		"user_id": stored.UserID,
		"symbol":  stored.Symbol,
	}).Info("order pair registered")
	return nil
}

// SetOrderRefs attaches the exchange order references returned by the
// placement collaborator and indexes them for event routing.
func (r *Registry) SetOrderRefs(pairID, buyRef, sellRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[pairID]
	if !ok {
		return false
	}
	pair.BuyRef = buyRef
	pair.SellRef = sellRef
	pair.UpdatedAt = time.Now().UTC()
	r.indexRefsLocked(pair)
	return true
}

// ApplyBuyFilled transitions PENDING -> BUY_FILLED. No-op-safe: returns false
// for an unknown id or an invalid source state.
func (r *Registry) ApplyBuyFilled(pairID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[pairID]
	if !ok || pair.Status != models.PairPending {
		return false
	}
	pair.Status = models.PairBuyFilled
	pair.UpdatedAt = time.Now().UTC()
	r.log.WithComponent("order_registry").WithFields(logger.Fields{
		"pair_id": pairID,
		"user_id": pair.UserID,
	}).Info("buy leg filled")
	return true
}

// ApplySellFilled transitions BUY_FILLED -> COMPLETED and removes the pair
// from the active index.
func (r *Registry) ApplySellFilled(pairID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[pairID]
	if !ok || pair.Status != models.PairBuyFilled {
		return false
	}
	pair.Status = models.PairCompleted
	pair.UpdatedAt = time.Now().UTC()
	r.deactivateLocked(pair)

	logger.IncrementPairCompleted()
	r.log.WithComponent("order_registry").WithFields(logger.Fields{
		"pair_id": pairID,
		"user_id": pair.UserID,
	}).Info("order pair completed")
	return true
}

// ApplyCancelled transitions PENDING|BUY_FILLED -> CANCELLED and removes the
// pair from the active index.
func (r *Registry) ApplyCancelled(pairID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(pairID)
}

func (r *Registry) cancelLocked(pairID string) bool {
	pair, ok := r.pairs[pairID]
	if !ok || pair.Status.Terminal() {
		return false
	}
	pair.Status = models.PairCancelled
	pair.UpdatedAt = time.Now().UTC()
	r.deactivateLocked(pair)

	logger.IncrementPairCancelled()
	r.log.WithComponent("order_registry").WithFields(logger.Fields{
		"pair_id": pairID,
		"user_id": pair.UserID,
	}).Info("order pair cancelled")
	return true
}

// SweepTimeouts cancels every active pair created before now-timeout and
// returns their ids. Safe to call concurrently with Create and Apply*.
func (r *Registry) SweepTimeouts(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-timeout)
	var expired []string
	for _, pairID := range r.activeByUser {
		pair := r.pairs[pairID]
		if pair != nil && pair.CreatedAt.Before(cutoff) {
			expired = append(expired, pairID)
		}
	}
	for _, pairID := range expired {
		r.cancelLocked(pairID)
	}
	return expired
}

// HasActive reports whether the user has a non-terminal pair.
func (r *Registry) HasActive(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.activeByUser[userID]
	return ok
}

// ActiveFor returns a copy of the user's active pair, if any.
func (r *Registry) ActiveFor(userID string) (models.OTOOrderPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pairID, ok := r.activeByUser[userID]
	if !ok {
		return models.OTOOrderPair{}, false
	}
	return *r.pairs[pairID], true
}

// Get returns a copy of any known pair, terminal or not.
func (r *Registry) Get(pairID string) (models.OTOOrderPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pair, ok := r.pairs[pairID]
	if !ok {
		return models.OTOOrderPair{}, false
	}
	return *pair, true
}

// PairByOrderRef resolves an exchange order reference to a pair id.
func (r *Registry) PairByOrderRef(ref string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pairID, ok := r.byOrderRef[ref]
	return pairID, ok
}

// CountByStatus returns pair counts per status over all known pairs.
func (r *Registry) CountByStatus() map[models.PairStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.PairStatus]int)
	for _, pair := range r.pairs {
		counts[pair.Status]++
	}
	return counts
}

func (r *Registry) indexRefsLocked(pair *models.OTOOrderPair) {
	if pair.BuyRef != "" {
		r.byOrderRef[pair.BuyRef] = pair.ID
	}
	if pair.SellRef != "" {
		r.byOrderRef[pair.SellRef] = pair.ID
	}
}

func (r *Registry) deactivateLocked(pair *models.OTOOrderPair) {
	if activeID, ok := r.activeByUser[pair.UserID]; ok && activeID == pair.ID {
		delete(r.activeByUser, pair.UserID)
	}
}
