package cluster

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/id"
)

// Elector keeps trying to hold the leader lease for one worker ID.
type Elector struct {
	store    Store
	workerID id.WorkerID
	ttl      time.Duration
	logger   *slog.Logger

	leader atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewElector creates an elector. It does nothing until Start.
func NewElector(store Store, workerID id.WorkerID, ttl time.Duration, logger *slog.Logger) *Elector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		store:    store,
		workerID: workerID,
		ttl:      ttl,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// IsLeader reports whether the last acquire or renew succeeded.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Start tries once immediately and then every ttl/2.
func (e *Elector) Start(ctx context.Context) {
	e.Campaign(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.Campaign(context.Background())
			}
		}
	}()
}

// Stop ends the campaign loop. The lease is left to expire.
func (e *Elector) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.leader.Store(false)
}

// Campaign renews the lease if held, otherwise tries to acquire it.
func (e *Elector) Campaign(ctx context.Context) {
	renewed, err := e.store.RenewLeadership(ctx, e.workerID, e.ttl)
	if err != nil {
		e.logger.Warn("leadership renew error", slog.String("error", err.Error()))
		e.leader.Store(false)
		return
	}
	if renewed {
		e.leader.Store(true)
		return
	}

	acquired, err := e.store.AcquireLeadership(ctx, e.workerID, e.ttl)
	if err != nil {
		e.logger.Warn("leadership acquire error", slog.String("error", err.Error()))
		e.leader.Store(false)
		return
	}
	was := e.leader.Swap(acquired)
	if acquired && !was {
		e.logger.Info("acquired scheduler leadership", slog.String("worker_id", e.workerID.String()))
	}
	if !acquired && was {
		e.logger.Warn("lost scheduler leadership", slog.String("worker_id", e.workerID.String()))
	}
}
