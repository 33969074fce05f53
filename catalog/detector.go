package catalog

import (
	"context"
	"fmt"
	"sync"

	"floorwatch/internal/channel"
	"floorwatch/logger"
	"floorwatch/models"
)

// Detector is the single writer of the Store. It consumes raw collection
// updates from both the toplist scanner and the push stream, drops updates
// with no economic content and forwards merged snapshots downstream. A
// single worker keeps per-slug updates ordered.
type Detector struct {
	store    *Store
	channels *channel.Channels
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	processed int64
	dropped   int64
	forwarded int64
}

func NewDetector(store *Store, channels *channel.Channels) *Detector {
	return &Detector{
		store:    store,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("detector already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	log := d.log.WithComponent("change_detector").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting change detector")

	d.wg.Add(1)
	go d.worker()

	log.Info("change detector started successfully")
	return nil
}

func (d *Detector) Stop() {
	d.mu.Lock()
	d.running = false
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.log.WithComponent("change_detector").Info("stopping change detector")
	d.wg.Wait()
	d.log.WithComponent("change_detector").WithFields(logger.Fields{
		"processed": d.processed,
		"dropped":   d.dropped,
		"forwarded": d.forwarded,
	}).Info("change detector stopped")
}

func (d *Detector) worker() {
	defer d.wg.Done()

	log := d.log.WithComponent("change_detector").WithFields(logger.Fields{"worker": "detector"})
	log.Info("starting detector worker")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case update, ok := <-d.channels.Updates:
			if !ok {
				log.Info("updates channel closed, worker stopping")
				return
			}
			d.process(update)
		}
	}
}

func (d *Detector) process(update *models.Collection) {
	d.processed++

	if update == nil || update.Slug == "" {
		d.dropped++
		d.log.WithComponent("change_detector").Warn("update without slug dropped")
		return
	}

	existing := d.store.Get(update.Slug)
	if existing == nil {
		// First sighting: store verbatim and forward.
		d.store.Upsert(update)
		d.forward(update)
		return
	}

	if models.SamePriceState(existing, update) {
		// The primary defense against push-update storms with no
		// economic content.
		d.dropped++
		d.log.WithComponent("change_detector").WithFields(logger.Fields{
			"slug": update.Slug,
		}).Debug("no-op update dropped")
		return
	}

	merged := d.store.Merge(update)
	d.forward(merged)
}

func (d *Detector) forward(c *models.Collection) {
	// The stored entry keeps being merged into after this point. Consumers
	// get a detached snapshot so a later merge never races their reads.
	snapshot := c.Clone()
	if d.channels.SendChanged(d.ctx, snapshot) {
		d.forwarded++
		logger.IncrementUpdateRead(1)
	} else if d.ctx.Err() == nil {
		d.log.WithComponent("change_detector").WithFields(logger.Fields{
			"slug": c.Slug,
		}).Warn("changed channel full, snapshot not forwarded")
	}
}
