package alert

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"floorwatch/catalog"
	appconfig "floorwatch/config"
	"floorwatch/dispatch"
	"floorwatch/internal/channel"
	"floorwatch/logger"
	"floorwatch/models"
	"floorwatch/subscriber"
)

// alertState is the per-slug, per-subscriber notification history used for
// cooldown and step suppression.
type alertState struct {
	lastNotified time.Time
	lastGap      float64
	hasGap       bool
}

// Engine evaluates every changed collection snapshot against each
// subscriber's filter chain and hands deliverable alerts to the dispatch
// registry. A single worker keeps the per-slug state free of locks.
type Engine struct {
	config      *appconfig.Config
	store       *catalog.Store
	latch       *catalog.ScanLatch
	subscribers *subscriber.Store
	dispatch    *dispatch.Registry
	channels    *channel.Channels
	states      map[string]map[int64]*alertState
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log

	// Metrics
	evaluated  int64
	delivered  int64
	suppressed int64
}

func NewEngine(cfg *appconfig.Config, store *catalog.Store, latch *catalog.ScanLatch, subs *subscriber.Store, registry *dispatch.Registry, channels *channel.Channels) *Engine {
	return &Engine{
		config:      cfg,
		store:       store,
		latch:       latch,
		subscribers: subs,
		dispatch:    registry,
		channels:    channels,
		states:      make(map[string]map[int64]*alertState),
		now:         time.Now,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("alert engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	log := e.log.WithComponent("alert_engine").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"subscribers": e.subscribers.Len()}).Info("starting alert engine")

	e.wg.Add(1)
	go e.worker()

	log.Info("alert engine started successfully")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.log.WithComponent("alert_engine").Info("stopping alert engine")
	e.wg.Wait()
	e.log.WithComponent("alert_engine").WithFields(logger.Fields{
		"evaluated":  e.evaluated,
		"delivered":  e.delivered,
		"suppressed": e.suppressed,
	}).Info("alert engine stopped")
}

func (e *Engine) worker() {
	defer e.wg.Done()

	log := e.log.WithComponent("alert_engine").WithFields(logger.Fields{"worker": "evaluator"})
	log.Info("starting alert evaluator")

	for {
		select {
		case <-e.ctx.Done():
			log.Info("evaluator stopped due to context cancellation")
			return
		case item, ok := <-e.channels.Changed:
			if !ok {
				log.Info("changed channel closed, evaluator stopping")
				return
			}
			e.evaluate(item)
		}
	}
}

func (e *Engine) evaluate(c *models.Collection) {
	e.evaluated++

	ids := e.subscribers.IDs()
	if len(ids) == 0 {
		return
	}

	// Volume ranks are only computed when some subscriber needs them and
	// the first full scan has landed, then shared across subscribers.
	var ranks map[string]int
	rankOf := func() map[string]int {
		if ranks == nil {
			ranks = e.volumeRanks()
		}
		return ranks
	}

	for _, id := range ids {
		cfg := e.subscribers.Get(id)
		if cfg == nil {
			continue
		}
		e.evaluateFor(id, cfg, c, rankOf)
	}
}

// evaluateFor runs one subscriber's filter chain. A panic in one
// subscriber's evaluation never takes down the others.
func (e *Engine) evaluateFor(id int64, cfg *subscriber.Config, c *models.Collection, rankOf func() map[string]int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithComponent("alert_engine").WithFields(logger.Fields{
				"subscriber": id,
				"slug":       c.Slug,
				"panic":      fmt.Sprintf("%v", r),
			}).Error("subscriber evaluation panicked")
		}
	}()

	if cfg.Blocked(c.Slug) {
		return
	}

	if cfg.TopNByOneDayVolume > 0 {
		if !e.latch.Complete() {
			// Rank is meaningless before the first full catalog pass.
			e.suppressed++
			return
		}
		rank, ok := rankOf()[c.Slug]
		if !ok || rank >= cfg.TopNByOneDayVolume {
			return
		}
	}

	vol, volOK := c.OneDayVolumeUSD()
	if cfg.MinUSDOneDayVolume > 0 && (!volOK || vol < cfg.MinUSDOneDayVolume) {
		return
	}
	if cfg.MaxUSDOneDayVolume > 0 && (!volOK || vol > cfg.MaxUSDOneDayVolume) {
		return
	}

	offer, offerOK := c.TopOfferUSD()
	if cfg.MinUSDTopOffer > 0 && (!offerOK || offer < cfg.MinUSDTopOffer) {
		return
	}
	if cfg.MaxUSDTopOffer > 0 && (!offerOK || offer > cfg.MaxUSDTopOffer) {
		return
	}

	floor, floorOK := c.FloorUSD()
	if !floorOK || !offerOK || floor <= 0 {
		return
	}

	gap := (floor - offer) / floor * 100
	if gap <= cfg.DiffPercentOfferToFloor {
		return
	}

	st := e.state(c.Slug, id)
	now := e.now()

	if cfg.NotificationCooldown > 0 && !st.lastNotified.IsZero() {
		cooldown := time.Duration(cfg.NotificationCooldown) * time.Second
		if now.Sub(st.lastNotified) < cooldown {
			e.suppressed++
			return
		}
	}

	if cfg.PercentStep > 0 && st.hasGap {
		if math.Abs(gap-st.lastGap) < st.lastGap*cfg.PercentStep/100 {
			e.suppressed++
			return
		}
	}

	msg := formatAlert(c, gap, e.config.Alerts.LinkBase)
	if !e.dispatch.Enqueue(id, msg) {
		return
	}

	st.lastNotified = now
	st.lastGap = gap
	st.hasGap = true
	e.delivered++

	e.channels.SendAlert(e.ctx, models.SentAlert{
		Subscriber: id,
		Slug:       c.Slug,
		GapPercent: gap,
		Message:    msg,
		Timestamp:  now,
	})
}

func (e *Engine) state(slug string, id int64) *alertState {
	perSub := e.states[slug]
	if perSub == nil {
		perSub = make(map[int64]*alertState)
		e.states[slug] = perSub
	}
	st := perSub[id]
	if st == nil {
		st = &alertState{}
		perSub[id] = st
	}
	return st
}

// volumeRanks orders the whole catalog by one-day USD volume descending and
// returns each slug's zero-based rank.
func (e *Engine) volumeRanks() map[string]int {
	type entry struct {
		slug   string
		volume float64
	}

	var entries []entry
	e.store.Range(func(c *models.Collection) {
		if vol, ok := c.OneDayVolumeUSD(); ok {
			entries = append(entries, entry{slug: c.Slug, volume: vol})
		}
	})

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].volume != entries[j].volume {
			return entries[i].volume > entries[j].volume
		}
		return entries[i].slug < entries[j].slug
	})

	ranks := make(map[string]int, len(entries))
	for i, en := range entries {
		ranks[en.slug] = i
	}
	return ranks
}
