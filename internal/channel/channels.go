package channel

import (
	"context"
	"sync"

	"floorwatch/logger"
	"floorwatch/models"
)

type ChannelStats struct {
	UpdatesSent       int64
	UpdatesDropped    int64
	ChangedSent       int64
	ChangedDropped    int64
	CandidatesSent    int64
	CandidatesDropped int64
	AlertsSent        int64
	AlertsDropped     int64
}

// Channels wires the pipeline together: Updates carries raw (possibly
// partial) collection objects into the change detector, Changed carries
// merged snapshots to the alert engine, Candidates carries slug sets to the
// stream subscription manager and Alerts carries delivery records to the
// history writer.
type Channels struct {
	Updates    chan *models.Collection
	Changed    chan *models.Collection
	Candidates chan []string
	Alerts     chan models.SentAlert

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(cfg ChannelSizes) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Updates:    make(chan *models.Collection, cfg.Updates),
		Changed:    make(chan *models.Collection, cfg.Changed),
		Candidates: make(chan []string, cfg.Candidates),
		Alerts:     make(chan models.SentAlert, cfg.Alerts),
		log:        log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"update_buffer":    cfg.Updates,
		"changed_buffer":   cfg.Changed,
		"candidate_buffer": cfg.Candidates,
		"alert_buffer":     cfg.Alerts,
	}).Info("pipeline channels initialized")

	return c
}

// ChannelSizes holds the buffer capacity for each pipeline channel.
type ChannelSizes struct {
	Updates    int
	Changed    int
	Candidates int
	Alerts     int
}

func (c *Channels) Close() {
	close(c.Updates)
	close(c.Changed)
	close(c.Candidates)
	close(c.Alerts)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

// SendUpdate offers a raw update to the change detector without ever
// blocking the caller. A full buffer drops the update; the next full scan
// repairs any lost state.
func (c *Channels) SendUpdate(ctx context.Context, item *models.Collection) bool {
	select {
	case c.Updates <- item:
		c.bump(func(s *ChannelStats) { s.UpdatesSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.UpdatesDropped++ })
		return false
	}
}

func (c *Channels) SendChanged(ctx context.Context, item *models.Collection) bool {
	select {
	case c.Changed <- item:
		c.bump(func(s *ChannelStats) { s.ChangedSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.ChangedDropped++ })
		return false
	}
}

func (c *Channels) SendCandidates(ctx context.Context, slugs []string) bool {
	select {
	case c.Candidates <- slugs:
		c.bump(func(s *ChannelStats) { s.CandidatesSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.CandidatesDropped++ })
		return false
	}
}

func (c *Channels) SendAlert(ctx context.Context, alert models.SentAlert) bool {
	select {
	case c.Alerts <- alert:
		c.bump(func(s *ChannelStats) { s.AlertsSent++ })
		return true
	case <-ctx.Done():
		return false
	default:
		c.bump(func(s *ChannelStats) { s.AlertsDropped++ })
		return false
	}
}

func (c *Channels) bump(fn func(*ChannelStats)) {
	c.statsMutex.Lock()
	fn(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
