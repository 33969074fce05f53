package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"floorwatch/catalog"
	appconfig "floorwatch/config"
	"floorwatch/internal/channel"
	"floorwatch/logger"
	"floorwatch/models"
)

// Scanner polls the complete marketplace toplist on a fixed cadence. Each
// pass walks the paginated query to exhaustion, routes every item through
// the change detector and publishes the full slug set as subscription
// candidates. The first completed pass flips the scan latch.
type Scanner struct {
	config     *appconfig.Config
	channels   *channel.Channels
	latch      *catalog.ScanLatch
	httpClient *http.Client
	limiter    *rate.Limiter
	ctx        context.Context
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	log        *logger.Log

	// Metrics
	passes   int64
	failures int64
	items    int64
}

type topListRequest struct {
	OperationName string           `json:"operationName"`
	Query         string           `json:"query"`
	Variables     topListVariables `json:"variables"`
}

type topListVariables struct {
	Filter map[string]any `json:"filter"`
	Limit  int            `json:"limit"`
	Sort   topListSort    `json:"sort"`
	Cursor string         `json:"cursor,omitempty"`
}

type topListSort struct {
	By        string `json:"by"`
	Direction string `json:"direction"`
}

type topListResponse struct {
	Data struct {
		TopCollections *struct {
			Items          []*models.Collection `json:"items"`
			NextPageCursor string               `json:"nextPageCursor"`
		} `json:"topCollections"`
	} `json:"data"`
}

func NewScanner(cfg *appconfig.Config, channels *channel.Channels, latch *catalog.ScanLatch) *Scanner {
	rl := cfg.Catalog.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Scanner{
		config:   cfg,
		channels: channels,
		latch:    latch,
		httpClient: &http.Client{
			Timeout: cfg.Catalog.RequestTimeout.Std(),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	log := s.log.WithComponent("toplist_scanner").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"url":      s.config.Catalog.URL,
		"interval": s.config.Catalog.Interval.Std(),
	}).Info("starting toplist scanner")

	s.wg.Add(1)
	go s.run()

	log.Info("toplist scanner started successfully")
	return nil
}

func (s *Scanner) Stop() {
	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.log.WithComponent("toplist_scanner").Info("stopping toplist scanner")
	s.wg.Wait()
	s.log.WithComponent("toplist_scanner").WithFields(logger.Fields{
		"passes":   s.passes,
		"failures": s.failures,
		"items":    s.items,
	}).Info("toplist scanner stopped")
}

func (s *Scanner) run() {
	defer s.wg.Done()

	log := s.log.WithComponent("toplist_scanner").WithFields(logger.Fields{"worker": "scan_loop"})

	backoff := s.config.Catalog.Backoff.BaseDelay.Std()
	maxBackoff := s.config.Catalog.Backoff.MaxDelay.Std()

	for {
		if s.ctx.Err() != nil {
			log.Info("scan loop stopped due to context cancellation")
			return
		}

		start := time.Now()
		items, err := s.fetchAll()
		if err != nil {
			// A failed pass is discarded wholesale; a partial catalog
			// would corrupt the top-N ranking.
			s.failures++
			log.WithError(err).WithFields(logger.Fields{
				"backoff": backoff.String(),
			}).Warn("toplist pass failed, retrying from the first page")
			if !sleepCtx(s.ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = s.config.Catalog.Backoff.BaseDelay.Std()

		s.publish(items)
		s.passes++

		logger.LogPerformanceEntry(log, "toplist_scanner", "full_pass", time.Since(start), logger.Fields{
			"items": len(items),
		})

		if !sleepCtx(s.ctx, s.config.Catalog.Interval.Std()) {
			return
		}
	}
}

// fetchAll walks the paginated toplist query until the continuation cursor
// is exhausted and returns the accumulated pass.
func (s *Scanner) fetchAll() ([]*models.Collection, error) {
	var collected []*models.Collection
	seen := make(map[string]struct{})
	cursor := ""

	for {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return nil, err
		}

		page, next, err := s.fetchPage(cursor)
		if err != nil {
			return nil, err
		}

		for _, item := range page {
			if item == nil || item.Slug == "" {
				continue
			}
			if _, dup := seen[item.Slug]; dup {
				continue
			}
			seen[item.Slug] = struct{}{}
			collected = append(collected, item)
		}

		if next == "" {
			return collected, nil
		}
		cursor = next
	}
}

func (s *Scanner) fetchPage(cursor string) ([]*models.Collection, string, error) {
	reqBody := topListRequest{
		OperationName: "TopStatsTableQuery",
		Query:         topListQuery,
		Variables: topListVariables{
			Filter: map[string]any{},
			Limit:  s.config.Catalog.PageLimit,
			Sort:   topListSort{By: "ONE_DAY_VOLUME", Direction: "DESC"},
			Cursor: cursor,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", fmt.Errorf("marshal toplist request: %w", err)
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.config.Catalog.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("build toplist request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("execute toplist request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("toplist request returned status %d", resp.StatusCode)
	}

	var decoded topListResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, "", fmt.Errorf("decode toplist response: %w", err)
	}
	if decoded.Data.TopCollections == nil {
		return nil, "", fmt.Errorf("toplist response missing topCollections")
	}

	return decoded.Data.TopCollections.Items, decoded.Data.TopCollections.NextPageCursor, nil
}

// publish routes a completed pass into the pipeline: every item goes through
// the change detector, the slug set becomes a subscription candidate set and
// the scan latch flips after the first pass.
func (s *Scanner) publish(items []*models.Collection) {
	log := s.log.WithComponent("toplist_scanner")

	slugs := make([]string, 0, len(items))
	for _, item := range items {
		slugs = append(slugs, item.Slug)
		s.channels.SendUpdate(s.ctx, item)
	}
	s.items += int64(len(items))

	if !s.channels.SendCandidates(s.ctx, slugs) && s.ctx.Err() == nil {
		log.Warn("candidate channel full, subscription set not published")
	}

	if !s.latch.Complete() {
		s.latch.MarkComplete()
		log.WithFields(logger.Fields{"items": len(items)}).Info("first full catalog pass complete")
	}

	logger.LogDataFlowEntry(log, "toplist_api", "update_channel", len(items), "collections")
}

// sleepCtx sleeps for d unless the context ends first. It reports whether
// the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
