package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	appconfig "floorwatch/config"
	"floorwatch/logger"
)

// frameWriter is the slice of the websocket connection the subscription
// manager needs. Satisfied by *websocket.Conn.
type frameWriter interface {
	WriteJSON(v any) error
}

type subscribeFrame struct {
	ID      string           `json:"id"`
	Type    string           `json:"type"`
	Payload subscribePayload `json:"payload"`
}

type subscribePayload struct {
	Query         string             `json:"query"`
	OperationName string             `json:"operationName"`
	Variables     subscribeVariables `json:"variables"`
}

type subscribeVariables struct {
	Slugs []string `json:"slugs"`
}

// SubscriptionManager owns the set of slugs the stream is subscribed to.
// Every (re)connection replays the whole active set so that a reconnect
// never silently loses coverage. New candidate sets arriving from the
// scanner are diffed against the active set and only the additions are
// subscribed; the full set is persisted after every change so a restart
// can resubscribe before the first scan pass finishes.
type SubscriptionManager struct {
	config *appconfig.Config

	mu     sync.Mutex
	active map[string]struct{}

	log *logger.Log
}

func NewSubscriptionManager(cfg *appconfig.Config) *SubscriptionManager {
	return &SubscriptionManager{
		config: cfg,
		active: make(map[string]struct{}),
		log:    logger.GetLogger(),
	}
}

// Resubscribe merges the persisted slug set into the active set and replays
// everything on the given connection. Called once per established
// connection, after the handshake completes.
func (m *SubscriptionManager) Resubscribe(ctx context.Context, conn frameWriter) error {
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{"operation": "resubscribe"})

	persisted, err := m.loadSlugs()
	if err != nil {
		log.WithError(err).Warn("could not load persisted slug set, starting empty")
	}

	m.mu.Lock()
	for _, slug := range persisted {
		m.active[slug] = struct{}{}
	}
	slugs := m.snapshotLocked()
	m.mu.Unlock()

	if len(slugs) == 0 {
		log.Info("no slugs to resubscribe")
		return nil
	}

	log.WithFields(logger.Fields{"slugs": len(slugs)}).Info("replaying subscriptions")
	return m.batchSubscribe(ctx, conn, slugs)
}

// Apply diffs a candidate slug set against the active set, subscribes the
// additions and persists the grown set.
func (m *SubscriptionManager) Apply(ctx context.Context, conn frameWriter, candidates []string) error {
	log := m.log.WithComponent("subscription_manager").WithFields(logger.Fields{"operation": "apply"})

	m.mu.Lock()
	var added []string
	for _, slug := range candidates {
		if slug == "" {
			continue
		}
		if _, ok := m.active[slug]; ok {
			continue
		}
		m.active[slug] = struct{}{}
		added = append(added, slug)
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if len(added) == 0 {
		return nil
	}

	if err := m.persistSlugs(snapshot); err != nil {
		log.WithError(err).Warn("failed to persist slug set")
	}

	log.WithFields(logger.Fields{
		"added": len(added),
		"total": len(snapshot),
	}).Info("subscribing to new collections")

	return m.batchSubscribe(ctx, conn, added)
}

// ActiveCount reports the size of the active subscription set.
func (m *SubscriptionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// batchSubscribe sends subscribe frames in batches, pacing between batches
// so a large replay does not trip server-side rate limits.
func (m *SubscriptionManager) batchSubscribe(ctx context.Context, conn frameWriter, slugs []string) error {
	batchSize := m.config.Stream.SubscribeBatch
	pacing := m.config.Stream.BatchPacing.Std()

	for start := 0; start < len(slugs); start += batchSize {
		if start > 0 && pacing > 0 {
			if !sleepCtx(ctx, pacing) {
				return ctx.Err()
			}
		}

		end := start + batchSize
		if end > len(slugs) {
			end = len(slugs)
		}

		frame := subscribeFrame{
			ID:   uuid.New().String(),
			Type: "subscribe",
			Payload: subscribePayload{
				Query:         statsSubscriptionQuery,
				OperationName: "useCollectionStatsSubscription",
				Variables:     subscribeVariables{Slugs: slugs[start:end]},
			},
		}

		if err := conn.WriteJSON(frame); err != nil {
			return fmt.Errorf("write subscribe frame: %w", err)
		}
	}

	return nil
}

func (m *SubscriptionManager) snapshotLocked() []string {
	slugs := make([]string, 0, len(m.active))
	for slug := range m.active {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func (m *SubscriptionManager) loadSlugs() ([]string, error) {
	data, err := os.ReadFile(m.config.Stream.SlugsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var slugs []string
	if err := json.Unmarshal(data, &slugs); err != nil {
		return nil, fmt.Errorf("parse slug file: %w", err)
	}
	return slugs, nil
}

func (m *SubscriptionManager) persistSlugs(slugs []string) error {
	data, err := json.MarshalIndent(slugs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.config.Stream.SlugsFile, data, 0644)
}
