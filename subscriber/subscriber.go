package subscriber

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"floorwatch/logger"
)

// Config holds one recipient's alert filter settings. Zero values disable
// the corresponding filter, except the gap threshold which must be set for
// any alert to fire.
type Config struct {
	Blacklist               []string `json:"blacklist"`
	NotificationCooldown    int      `json:"notification_cooldown"`
	PercentStep             float64  `json:"percent_step"`
	TopNByOneDayVolume      int      `json:"top_n_by_one_day_volume"`
	MinUSDOneDayVolume      float64  `json:"min_usd_one_day_volume"`
	MaxUSDOneDayVolume      float64  `json:"max_usd_one_day_volume"`
	MinUSDTopOffer          float64  `json:"min_usd_top_offer"`
	MaxUSDTopOffer          float64  `json:"max_usd_top_offer"`
	DiffPercentOfferToFloor float64  `json:"diff_percent_offer_to_floor"`
}

// Blocked reports whether the slug is on the recipient's blocklist.
func (c *Config) Blocked(slug string) bool {
	for _, b := range c.Blacklist {
		if b == slug {
			return true
		}
	}
	return false
}

// Store holds the recipient configurations keyed by chat id.
type Store struct {
	mu      sync.RWMutex
	configs map[int64]*Config
	log     *logger.Log
}

func NewStore() *Store {
	return &Store{
		configs: make(map[int64]*Config),
		log:     logger.GetLogger(),
	}
}

// Load reads the subscriber file. A missing or corrupt file leaves the
// store empty; the pipeline keeps running with nobody to notify.
func (s *Store) Load(path string) error {
	log := s.log.WithComponent("subscriber_store").WithFields(logger.Fields{"file": path})

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("subscriber file missing, no recipients configured")
			return nil
		}
		return fmt.Errorf("read subscriber file: %w", err)
	}

	var raw map[string]*Config
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse subscriber file: %w", err)
	}

	configs := make(map[int64]*Config, len(raw))
	for key, cfg := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			log.WithFields(logger.Fields{"chat_id": key}).Warn("skipping subscriber with non-numeric chat id")
			continue
		}
		if cfg == nil {
			cfg = &Config{}
		}
		if cfg.NotificationCooldown == 0 {
			cfg.NotificationCooldown = 30
		}
		configs[id] = cfg
	}

	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()

	log.WithFields(logger.Fields{"subscribers": len(configs)}).Info("subscriber configurations loaded")
	return nil
}

// Get returns the config for a chat id, or nil if unknown.
func (s *Store) Get(id int64) *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configs[id]
}

// IDs returns the configured chat ids in ascending order.
func (s *Store) IDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of configured subscribers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.configs)
}
