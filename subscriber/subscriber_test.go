package subscriber

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subscribers.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write subscriber file: %v", err)
	}
	return path
}

func TestLoadParsesSubscribers(t *testing.T) {
	path := writeFile(t, `{
		"123456": {
			"blacklist": ["spam-collection"],
			"notification_cooldown": 60,
			"percent_step": 10,
			"top_n_by_one_day_volume": 50,
			"min_usd_one_day_volume": 1000,
			"diff_percent_offer_to_floor": 5
		},
		"789": {}
	}`)

	s := NewStore()
	if err := s.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", s.Len())
	}

	cfg := s.Get(123456)
	if cfg == nil {
		t.Fatalf("subscriber 123456 not loaded")
	}
	if cfg.NotificationCooldown != 60 || cfg.DiffPercentOfferToFloor != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Blocked("spam-collection") || cfg.Blocked("good-collection") {
		t.Fatalf("blocklist check failed")
	}

	// Unset cooldown falls back to the default.
	if got := s.Get(789); got == nil || got.NotificationCooldown != 30 {
		t.Fatalf("default cooldown not applied: %+v", got)
	}
}

func TestLoadMissingFileLeavesStoreEmpty(t *testing.T) {
	s := NewStore()
	if err := s.Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
}

func TestLoadCorruptFileErrors(t *testing.T) {
	path := writeFile(t, `{not json`)
	s := NewStore()
	if err := s.Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadSkipsNonNumericIDs(t *testing.T) {
	path := writeFile(t, `{"abc": {}, "42": {}}`)
	s := NewStore()
	if err := s.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := s.IDs()
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}
