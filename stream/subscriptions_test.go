package stream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "floorwatch/config"
)

type captureWriter struct {
	frames    []subscribeFrame
	writtenAt []time.Time
}

func (w *captureWriter) WriteJSON(v any) error {
	w.frames = append(w.frames, v.(subscribeFrame))
	w.writtenAt = append(w.writtenAt, time.Now())
	return nil
}

func managerConfig(t *testing.T, batch int) *appconfig.Config {
	t.Helper()
	return &appconfig.Config{
		Stream: appconfig.StreamConfig{
			SubscribeBatch: batch,
			BatchPacing:    appconfig.Duration(time.Millisecond),
			SlugsFile:      filepath.Join(t.TempDir(), "collections.json"),
		},
	}
}

func TestBatchSubscribeSplitsLargeSets(t *testing.T) {
	cfg := managerConfig(t, 200)
	pacing := 30 * time.Millisecond
	cfg.Stream.BatchPacing = appconfig.Duration(pacing)
	m := NewSubscriptionManager(cfg)
	w := &captureWriter{}

	slugs := make([]string, 450)
	for i := range slugs {
		slugs[i] = "col-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)) + string(rune('a'+(i/676)%26))
	}

	if err := m.Apply(context.Background(), w, slugs); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(w.frames) != 3 {
		t.Fatalf("expected 3 subscribe frames, got %d", len(w.frames))
	}
	want := []int{200, 200, 50}
	total := 0
	for i, frame := range w.frames {
		if frame.Type != "subscribe" {
			t.Fatalf("frame %d has type %q", i, frame.Type)
		}
		if frame.ID == "" {
			t.Fatalf("frame %d missing id", i)
		}
		if frame.Payload.OperationName != "useCollectionStatsSubscription" {
			t.Fatalf("frame %d has operation %q", i, frame.Payload.OperationName)
		}
		if got := len(frame.Payload.Variables.Slugs); got != want[i] {
			t.Fatalf("frame %d carries %d slugs, want %d", i, got, want[i])
		}
		total += len(frame.Payload.Variables.Slugs)
	}
	if total != 450 {
		t.Fatalf("frames cover %d slugs, want 450", total)
	}
	for i := 1; i < len(w.writtenAt); i++ {
		if gap := w.writtenAt[i].Sub(w.writtenAt[i-1]); gap < pacing {
			t.Fatalf("batches %d and %d only %s apart, want at least %s", i-1, i, gap, pacing)
		}
	}
}

func TestApplySubscribesOnlyAdditions(t *testing.T) {
	m := NewSubscriptionManager(managerConfig(t, 200))
	w := &captureWriter{}
	ctx := context.Background()

	if err := m.Apply(ctx, w, []string{"aa", "bb"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.Apply(ctx, w, []string{"bb", "cc", ""}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if len(w.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(w.frames))
	}
	second := w.frames[1].Payload.Variables.Slugs
	if len(second) != 1 || second[0] != "cc" {
		t.Fatalf("second frame should carry only the addition, got %v", second)
	}
	if m.ActiveCount() != 3 {
		t.Fatalf("active set should hold 3 slugs, got %d", m.ActiveCount())
	}
}

func TestApplyPersistsFullSet(t *testing.T) {
	cfg := managerConfig(t, 200)
	m := NewSubscriptionManager(cfg)
	ctx := context.Background()

	if err := m.Apply(ctx, &captureWriter{}, []string{"bb", "aa"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := m.Apply(ctx, &captureWriter{}, []string{"cc"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	data, err := os.ReadFile(cfg.Stream.SlugsFile)
	if err != nil {
		t.Fatalf("read slug file: %v", err)
	}
	var persisted []string
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("parse slug file: %v", err)
	}
	want := []string{"aa", "bb", "cc"}
	if len(persisted) != len(want) {
		t.Fatalf("persisted %v, want %v", persisted, want)
	}
	for i, slug := range want {
		if persisted[i] != slug {
			t.Fatalf("persisted %v, want %v", persisted, want)
		}
	}
}

// A restart must not wait for the first catalog pass: the persisted set is
// replayed as soon as a connection is established.
func TestResubscribeReplaysPersistedSet(t *testing.T) {
	cfg := managerConfig(t, 200)
	if err := os.WriteFile(cfg.Stream.SlugsFile, []byte(`["aa","bb"]`), 0644); err != nil {
		t.Fatalf("seed slug file: %v", err)
	}

	m := NewSubscriptionManager(cfg)
	w := &captureWriter{}
	if err := m.Resubscribe(context.Background(), w); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if len(w.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(w.frames))
	}
	got := w.frames[0].Payload.Variables.Slugs
	if len(got) != 2 || got[0] != "aa" || got[1] != "bb" {
		t.Fatalf("replayed %v, want [aa bb]", got)
	}
}

func TestResubscribeWithEmptySetWritesNothing(t *testing.T) {
	m := NewSubscriptionManager(managerConfig(t, 200))
	w := &captureWriter{}
	if err := m.Resubscribe(context.Background(), w); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if len(w.frames) != 0 {
		t.Fatalf("expected no frames, got %d", len(w.frames))
	}
}
