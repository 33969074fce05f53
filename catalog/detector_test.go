package catalog

import (
	"context"
	"testing"
	"time"

	"floorwatch/internal/channel"
	"floorwatch/models"
)

func newTestPipeline() (*Detector, *channel.Channels, *Store) {
	ch := channel.NewChannels(channel.ChannelSizes{Updates: 16, Changed: 16, Candidates: 4, Alerts: 4})
	store := NewStore()
	return NewDetector(store, ch), ch, store
}

func priced(slug string, floor, offer float64) *models.Collection {
	return &models.Collection{
		Slug:       slug,
		FloorPrice: &models.PriceTag{PricePerItem: &models.Price{USD: models.Float64(floor)}},
		TopOffer:   &models.PriceTag{PricePerItem: &models.Price{USD: models.Float64(offer)}},
	}
}

func TestDetectorStartStop(t *testing.T) {
	d, _, _ := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	d.Stop()
}

func TestDetectorForwardsFirstSighting(t *testing.T) {
	d, ch, store := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	ch.Updates <- priced("a", 100, 90)

	select {
	case got := <-ch.Changed:
		if got.Slug != "a" {
			t.Fatalf("unexpected forwarded slug: %s", got.Slug)
		}
	case <-time.After(time.Second):
		t.Fatalf("first sighting was not forwarded")
	}
	if store.Get("a") == nil {
		t.Fatalf("first sighting not stored")
	}
}

// Two consecutive updates with identical floor/offer USD values must result
// in exactly one forwarded snapshot.
func TestDetectorDropsNoOpUpdates(t *testing.T) {
	d, ch, _ := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	ch.Updates <- priced("a", 100, 90)
	ch.Updates <- priced("a", 100, 90)
	ch.Updates <- priced("a", 100, 95)

	first := <-ch.Changed
	if first.Slug != "a" {
		t.Fatalf("unexpected slug: %s", first.Slug)
	}

	second := <-ch.Changed
	if offer, _ := second.TopOfferUSD(); offer != 95 {
		t.Fatalf("second forward should be the real change, offer=%v", offer)
	}

	select {
	case extra := <-ch.Changed:
		t.Fatalf("no-op update was forwarded: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetectorMergesPartialUpdates(t *testing.T) {
	d, ch, store := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	full := priced("a", 100, 90)
	full.FloorPrice.PricePerItem.Native = &models.NativePrice{Unit: 0.05, Symbol: "ETH"}
	ch.Updates <- full
	<-ch.Changed

	partial := &models.Collection{
		Slug:       "a",
		FloorPrice: &models.PriceTag{PricePerItem: &models.Price{USD: models.Float64(120)}},
	}
	ch.Updates <- partial

	merged := <-ch.Changed
	if usd, _ := merged.FloorUSD(); usd != 120 {
		t.Fatalf("floor not merged: %v", usd)
	}
	if native, ok := merged.FloorNative(); !ok || native.Symbol != "ETH" {
		t.Fatalf("native floor lost in merge: %+v", native)
	}
	if offer, ok := merged.TopOfferUSD(); !ok || offer != 90 {
		t.Fatalf("offer lost in merge: %v ok=%v", offer, ok)
	}
	if store.Get("a") == merged {
		t.Fatalf("forwarded snapshot must not alias the stored entry")
	}
}

// A consumer may still hold a forwarded snapshot when the next update for the
// same slug is merged into the store. The earlier snapshot must keep its
// values, and neither snapshot may share memory with the stored entry.
func TestDetectorSnapshotsSurviveLaterMerges(t *testing.T) {
	d, ch, store := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	ch.Updates <- priced("a", 100, 90)
	first := <-ch.Changed

	ch.Updates <- priced("a", 200, 150)
	second := <-ch.Changed

	if floor, _ := first.FloorUSD(); floor != 100 {
		t.Fatalf("earlier snapshot mutated by later merge: floor=%v", floor)
	}
	if offer, _ := first.TopOfferUSD(); offer != 90 {
		t.Fatalf("earlier snapshot mutated by later merge: offer=%v", offer)
	}
	if floor, _ := second.FloorUSD(); floor != 200 {
		t.Fatalf("later snapshot missing merged floor: %v", floor)
	}

	stored := store.Get("a")
	if stored == first || stored == second {
		t.Fatalf("snapshots must not alias the stored entry")
	}
	if first.FloorPrice == stored.FloorPrice || second.FloorPrice == stored.FloorPrice {
		t.Fatalf("snapshot price tags must not alias the stored entry")
	}
}
