package models

import "testing"

func collectionWithPrices(slug string, floorUSD, offerUSD *float64) *Collection {
	c := &Collection{Slug: slug}
	if floorUSD != nil {
		c.FloorPrice = &PriceTag{PricePerItem: &Price{USD: floorUSD}}
	}
	if offerUSD != nil {
		c.TopOffer = &PriceTag{PricePerItem: &Price{USD: offerUSD}}
	}
	return c
}

func TestFloorUSDAbsent(t *testing.T) {
	c := &Collection{Slug: "x"}
	if _, ok := c.FloorUSD(); ok {
		t.Fatalf("absent floor must not report a price")
	}
	c.FloorPrice = &PriceTag{}
	if _, ok := c.FloorUSD(); ok {
		t.Fatalf("empty price tag must not report a price")
	}
}

func TestMergeKeepsNativeFields(t *testing.T) {
	stored := &Collection{
		Slug: "cool-cats",
		FloorPrice: &PriceTag{PricePerItem: &Price{
			Native: &NativePrice{Unit: 1.2, Symbol: "ETH"},
		}},
	}
	update := &Collection{
		Slug: "cool-cats",
		FloorPrice: &PriceTag{PricePerItem: &Price{
			USD: Float64(950),
		}},
	}

	stored.MergeFrom(update)

	usd, ok := stored.FloorUSD()
	if !ok || usd != 950 {
		t.Fatalf("merged floor usd = %v, ok=%v", usd, ok)
	}
	native, ok := stored.FloorNative()
	if !ok || native.Unit != 1.2 || native.Symbol != "ETH" {
		t.Fatalf("native floor fields were clobbered: %+v", native)
	}
}

func TestMergePreservesUntouchedStats(t *testing.T) {
	stored := &Collection{
		Slug: "a",
		Stats: &Stats{
			OneDay:   &WindowStats{Volume: &Volume{USD: Float64(1000)}},
			SevenDay: &WindowStats{Volume: &Volume{USD: Float64(9000)}},
		},
	}
	update := &Collection{
		Slug: "a",
		Stats: &Stats{
			OneDay: &WindowStats{Volume: &Volume{USD: Float64(1500)}},
		},
	}

	stored.MergeFrom(update)

	if v, _ := stored.OneDayVolumeUSD(); v != 1500 {
		t.Fatalf("one day volume not updated: %v", v)
	}
	if stored.Stats.SevenDay == nil || *stored.Stats.SevenDay.Volume.USD != 9000 {
		t.Fatalf("seven day volume lost in merge")
	}
}

func TestMergeEmptyPriceTagKeepsOld(t *testing.T) {
	stored := collectionWithPrices("a", Float64(100), nil)
	update := &Collection{Slug: "a", FloorPrice: &PriceTag{}}

	stored.MergeFrom(update)

	if v, ok := stored.FloorUSD(); !ok || v != 100 {
		t.Fatalf("empty tag must not erase the stored price, got %v ok=%v", v, ok)
	}
}

func TestSamePriceState(t *testing.T) {
	cases := []struct {
		name string
		a, b *Collection
		same bool
	}{
		{"both absent", collectionWithPrices("x", nil, nil), collectionWithPrices("x", nil, nil), true},
		{"equal values", collectionWithPrices("x", Float64(10), Float64(8)), collectionWithPrices("x", Float64(10), Float64(8)), true},
		{"floor differs", collectionWithPrices("x", Float64(10), Float64(8)), collectionWithPrices("x", Float64(11), Float64(8)), false},
		{"offer differs", collectionWithPrices("x", Float64(10), Float64(8)), collectionWithPrices("x", Float64(10), Float64(9)), false},
		{"absent vs zero", collectionWithPrices("x", Float64(0), nil), collectionWithPrices("x", nil, nil), false},
	}

	for _, tc := range cases {
		if got := SamePriceState(tc.a, tc.b); got != tc.same {
			t.Errorf("%s: SamePriceState = %v, want %v", tc.name, got, tc.same)
		}
	}
}
