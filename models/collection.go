package models

// Collection is the cached state of one marketplace collection. Instances
// arrive as full objects from the toplist scan and as partial objects from
// the push stream; absent fields stay nil so that a partial update can be
// merged without clobbering data it did not carry.
type Collection struct {
	Slug       string    `json:"slug"`
	Name       string    `json:"name,omitempty"`
	Stats      *Stats    `json:"stats,omitempty"`
	FloorPrice *PriceTag `json:"floorPrice,omitempty"`
	TopOffer   *PriceTag `json:"topOffer,omitempty"`
}

// Stats carries the time-windowed trade figures for a collection.
type Stats struct {
	OneDay    *WindowStats `json:"oneDay,omitempty"`
	SevenDay  *WindowStats `json:"sevenDay,omitempty"`
	ThirtyDay *WindowStats `json:"thirtyDay,omitempty"`
}

type WindowStats struct {
	Volume *Volume `json:"volume,omitempty"`
	Sales  *int64  `json:"sales,omitempty"`
}

type Volume struct {
	USD    *float64 `json:"usd,omitempty"`
	Native *float64 `json:"native,omitempty"`
}

// PriceTag wraps a per-item price the way the marketplace API nests it.
type PriceTag struct {
	PricePerItem *Price `json:"pricePerItem,omitempty"`
}

type Price struct {
	USD    *float64     `json:"usd,omitempty"`
	Native *NativePrice `json:"native,omitempty"`
}

type NativePrice struct {
	Unit   float64 `json:"unit"`
	Symbol string  `json:"symbol"`
}

// FloorUSD returns the USD floor price when every level of the nesting is
// present. Absence never degrades to zero.
func (c *Collection) FloorUSD() (float64, bool) {
	return usdOf(c.FloorPrice)
}

// TopOfferUSD returns the USD best offer when present.
func (c *Collection) TopOfferUSD() (float64, bool) {
	return usdOf(c.TopOffer)
}

func usdOf(tag *PriceTag) (float64, bool) {
	if tag == nil || tag.PricePerItem == nil || tag.PricePerItem.USD == nil {
		return 0, false
	}
	return *tag.PricePerItem.USD, true
}

// FloorNative returns the floor price in the collection's native currency.
func (c *Collection) FloorNative() (NativePrice, bool) {
	return nativeOf(c.FloorPrice)
}

// TopOfferNative returns the best offer in the collection's native currency.
func (c *Collection) TopOfferNative() (NativePrice, bool) {
	return nativeOf(c.TopOffer)
}

func nativeOf(tag *PriceTag) (NativePrice, bool) {
	if tag == nil || tag.PricePerItem == nil || tag.PricePerItem.Native == nil {
		return NativePrice{}, false
	}
	n := *tag.PricePerItem.Native
	if n.Symbol == "" {
		return NativePrice{}, false
	}
	return n, true
}

// OneDayVolumeUSD returns the trailing one-day traded volume in USD.
func (c *Collection) OneDayVolumeUSD() (float64, bool) {
	if c.Stats == nil || c.Stats.OneDay == nil || c.Stats.OneDay.Volume == nil || c.Stats.OneDay.Volume.USD == nil {
		return 0, false
	}
	return *c.Stats.OneDay.Volume.USD, true
}

// Clone returns a deep copy. Stored entries are mutated in place by later
// merges, so any snapshot leaving the store must be detached from it.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	return &Collection{
		Slug:       c.Slug,
		Name:       c.Name,
		Stats:      c.Stats.clone(),
		FloorPrice: c.FloorPrice.clone(),
		TopOffer:   c.TopOffer.clone(),
	}
}

func (s *Stats) clone() *Stats {
	if s == nil {
		return nil
	}
	return &Stats{
		OneDay:    s.OneDay.clone(),
		SevenDay:  s.SevenDay.clone(),
		ThirtyDay: s.ThirtyDay.clone(),
	}
}

func (w *WindowStats) clone() *WindowStats {
	if w == nil {
		return nil
	}
	out := &WindowStats{}
	if w.Volume != nil {
		out.Volume = &Volume{
			USD:    cloneFloat(w.Volume.USD),
			Native: cloneFloat(w.Volume.Native),
		}
	}
	if w.Sales != nil {
		n := *w.Sales
		out.Sales = &n
	}
	return out
}

func (t *PriceTag) clone() *PriceTag {
	if t == nil {
		return nil
	}
	out := &PriceTag{}
	if t.PricePerItem != nil {
		p := &Price{USD: cloneFloat(t.PricePerItem.USD)}
		if t.PricePerItem.Native != nil {
			n := *t.PricePerItem.Native
			p.Native = &n
		}
		out.PricePerItem = p
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// MergeFrom deep-merges a partial update into the receiver. Fields present in
// the update overwrite, nested structs present on both sides recurse, and
// fields the update did not carry are left untouched. The slug is immutable.
func (c *Collection) MergeFrom(update *Collection) {
	if update == nil {
		return
	}
	if update.Name != "" {
		c.Name = update.Name
	}
	if update.Stats != nil {
		if c.Stats == nil {
			c.Stats = update.Stats
		} else {
			c.Stats.mergeFrom(update.Stats)
		}
	}
	c.FloorPrice = mergePriceTag(c.FloorPrice, update.FloorPrice)
	c.TopOffer = mergePriceTag(c.TopOffer, update.TopOffer)
}

func (s *Stats) mergeFrom(update *Stats) {
	s.OneDay = mergeWindow(s.OneDay, update.OneDay)
	s.SevenDay = mergeWindow(s.SevenDay, update.SevenDay)
	s.ThirtyDay = mergeWindow(s.ThirtyDay, update.ThirtyDay)
}

func mergeWindow(old, update *WindowStats) *WindowStats {
	if update == nil {
		return old
	}
	if old == nil {
		return update
	}
	if update.Volume != nil {
		if old.Volume == nil {
			old.Volume = update.Volume
		} else {
			if update.Volume.USD != nil {
				old.Volume.USD = update.Volume.USD
			}
			if update.Volume.Native != nil {
				old.Volume.Native = update.Volume.Native
			}
		}
	}
	if update.Sales != nil {
		old.Sales = update.Sales
	}
	return old
}

func mergePriceTag(old, update *PriceTag) *PriceTag {
	if update == nil {
		return old
	}
	if update.PricePerItem == nil {
		return old
	}
	if old == nil || old.PricePerItem == nil {
		return update
	}
	if update.PricePerItem.USD != nil {
		old.PricePerItem.USD = update.PricePerItem.USD
	}
	if update.PricePerItem.Native != nil {
		old.PricePerItem.Native = update.PricePerItem.Native
	}
	return old
}

// SamePriceState reports whether two collections agree on the USD floor price
// and USD best offer, treating "absent" as a distinct state rather than zero.
// It is the no-op test applied to every inbound stream update.
func SamePriceState(a, b *Collection) bool {
	af, afOK := a.FloorUSD()
	bf, bfOK := b.FloorUSD()
	if afOK != bfOK || (afOK && af != bf) {
		return false
	}
	ao, aoOK := a.TopOfferUSD()
	bo, boOK := b.TopOfferUSD()
	if aoOK != boOK || (aoOK && ao != bo) {
		return false
	}
	return true
}
