package alert

import (
	"fmt"
	"strings"

	"floorwatch/models"
)

// formatAlert renders the notification text for one collection. Telegram
// renders it with HTML parse mode, hence the bold tags around the gap.
func formatAlert(c *models.Collection, gap float64, linkBase string) string {
	usd, ok := c.TopOfferUSD()
	if !ok {
		usd, _ = c.FloorUSD()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Collection - %s\n", c.Slug)
	fmt.Fprintf(&b, "Price - %.2f$\n", usd)
	fmt.Fprintf(&b, "List - %s\n", nativeLine(c.TopOfferNative))
	fmt.Fprintf(&b, "Floor - %s\n", nativeLine(c.FloorNative))
	fmt.Fprintf(&b, "Diff - <b>%.2f%%</b>", gap)
	if linkBase != "" {
		fmt.Fprintf(&b, "\n%s/%s", strings.TrimRight(linkBase, "/"), c.Slug)
	}
	return b.String()
}

func nativeLine(get func() (models.NativePrice, bool)) string {
	price, ok := get()
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%g %s", price.Unit, price.Symbol)
}
