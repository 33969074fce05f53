package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"floorwatch/catalog"
	appconfig "floorwatch/config"
	"floorwatch/internal/channel"
)

func testConfig(url string) *appconfig.Config {
	return &appconfig.Config{
		Catalog: appconfig.CatalogConfig{
			URL:            url,
			PageLimit:      2,
			Interval:       appconfig.Duration(time.Hour),
			RequestTimeout: appconfig.Duration(5 * time.Second),
			RateLimit:      appconfig.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10},
			Backoff: appconfig.BackoffConfig{
				BaseDelay: appconfig.Duration(10 * time.Millisecond),
				MaxDelay:  appconfig.Duration(50 * time.Millisecond),
			},
		},
	}
}

func pageBody(slugs []string, cursor string) string {
	items := make([]map[string]any, 0, len(slugs))
	for _, s := range slugs {
		items = append(items, map[string]any{
			"slug": s,
			"stats": map[string]any{
				"oneDay": map[string]any{"volume": map[string]any{"usd": 100.0}},
			},
		})
	}
	body, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"topCollections": map[string]any{
				"items":          items,
				"nextPageCursor": cursor,
			},
		},
	})
	return string(body)
}

func TestScannerStartStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pageBody(nil, "")))
	}))
	defer srv.Close()

	ch := channel.NewChannels(channel.ChannelSizes{Updates: 16, Changed: 16, Candidates: 4, Alerts: 4})
	s := NewScanner(testConfig(srv.URL), ch, &catalog.ScanLatch{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	s.Stop()
}

func TestScannerFollowsPagination(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req topListRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Variables.Sort.By != "ONE_DAY_VOLUME" || req.Variables.Sort.Direction != "DESC" {
			t.Errorf("unexpected sort: %+v", req.Variables.Sort)
		}
		switch requests.Add(1) {
		case 1:
			if req.Variables.Cursor != "" {
				t.Errorf("first page must not carry a cursor, got %q", req.Variables.Cursor)
			}
			w.Write([]byte(pageBody([]string{"aa", "bb"}, "page-2")))
		default:
			if req.Variables.Cursor != "page-2" {
				t.Errorf("continuation cursor not propagated, got %q", req.Variables.Cursor)
			}
			w.Write([]byte(pageBody([]string{"cc"}, "")))
		}
	}))
	defer srv.Close()

	ch := channel.NewChannels(channel.ChannelSizes{Updates: 16, Changed: 16, Candidates: 4, Alerts: 4})
	latch := &catalog.ScanLatch{}
	s := NewScanner(testConfig(srv.URL), ch, latch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	select {
	case slugs := <-ch.Candidates:
		if len(slugs) != 3 {
			t.Fatalf("expected 3 candidate slugs, got %v", slugs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("candidate set never published")
	}

	if !latch.Complete() {
		t.Fatalf("latch must flip after the first complete pass")
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case item := <-ch.Updates:
			seen[item.Slug] = true
		case <-time.After(time.Second):
			t.Fatalf("missing update %d", i)
		}
	}
	for _, slug := range []string{"aa", "bb", "cc"} {
		if !seen[slug] {
			t.Fatalf("slug %s never routed to the detector", slug)
		}
	}
}

func TestScannerRetriesFailedPass(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch requests.Add(1) {
		case 1:
			// Mid-pagination failure: the whole pass must restart.
			w.Write([]byte(pageBody([]string{"aa"}, "page-2")))
		case 2:
			http.Error(w, "upstream sad", http.StatusBadGateway)
		default:
			w.Write([]byte(pageBody([]string{"aa", "bb"}, "")))
		}
	}))
	defer srv.Close()

	ch := channel.NewChannels(channel.ChannelSizes{Updates: 16, Changed: 16, Candidates: 4, Alerts: 4})
	latch := &catalog.ScanLatch{}
	s := NewScanner(testConfig(srv.URL), ch, latch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	select {
	case slugs := <-ch.Candidates:
		if len(slugs) != 2 {
			t.Fatalf("retried pass should publish 2 slugs, got %v", slugs)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pass never recovered from the failure")
	}

	if latch.Complete() && requests.Load() < 3 {
		t.Fatalf("latch flipped before a complete pass")
	}
}
