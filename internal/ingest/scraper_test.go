package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/config"
	"news-pipeline/internal/logging"
	"news-pipeline/internal/models"
	"news-pipeline/internal/ratelimit"
	"news-pipeline/internal/store"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const body = "The ministry confirmed on Tuesday that the new reactor passed its first safety review."

func newsSite(t *testing.T, pages map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("User-Agent"); got != "pipeline-test" {
			t.Errorf("unexpected user agent %q", got)
		}
		html, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(html))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newIngestor(srv *httptest.Server, st Store, sites ...config.SiteConfig) *Ingestor {
	cfg := config.IngestConfig{Timeout: time.Second, UserAgent: "pipeline-test", MinContentLen: 40}
	return New(cfg, sites, st, srv.Client(), ratelimit.NewSpacer(0), clock.NewFake(now), logging.Discard())
}

func site(srv *httptest.Server) config.SiteConfig {
	return config.SiteConfig{
		Name:            "wire",
		ListURL:         srv.URL + "/news/",
		ItemSelector:    "ul.headlines li",
		LinkSelector:    "a.title",
		ContentSelector: "div.story",
	}
}

const listingHTML = `
<html><body>
<ul class="headlines">
  <li><a class="title" href="/news/1">Reactor passes review</a></li>
  <li><a class="title" href="2">Grid upgrade approved</a></li>
  <li><a class="title" href="/news/3">Short item</a></li>
  <li><span>no link here</span></li>
</ul>
</body></html>`

func articleHTML(text string) string {
	return `<html><head><script>var x = "ignored ignored ignored ignored";</script></head><body>
<nav>Home | World | Science | Technology | Contact us today</nav>
<div class="story"><p>` + text + `</p><p>Posted 03.02.25 14:30 by the desk.</p></div>
<footer>Copyright notice for every page on the site</footer>
</body></html>`
}

func TestDiscoverAndInsert(t *testing.T) {
	srv, _ := newsSite(t, map[string]string{
		"/news/":  listingHTML,
		"/news/1": articleHTML(body),
		"/news/2": articleHTML(body + " Officials expect work to start next year."),
		"/news/3": `<html><body><div class="story"><p>tiny</p></div></body></html>`,
	})
	mem := store.NewMemory()
	ing := newIngestor(srv, mem, site(srv))

	n, err := ing.DiscoverAndInsert(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted articles, got %d", n)
	}

	pending, _ := mem.FetchPending(context.Background(), 0, now)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending articles, got %d", len(pending))
	}
	byURL := map[string]models.Article{}
	for _, a := range pending {
		byURL[a.URL] = a
	}
	a, ok := byURL[srv.URL+"/news/2"]
	if !ok {
		t.Fatalf("relative link not resolved against the listing url: %+v", byURL)
	}
	if a.Title != "Grid upgrade approved" {
		t.Fatalf("unexpected title %q", a.Title)
	}
	if a.SourceID != SourceID(a.Title, a.URL) {
		t.Fatalf("source id mismatch")
	}
	if strings.Contains(a.Content, "Copyright") || strings.Contains(a.Content, "ignored") || strings.Contains(a.Content, "Home |") {
		t.Fatalf("page chrome leaked into content: %q", a.Content)
	}
	if !strings.Contains(a.Content, "safety review") {
		t.Fatalf("story text missing: %q", a.Content)
	}
	if a.PublishedAt == nil || !a.PublishedAt.Equal(time.Date(2025, 2, 3, 14, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected published time %v", a.PublishedAt)
	}
	if a.Stage != models.StagePending {
		t.Fatalf("new article should be pending, got %s", a.Stage)
	}
}

func TestDiscoverSkipsKnownSources(t *testing.T) {
	srv, hits := newsSite(t, map[string]string{
		"/news/":  listingHTML,
		"/news/1": articleHTML(body),
		"/news/2": articleHTML(body),
		"/news/3": articleHTML(body),
	})
	mem := store.NewMemory()
	ing := newIngestor(srv, mem, site(srv))

	if n, err := ing.DiscoverAndInsert(context.Background()); err != nil || n != 3 {
		t.Fatalf("first run: n=%d err=%v", n, err)
	}
	before := hits.Load()

	n, err := ing.DiscoverAndInsert(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 0 {
		t.Fatalf("second run must insert nothing, got %d", n)
	}
	if got := hits.Load() - before; got != 1 {
		t.Fatalf("known articles must not be refetched, saw %d requests", got)
	}
}

func TestDiscoverSiteFailure(t *testing.T) {
	srv, _ := newsSite(t, map[string]string{
		"/news/":  listingHTML,
		"/news/1": articleHTML(body),
	})
	broken := config.SiteConfig{Name: "down", ListURL: srv.URL + "/missing/", ItemSelector: "li"}
	mem := store.NewMemory()
	ing := newIngestor(srv, mem, site(srv), broken)

	n, err := ing.DiscoverAndInsert(context.Background())
	if !errors.Is(err, ErrSite) {
		t.Fatalf("expected ErrSite, got %v", err)
	}
	if n != 1 {
		t.Fatalf("articles from the healthy site should be kept, got %d", n)
	}
}

func TestExtractContentFallsBack(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><main><p>` + body + `</p><p>ok</p></main></body></html>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := extractContent(doc, "div.missing", 40); got != body {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestExtractPublished(t *testing.T) {
	cases := []struct {
		text string
		want *time.Time
	}{
		{"updated 7.11.24 09:05", ptr(time.Date(2024, 11, 7, 9, 5, 0, 0, time.UTC))},
		{"on 07.11.2024", ptr(time.Date(2024, 11, 7, 0, 0, 0, 0, time.UTC))},
		{"31.02.24 10:00", nil},
		{"no date", nil},
	}
	for _, tc := range cases {
		got := extractPublished(tc.text, time.UTC)
		switch {
		case tc.want == nil && got != nil:
			t.Fatalf("%q: expected no date, got %v", tc.text, got)
		case tc.want != nil && (got == nil || !got.Equal(*tc.want)):
			t.Fatalf("%q: expected %v, got %v", tc.text, tc.want, got)
		}
	}
}

func ptr(t time.Time) *time.Time { return &t }
