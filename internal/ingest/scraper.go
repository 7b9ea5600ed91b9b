// Package ingest discovers new articles on configured listing pages and
// inserts them into the article store.
package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"news-pipeline/internal/clock"
	"news-pipeline/internal/config"
	"news-pipeline/internal/models"
	"news-pipeline/internal/telemetry"
)

// ErrSite marks a listing page that could not be fetched or parsed.
var ErrSite = errors.New("site unavailable")

// Store is the part of the article store ingestion writes to.
type Store interface {
	KnownSources(ctx context.Context, ids []string) (map[string]bool, error)
	InsertArticles(ctx context.Context, items []models.NewArticle, now time.Time) (int, error)
}

// Pacer spaces consecutive article page fetches.
type Pacer interface {
	Wait(ctx context.Context) error
}

// fallbackSelectors are tried, in order, when a site has no content selector
// or it matches nothing substantial.
var fallbackSelectors = []string{
	"article",
	"div.article-content",
	"div.content",
	"div#content",
	"td.content",
	"div.post",
	"div.message",
	"div.main-content",
	"main",
}

const noiseTags = "script, style, iframe, nav, header, footer, noscript"

// minLineLen drops menu items, bylines and other short fragments.
const minLineLen = 20

var (
	dateTimeExpr = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{2}|\d{4})\s+(\d{1,2}):(\d{2})\b`)
	dateExpr     = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{2}|\d{4})\b`)
)

// Ingestor scrapes every configured site once per DiscoverAndInsert.
type Ingestor struct {
	cfg    config.IngestConfig
	sites  []config.SiteConfig
	store  Store
	client *http.Client
	pacer  Pacer
	clock  clock.Clock
	logger *slog.Logger
}

// New wires an ingestor. A nil client gets one with cfg.Timeout.
func New(cfg config.IngestConfig, sites []config.SiteConfig, st Store, client *http.Client, pacer Pacer, clk clock.Clock, logger *slog.Logger) *Ingestor {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Ingestor{
		cfg:    cfg,
		sites:  sites,
		store:  st,
		client: client,
		pacer:  pacer,
		clock:  clk,
		logger: logger.With("component", "ingest"),
	}
}

type listing struct {
	title string
	url   string
}

// DiscoverAndInsert returns the number of articles actually inserted. Sites
// are handled in order; the first site failure stops the run, keeping what
// earlier sites inserted.
func (i *Ingestor) DiscoverAndInsert(ctx context.Context) (int, error) {
	total := 0
	for _, site := range i.sites {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := i.ingestSite(ctx, site)
		total += n
		if err != nil {
			return total, fmt.Errorf("site %s: %w", site.Name, err)
		}
	}
	return total, nil
}

func (i *Ingestor) ingestSite(ctx context.Context, site config.SiteConfig) (int, error) {
	log := i.logger.With("site", site.Name)

	base, err := url.Parse(site.ListURL)
	if err != nil {
		return 0, fmt.Errorf("%w: parse list url: %w", ErrSite, err)
	}
	doc, err := i.fetchDocument(ctx, site.ListURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSite, err)
	}
	entries := extractListing(doc, site, base)
	if len(entries) == 0 {
		log.Warn("listing matched no items", "selector", site.ItemSelector)
		return 0, nil
	}

	ids := make([]string, len(entries))
	for n, e := range entries {
		ids[n] = SourceID(e.title, e.url)
	}
	known, err := i.store.KnownSources(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("known sources: %w", err)
	}

	var items []models.NewArticle
	for n, e := range entries {
		if known[ids[n]] {
			continue
		}
		if err := i.pacer.Wait(ctx); err != nil {
			return 0, err
		}
		content, published, err := i.fetchArticle(ctx, e.url, site.ContentSelector)
		if err != nil {
			log.Warn("article fetch failed", "url", e.url, "error", err)
			continue
		}
		if utf8.RuneCountInString(content) < i.cfg.MinContentLen {
			log.Debug("article content too short, skipping", "url", e.url, "length", utf8.RuneCountInString(content))
			continue
		}
		items = append(items, models.NewArticle{
			SourceID:    ids[n],
			Title:       e.title,
			URL:         e.url,
			Content:     content,
			PublishedAt: published,
		})
	}
	if len(items) == 0 {
		log.Info("no new articles", "listed", len(entries))
		return 0, nil
	}

	inserted, err := i.store.InsertArticles(ctx, items, i.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("insert articles: %w", err)
	}
	telemetry.ArticlesIngested.Add(float64(inserted))
	log.Info("articles ingested", "listed", len(entries), "inserted", inserted)
	return inserted, nil
}

func (i *Ingestor) fetchDocument(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if i.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", i.cfg.UserAgent)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, target)
	}

	body, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", target, err)
	}
	return goquery.NewDocumentFromReader(body)
}

func (i *Ingestor) fetchArticle(ctx context.Context, target, selector string) (string, *time.Time, error) {
	doc, err := i.fetchDocument(ctx, target)
	if err != nil {
		return "", nil, err
	}
	published := extractPublished(doc.Text(), i.clock.Now().Location())
	return extractContent(doc, selector, i.cfg.MinContentLen), published, nil
}

func extractListing(doc *goquery.Document, site config.SiteConfig, base *url.URL) []listing {
	var out []listing
	seen := map[string]bool{}
	doc.Find(site.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		link := item
		if site.LinkSelector != "" {
			link = item.Find(site.LinkSelector).First()
		}
		if !link.Is("a") {
			link = link.Find("a[href]").First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		title := cleanText(link.Text())
		if title == "" {
			title = cleanText(item.Text())
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil || title == "" {
			return
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, listing{title: title, url: abs})
	})
	return out
}

func extractContent(doc *goquery.Document, selector string, minLen int) string {
	doc.Find(noiseTags).Remove()

	selectors := fallbackSelectors
	if selector != "" {
		selectors = append([]string{selector}, fallbackSelectors...)
	}
	for _, sel := range selectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if text := substantialLines(node); text != "" && utf8.RuneCountInString(text) >= minLen {
			return text
		}
	}
	return substantialLines(doc.Find("body"))
}

// substantialLines keeps block text lines long enough to be prose.
func substantialLines(s *goquery.Selection) string {
	var lines []string
	s.Find("p, li, h1, h2, h3, td, div").Each(func(_ int, el *goquery.Selection) {
		if el.Children().Filter("p, li, div, td, table").Length() > 0 {
			return
		}
		line := cleanText(el.Text())
		if utf8.RuneCountInString(line) > minLineLen {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		if line := cleanText(s.Text()); utf8.RuneCountInString(line) > minLineLen {
			return line
		}
	}
	return strings.Join(lines, "\n")
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// extractPublished looks for a dd.mm.yy[ hh:mm] stamp in the page text.
func extractPublished(text string, loc *time.Location) *time.Time {
	if m := dateTimeExpr.FindStringSubmatch(text); m != nil {
		if t, ok := buildDate(m[1], m[2], m[3], m[4], m[5], loc); ok {
			return &t
		}
	}
	if m := dateExpr.FindStringSubmatch(text); m != nil {
		if t, ok := buildDate(m[1], m[2], m[3], "0", "0", loc); ok {
			return &t
		}
	}
	return nil
}

func buildDate(day, month, year, hour, minute string, loc *time.Location) (time.Time, bool) {
	parts := make([]int, 5)
	for n, s := range []string{day, month, year, hour, minute} {
		v, err := strconv.Atoi(s)
		if err != nil {
			return time.Time{}, false
		}
		parts[n] = v
	}
	if parts[2] < 100 {
		parts[2] += 2000
	}
	d, m, y, h, mi := parts[0], parts[1], parts[2], parts[3], parts[4]
	if m < 1 || m > 12 || d < 1 || d > 31 || h > 23 || mi > 59 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, h, mi, 0, 0, loc)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// SourceID is the stable de-duplication key of a listed article.
func SourceID(title, link string) string {
	sum := md5.Sum([]byte(title + link))
	return hex.EncodeToString(sum[:])
}
