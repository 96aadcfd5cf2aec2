package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"code.sajari.com/docconv"
	"github.com/raphaelgruber/ingestd/internal/ingesterr"
	"github.com/raphaelgruber/ingestd/internal/models"
	"golang.org/x/net/html"
)

const pluginWebScraper = "web_scraper"

func init() {
	register(Plugin{
		ID:          pluginWebScraper,
		DisplayName: "Web Scraper",
		Required:    []string{"base_url"},
		properties: map[string]models.SchemaProperty{
			"base_url":  {Type: "string", Title: "Base URL", Description: "Page the crawl starts from"},
			"max_depth": {Type: "integer", Title: "Max Depth", Description: "Link hops to follow from the base URL", Default: 1},
			"max_pages": {Type: "integer", Title: "Max Pages", Default: 500},
		},
		build: func(cfg map[string]any) (Source, error) {
			var c WebScraperConfig
			if err := decodeConfig(pluginWebScraper, cfg, &c); err != nil {
				return nil, err
			}
			return NewWebScraper(c, nil)
		},
	})
}

// WebScraperConfig configures the web_scraper connector.
type WebScraperConfig struct {
	BaseURL string `json:"base_url"`
	// MaxDepth is how many link hops to follow from BaseURL. Defaults to 1.
	MaxDepth *int `json:"max_depth"`
	// MaxPages bounds the crawl. Defaults to 500.
	MaxPages int `json:"max_pages"`
}

// WebScraper crawls pages on the base URL's host breadth first.
type WebScraper struct {
	base     *url.URL
	maxDepth int
	maxPages int
	client   *http.Client
}

// NewWebScraper validates the config. A nil client uses a default with a
// 30 second timeout.
func NewWebScraper(cfg WebScraperConfig, client *http.Client) (*WebScraper, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ingesterr.Validation("web_scraper: base_url must be an http(s) URL, got %q", cfg.BaseURL)
	}
	depth := 1
	if cfg.MaxDepth != nil {
		depth = *cfg.MaxDepth
	}
	if depth < 0 {
		return nil, ingesterr.Validation("web_scraper: max_depth must not be negative")
	}
	pages := cfg.MaxPages
	if pages <= 0 {
		pages = 500
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebScraper{base: u, maxDepth: depth, maxPages: pages, client: client}, nil
}

func (w *WebScraper) Plugin() string { return pluginWebScraper }

// Open starts a crawl at the base URL. The page count is unknown up front.
func (w *WebScraper) Open(_ context.Context) (Iterator, error) {
	start := normalizeURL(w.base)
	return &webIterator{
		w:       w,
		queue:   []webTarget{{url: start, depth: 0}},
		visited: map[string]bool{start: true},
	}, nil
}

// TestConnection fetches the base URL.
func (w *WebScraper) TestConnection(ctx context.Context) error {
	it := &webIterator{w: w}
	_, err := it.fetch(ctx, normalizeURL(w.base))
	return err
}

type webTarget struct {
	url   string
	depth int
}

type webIterator struct {
	w       *WebScraper
	queue   []webTarget
	visited map[string]bool
	emitted int
}

func (it *webIterator) Next(ctx context.Context) (models.Document, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Document{}, err
		}
		if len(it.queue) == 0 || it.emitted >= it.w.maxPages {
			return models.Document{}, EOF
		}

		target := it.queue[0]
		page, err := it.fetch(ctx, target.url)
		if err != nil {
			if ingesterr.Retryable(err) {
				return models.Document{}, err
			}
			it.queue = it.queue[1:]
			if target.depth == 0 {
				return models.Document{}, err
			}
			// Broken links below the start page are skipped.
			continue
		}
		it.queue = it.queue[1:]
		if page == nil {
			continue
		}

		if target.depth < it.w.maxDepth {
			for _, link := range page.links {
				if !it.visited[link] {
					it.visited[link] = true
					it.queue = append(it.queue, webTarget{url: link, depth: target.depth + 1})
				}
			}
		}

		if strings.TrimSpace(page.text) == "" {
			continue
		}
		it.emitted++
		title := page.title
		if title == "" {
			title = target.url
		}
		return newDocument(pluginWebScraper, target.url, page.text, map[string]any{
			"title": title,
			"depth": target.depth,
			"url":   target.url,
		}), nil
	}
}

func (it *webIterator) Close() error { return nil }

type webPage struct {
	title string
	text  string
	links []string
}

// fetch downloads and parses one page. Non-HTML responses yield a nil page.
func (it *webIterator) fetch(ctx context.Context, pageURL string) (*webPage, error) {
	const op = "web.get"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
	}
	req.Header.Set("User-Agent", "ingestd/1.0 (+web_scraper)")

	resp, err := it.w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ingesterr.Wrap(ingesterr.KindConnection, op, err)
	}
	defer resp.Body.Close()

	if err := statusError(op, pageURL, resp); err != nil {
		return nil, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, nil
	}

	data, err := readAllLimited(resp.Body, maxDocumentBytes)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindConnection, op, err)
	}

	base, _ := url.Parse(pageURL)
	page := &webPage{}
	page.title, page.links = parseLinks(data, base, it.w.base.Host)

	text, _, err := docconv.ConvertHTML(bytes.NewReader(data), false)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
	}
	page.text = strings.TrimSpace(text)
	return page, nil
}

// statusError maps HTTP status codes onto error kinds.
func statusError(op, target string, resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("GET %s: %s", target, resp.Status)
	switch {
	case code == http.StatusTooManyRequests:
		return ingesterr.RateLimited(op, err, retryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ingesterr.Wrap(ingesterr.KindAuth, op, err)
	case code == http.StatusNotFound || code == http.StatusGone:
		return ingesterr.Wrap(ingesterr.KindNotFound, op, err)
	case code >= 500:
		return ingesterr.Wrap(ingesterr.KindConnection, op, err)
	}
	return ingesterr.Wrap(ingesterr.KindInvalidInput, op, err)
}

// retryAfter parses a Retry-After header given in seconds or as a date.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, time.Until(t))
	}
	return 0
}

// parseLinks returns the page title and the absolute same-host links.
func parseLinks(data []byte, base *url.URL, host string) (string, []string) {
	var title string
	var links []string
	seen := map[string]bool{}

	z := html.NewTokenizer(bytes.NewReader(data))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(title), links
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			switch t.Data {
			case "title":
				inTitle = title == ""
			case "a":
				for _, a := range t.Attr {
					if a.Key != "href" {
						continue
					}
					ref, err := url.Parse(strings.TrimSpace(a.Val))
					if err != nil || base == nil {
						continue
					}
					abs := base.ResolveReference(ref)
					if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host != host {
						continue
					}
					n := normalizeURL(abs)
					if !seen[n] {
						seen[n] = true
						links = append(links, n)
					}
				}
			}
		case html.TextToken:
			if inTitle {
				title += string(z.Text())
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "title" {
				inTitle = false
			}
		}
	}
}

// normalizeURL drops fragments so anchors on one page are not crawled twice.
func normalizeURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}
