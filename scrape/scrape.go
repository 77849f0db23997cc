// Package scrape harvests quote passages from a quotation site.
//
// A topic index page lists document links inside div#list-content-wrapper.
// Each document keeps its quotes inside div.region-content; known noise
// blocks (rating widgets, pictures, taxonomy, pagination, code, original
// variants) are removed and the whitespace-normalized text of every
// remaining div.field-item becomes one passage.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// DefaultTopicURL is the topic index harvested by default.
const DefaultTopicURL = "https://citaty.info/topic"

// DefaultDocuments is how many documents are sampled per harvest.
const DefaultDocuments = 4

// ErrNoContent means the page lacks the expected content container.
var ErrNoContent = errors.New("content container not found")

// noiseClasses are div classes removed from a document before extraction.
var noiseClasses = []string{
	"rate-widget-1",
	"field-name-field-quote-picture",
	"field-type-taxonomy-term-reference",
	"node__topics",
	"quote__meta",
	"pagination",
	"node__series",
	"quote__original",
}

// noiseTags are elements removed from a document regardless of class.
var noiseTags = []string{"pre", "code"}

// Options controls a Scraper.
type Options struct {
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Timeout is the per-page timeout of the default client (default 30s).
	Timeout time.Duration
	// UserAgent is sent with every request when set.
	UserAgent string
	// Rand picks the sampled documents; nil uses the global source.
	Rand *rand.Rand
	// OnLog emits log messages.
	OnLog func(format string, args ...any)
	// OnError emits error messages.
	OnError func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

// Scraper fetches and parses pages.
type Scraper struct {
	opts   Options
	client *http.Client
}

// New returns a Scraper.
func New(opts Options) *Scraper {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Scraper{opts: opts, client: client}
}

// ---------------------------------------------------------------------------
// Fetching
// ---------------------------------------------------------------------------

func (s *Scraper) fetch(ctx context.Context, pageURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s: HTTP %d", pageURL, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}
	return doc, nil
}

// FetchTopicIndex returns the document URLs listed on the topic index.
func (s *Scraper) FetchTopicIndex(ctx context.Context, indexURL string) ([]string, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, fmt.Errorf("parsing topic URL: %w", err)
	}
	doc, err := s.fetch(ctx, indexURL)
	if err != nil {
		return nil, err
	}
	return topicLinks(doc, base)
}

// ExtractPassages returns the cleaned passages of one document page.
func (s *Scraper) ExtractPassages(ctx context.Context, docURL string) ([]string, error) {
	doc, err := s.fetch(ctx, docURL)
	if err != nil {
		return nil, err
	}
	return passages(doc)
}

// Harvest samples up to n documents from the topic index and extracts
// their passages. Documents that fail or yield nothing are skipped; only a
// failure to read the index itself is returned.
func (s *Scraper) Harvest(ctx context.Context, indexURL string, n int) (map[string][]string, error) {
	links, err := s.FetchTopicIndex(ctx, indexURL)
	if err != nil {
		return map[string][]string{}, fmt.Errorf("reading topic index %s: %w", indexURL, err)
	}

	docs := make(map[string][]string)
	for _, link := range s.sample(links, n) {
		if ctx.Err() != nil {
			break
		}
		ps, err := s.ExtractPassages(ctx, link)
		if err != nil {
			s.opts.logError("skipping %s: %v", link, err)
			continue
		}
		if len(ps) == 0 {
			s.opts.log("no quotes found on %s", link)
			continue
		}
		docs[link] = ps
	}
	return docs, nil
}

// sample returns n distinct links chosen at random, or all of them when
// there are no more than n.
func (s *Scraper) sample(links []string, n int) []string {
	if n <= 0 || len(links) <= n {
		return links
	}
	var perm []int
	if s.opts.Rand != nil {
		perm = s.opts.Rand.Perm(len(links))
	} else {
		perm = rand.Perm(len(links))
	}
	out := make([]string, n)
	for i := range out {
		out[i] = links[perm[i]]
	}
	return out
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func topicLinks(doc *html.Node, base *url.URL) ([]string, error) {
	wrapper := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "div") && getAttr(n, "id") == "list-content-wrapper"
	})
	if wrapper == nil {
		return nil, fmt.Errorf("div#list-content-wrapper: %w", ErrNoContent)
	}

	seen := make(map[string]bool)
	var links []string
	for _, div := range findAll(wrapper, func(n *html.Node) bool { return n != wrapper && isElement(n, "div") }) {
		a := findFirst(div, func(n *html.Node) bool { return isElement(n, "a") && hasAttr(n, "href") })
		if a == nil {
			continue
		}
		href := strings.TrimSpace(getAttr(a, "href"))
		if href == "" {
			continue
		}
		if base != nil {
			if u, err := base.Parse(href); err == nil {
				href = u.String()
			}
		}
		if !seen[href] {
			seen[href] = true
			links = append(links, href)
		}
	}
	return links, nil
}

func passages(doc *html.Node) ([]string, error) {
	region := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "div") && hasClass(n, "region-content")
	})
	if region == nil {
		return nil, fmt.Errorf("div.region-content: %w", ErrNoContent)
	}

	removeAll(region, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		for _, tag := range noiseTags {
			if n.Data == tag {
				return true
			}
		}
		if n.Data != "div" {
			return false
		}
		for _, class := range noiseClasses {
			if hasClass(n, class) {
				return true
			}
		}
		return false
	})

	var out []string
	for _, item := range findAll(region, func(n *html.Node) bool { return isElement(n, "div") && hasClass(n, "field-item") }) {
		if text := normalizeSpace(collectText(item)); text != "" {
			out = append(out, text)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Node helpers
// ---------------------------------------------------------------------------

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// findAll returns matching nodes under root in document order.
func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if match(n) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, match); n != nil {
			return n
		}
	}
	return nil
}

// removeAll detaches every matching descendant of root.
func removeAll(root *html.Node, match func(*html.Node) bool) {
	for c := root.FirstChild; c != nil; {
		next := c.NextSibling
		if match(c) {
			root.RemoveChild(c)
		} else {
			removeAll(c, match)
		}
		c = next
	}
}

// collectText joins the text nodes under n with spaces.
func collectText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
