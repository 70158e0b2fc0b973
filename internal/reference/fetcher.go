// Package reference pulls the main text of web pages mentioned in an idea so
// the clarification request has some context to work from.
package reference

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 2 << 20
	DefaultMaxChars = 4000
	DefaultMaxPages = 3
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

type Fetcher struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
	MaxChars  int
	MaxPages  int
	policy    *bluemonday.Policy
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:    &http.Client{Timeout: DefaultTimeout},
		UserAgent: "Mozilla/5.0 (compatible; stepwise/1.0)",
		MaxBytes:  DefaultMaxBytes,
		MaxChars:  DefaultMaxChars,
		MaxPages:  DefaultMaxPages,
		policy:    bluemonday.StrictPolicy(),
	}
}

// ExtractURLs returns the distinct http(s) URLs in text, in order.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// Fetch downloads one page and returns a short plain-text report of its
// main content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch URL: status code %d", resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, f.MaxBytes), parsedURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse article: %w", err)
	}

	content := strings.TrimSpace(f.policy.Sanitize(article.TextContent))
	if r := []rune(content); f.MaxChars > 0 && len(r) > f.MaxChars {
		content = string(r[:f.MaxChars]) + "\n... (content truncated) ..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE: %s\nTITLE: %s\n", rawURL, f.policy.Sanitize(article.Title))
	if article.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", f.policy.Sanitize(article.Excerpt))
	}
	b.WriteString("\n-- CONTENT --\n")
	b.WriteString(content)
	return b.String(), nil
}

// Collect fetches every URL mentioned in text, up to MaxPages. Pages that
// fail are logged and skipped.
func (f *Fetcher) Collect(ctx context.Context, text string) []string {
	urls := ExtractURLs(text)
	if f.MaxPages > 0 && len(urls) > f.MaxPages {
		urls = urls[:f.MaxPages]
	}
	var out []string
	for _, u := range urls {
		report, err := f.Fetch(ctx, u)
		if err != nil {
			log.Printf("[Reference] skipping %s: %v", u, err)
			continue
		}
		out = append(out, report)
	}
	return out
}
