package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"lexflow/internal/domain"
	"lexflow/internal/metrics"
)

// Payload is the supporting legal material fetched for a completed (or
// in-progress) answer set. Enrichment never blocks or influences rule
// evaluation; a failed lookup degrades to an empty payload.
type Payload struct {
	Decisions        []Decision   `json:"decisions,omitempty"`
	Laws             []LawRef     `json:"laws,omitempty"`
	RiskFactors      []RiskFactor `json:"risk_factors,omitempty"`
	SuggestedClauses []string     `json:"suggested_clauses,omitempty"`
	Degraded         bool         `json:"degraded"`
	FetchedAt        string       `json:"fetched_at" format:"date-time"`
}

type Decision struct {
	Court   string `json:"court"`
	Number  string `json:"number"`
	Date    string `json:"date,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type LawRef struct {
	Code    string `json:"code"`
	Article string `json:"article"`
	Text    string `json:"text,omitempty"`
}

type RiskFactor struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Client queries the legal knowledge base with a TTL cache, bounded retries,
// and a failure-count circuit breaker.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Now        func() time.Time

	// CacheTTL bounds how long a search result is reused. Zero disables
	// caching.
	CacheTTL time.Duration
	// MaxRetries is attempts beyond the first per upstream call.
	MaxRetries int
	// BreakerThreshold consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	mu        sync.Mutex
	cache     map[string]cacheEntry
	failures  int
	openUntil time.Time
}

type cacheEntry struct {
	payload Payload
	expires time.Time
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:          baseURL,
		HTTPClient:       &http.Client{Timeout: 10 * time.Second},
		Now:              time.Now,
		CacheTTL:         15 * time.Minute,
		MaxRetries:       2,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
		cache:            map[string]cacheEntry{},
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Fetch builds search terms from the template category and the answer set,
// queries decisions, laws, and risk factors, and returns whatever could be
// gathered. Upstream failure is never an error to the caller: the payload
// comes back empty with Degraded set.
func (c *Client) Fetch(ctx context.Context, tpl *domain.Template, answers map[string]domain.Answer) Payload {
	terms := SearchTerms(tpl, answers)
	key := strings.Join(terms, "|")

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.payload
	}
	open := c.now().Before(c.openUntil)
	c.mu.Unlock()

	p := Payload{FetchedAt: c.now().UTC().Format(time.RFC3339)}
	if c.BaseURL == "" || open {
		p.Degraded = true
		if c.Metrics != nil {
			c.Metrics.EnrichFailures.Inc()
		}
		return p
	}

	var failed bool
	if err := c.get(ctx, "decisions", terms, &p.Decisions); err != nil {
		failed = true
	}
	if err := c.get(ctx, "laws", terms, &p.Laws); err != nil {
		failed = true
	}
	if err := c.get(ctx, "risk-factors", terms, &p.RiskFactors); err != nil {
		failed = true
	}
	p.SuggestedClauses = suggestClauses(p.RiskFactors)

	c.mu.Lock()
	if failed {
		p.Degraded = true
		c.failures++
		if c.failures >= c.BreakerThreshold {
			c.openUntil = c.now().Add(c.BreakerCooldown)
			c.failures = 0
		}
	} else {
		c.failures = 0
		if c.CacheTTL > 0 {
			c.cache[key] = cacheEntry{payload: p, expires: c.now().Add(c.CacheTTL)}
		}
	}
	c.mu.Unlock()

	if failed && c.Metrics != nil {
		c.Metrics.EnrichFailures.Inc()
	}
	return p
}

func (c *Client) get(ctx context.Context, resource string, terms []string, out any) error {
	endpoint := fmt.Sprintf("%s/%s?q=%s", strings.TrimRight(c.BaseURL, "/"), resource, url.QueryEscape(strings.Join(terms, " ")))
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				b, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("%s: status=%d body=%s", resource, resp.StatusCode, bytes.TrimSpace(b))
				return
			}
			lastErr = json.NewDecoder(resp.Body).Decode(out)
		}()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// SearchTerms derives knowledge-base queries from the template category and
// selected answers, deterministically ordered.
func SearchTerms(tpl *domain.Template, answers map[string]domain.Answer) []string {
	terms := []string{}
	if tpl.Category != "" {
		terms = append(terms, strings.ToLower(strings.ReplaceAll(tpl.Category, "_", " ")))
	}
	var keys []string
	for id := range answers {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	for _, id := range keys {
		ans := answers[id]
		if b, ok := ans.Value.(bool); ok && b {
			terms = append(terms, strings.ReplaceAll(id, "_", " "))
		}
	}
	if len(terms) == 0 {
		terms = append(terms, "general contract law")
	}
	return terms
}

func suggestClauses(risks []RiskFactor) []string {
	var out []string
	for _, r := range risks {
		if strings.EqualFold(r.Severity, "high") {
			out = append(out, "clause_risk_"+slug(r.Description))
		}
	}
	return out
}

func slug(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
