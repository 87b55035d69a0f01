package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// ErrNotPublished means the BAT analysis page does not exist yet. The Swift
// follow-up job treats it as retriable.
var ErrNotPublished = errors.New("swift analysis page not published yet")

// DefaultSwiftBaseURL is the root of the Swift BAT burst-analysis pages.
const DefaultSwiftBaseURL = "https://swift.gsfc.nasa.gov/results/BATbursts"

// SwiftAnalysisPage holds the values scraped from a BAT analysis page. A nil
// pointer field means the page did not carry that value.
type SwiftAnalysisPage struct {
	T90           *float64 // seconds, 15-150 keV
	T90Error      *float64
	HardnessRatio *float64
	Fluence       *float64 // erg/cm2, 15-150 keV
}

// HasData reports whether the page carried anything worth posting.
func (p *SwiftAnalysisPage) HasData() bool {
	return p.T90 != nil || p.HardnessRatio != nil || p.Fluence != nil
}

var (
	t90Re      = regexp.MustCompile(`T90:\s+([0-9.]+)\s+\+/-\s+([0-9.]+)`)
	hardnessRe = regexp.MustCompile(`[Hh]ardness\s+ratio\s*\(?energy fluence ratio\)?\s*[=:]\s*([0-9.]+)`)
	fluenceRe  = regexp.MustCompile(`15-\s*150\s+([0-9.]+[eE][+-]?[0-9]+)`)
	numRe      = regexp.MustCompile(`^[0-9.]+([eE][+-]?[0-9]+)?$`)
)

func parseFloatMatch(m []string, idx int) *float64 {
	if len(m) <= idx || !numRe.MatchString(m[idx]) {
		return nil
	}
	var v float64
	if _, err := fmt.Sscanf(m[idx], "%g", &v); err != nil {
		return nil
	}
	return &v
}

// ParseSwiftAnalysis scrapes the interesting values out of the raw page.
// The pages are hand-assembled HTML, so matching works on text patterns
// rather than markup structure.
func ParseSwiftAnalysis(html string) *SwiftAnalysisPage {
	page := &SwiftAnalysisPage{}
	if m := t90Re.FindStringSubmatch(html); m != nil {
		page.T90 = parseFloatMatch(m, 1)
		page.T90Error = parseFloatMatch(m, 2)
	}
	if m := hardnessRe.FindStringSubmatch(html); m != nil {
		page.HardnessRatio = parseFloatMatch(m, 1)
	}
	if m := fluenceRe.FindStringSubmatch(html); m != nil {
		page.Fluence = parseFloatMatch(m, 1)
	}
	return page
}

// SwiftFetcher downloads BAT analysis pages.
type SwiftFetcher struct {
	BaseURL string
	http    *http.Client
}

// NewSwiftFetcher creates a fetcher; an empty baseURL uses the public site.
func NewSwiftFetcher(baseURL string) *SwiftFetcher {
	if baseURL == "" {
		baseURL = DefaultSwiftBaseURL
	}
	return &SwiftFetcher{
		BaseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads and parses the analysis page of one trigger id. A 404 maps
// to ErrNotPublished.
func (f *SwiftFetcher) Fetch(ctx context.Context, triggerID string) (*SwiftAnalysisPage, error) {
	url := fmt.Sprintf("%s/%s/bascript/top.html", f.BaseURL, triggerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch analysis page of %s: %w", triggerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("trigger %s: %w", triggerID, ErrNotPublished)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analysis page of %s: unexpected status %d", triggerID, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis page of %s: %w", triggerID, err)
	}
	return ParseSwiftAnalysis(string(body)), nil
}
