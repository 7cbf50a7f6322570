// Package detector decides when a statically fetched page needs a browser render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/webability/scrapegate/internal/scrape"
)

// Heuristic promotes thin, script-heavy, or SPA-shell pages.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold defaults to 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("<noscript>you need to enable javascript"),
}

// ShouldPromote reports whether resp looks like an unrendered client-side app.
func (h *Heuristic) ShouldPromote(resp scrape.RawResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover a quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for pos < total {
		rel := strings.Index(lower[pos:], openTag)
		if rel < 0 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt >= 0 {
			contentStart := start + gt + 1
			if closeRel := strings.Index(lower[contentStart:], closeTag); closeRel >= 0 {
				end = contentStart + closeRel + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}
