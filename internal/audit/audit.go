// Package audit runs static accessibility checks over rendered HTML.
package audit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/webability/scrapegate/internal/scrape"
)

// Impact levels, ordered from most to least severe.
const (
	ImpactCritical = "critical"
	ImpactSerious  = "serious"
	ImpactModerate = "moderate"
	ImpactMinor    = "minor"
)

var weights = map[string]int{
	ImpactCritical: 10,
	ImpactSerious:  5,
	ImpactModerate: 2,
	ImpactMinor:    1,
}

// Issue is a single rule violation.
type Issue struct {
	Rule     string `json:"rule"`
	WCAG     string `json:"wcag"`
	Impact   string `json:"impact"`
	Message  string `json:"message"`
	Selector string `json:"selector"`
	Snippet  string `json:"snippet"`
}

// Report is the full audit of one page.
type Report struct {
	URL        string               `json:"url"`
	Tier       string               `json:"tier,omitempty"`
	AnalyzedAt time.Time            `json:"analyzed_at"`
	Summary    scrape.ReportSummary `json:"summary"`
	Issues     []Issue              `json:"issues"`
}

type rule struct {
	id     string
	wcag   string
	impact string
	check  func(doc *goquery.Document) []finding
}

type finding struct {
	sel     *goquery.Selection
	message string
}

var rules = []rule{
	{"image-alt", "1.1.1", ImpactCritical, checkImageAlt},
	{"html-has-lang", "3.1.1", ImpactSerious, checkHTMLLang},
	{"document-title", "2.4.2", ImpactSerious, checkDocumentTitle},
	{"label", "1.3.1", ImpactCritical, checkLabels},
	{"link-name", "2.4.4", ImpactSerious, checkLinkNames},
	{"button-name", "4.1.2", ImpactCritical, checkButtonNames},
	{"heading-order", "1.3.1", ImpactModerate, checkHeadingOrder},
	{"empty-heading", "1.3.1", ImpactMinor, checkEmptyHeadings},
	{"duplicate-id", "4.1.1", ImpactMinor, checkDuplicateIDs},
	{"meta-viewport", "1.4.4", ImpactCritical, checkMetaViewport},
}

// Analyze parses html and runs every rule against it.
func Analyze(pageURL, html string, now time.Time) (Report, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Report{}, fmt.Errorf("parse html: %w", err)
	}

	issues := make([]Issue, 0)
	for _, r := range rules {
		for _, f := range r.check(doc) {
			issues = append(issues, Issue{
				Rule:     r.id,
				WCAG:     r.wcag,
				Impact:   r.impact,
				Message:  f.message,
				Selector: selectorFor(f.sel),
				Snippet:  snippetFor(f.sel),
			})
		}
	}
	return Report{
		URL:        pageURL,
		AnalyzedAt: now,
		Summary:    Summarize(issues),
		Issues:     issues,
	}, nil
}

// Summarize scores issues: 100 minus the impact weights, floored at zero.
func Summarize(issues []Issue) scrape.ReportSummary {
	summary := scrape.ReportSummary{
		Score:  100,
		Issues: len(issues),
		Impact: map[string]int{},
	}
	for _, issue := range issues {
		summary.Impact[issue.Impact]++
		summary.Score -= weights[issue.Impact]
	}
	if summary.Score < 0 {
		summary.Score = 0
	}
	return summary
}

func checkImageAlt(doc *goquery.Document) []finding {
	var out []finding
	doc.Find(`img, input[type="image"], area[href]`).Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); ok || hidden(s) || hasAria(s) {
			return
		}
		role := strings.ToLower(attr(s, "role"))
		if role == "presentation" || role == "none" {
			return
		}
		out = append(out, finding{s, "image has no alt attribute"})
	})
	return out
}

func checkHTMLLang(doc *goquery.Document) []finding {
	root := doc.Find("html").First()
	if root.Length() == 0 {
		return nil
	}
	if strings.TrimSpace(attr(root, "lang")) == "" && strings.TrimSpace(attr(root, "xml:lang")) == "" {
		return []finding{{root, "html element has no lang attribute"}}
	}
	return nil
}

func checkDocumentTitle(doc *goquery.Document) []finding {
	title := doc.Find("head title").First()
	if title.Length() == 0 {
		title = doc.Find("title").First()
	}
	if title.Length() == 0 || strings.TrimSpace(title.Text()) == "" {
		return []finding{{doc.Find("html").First(), "document has no non-empty title"}}
	}
	return nil
}

var unlabelledInputTypes = map[string]bool{
	"hidden": true, "submit": true, "button": true, "reset": true, "image": true,
}

func checkLabels(doc *goquery.Document) []finding {
	labelled := map[string]bool{}
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) != "" || hasAria(s) {
			labelled[attr(s, "for")] = true
		}
	})

	var out []finding
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "input" && unlabelledInputTypes[strings.ToLower(attr(s, "type"))] {
			return
		}
		if hidden(s) || hasAria(s) || strings.TrimSpace(attr(s, "title")) != "" {
			return
		}
		if id := attr(s, "id"); id != "" && labelled[id] {
			return
		}
		if wrapper := s.Closest("label"); wrapper.Length() > 0 && strings.TrimSpace(wrapper.Text()) != "" {
			return
		}
		out = append(out, finding{s, "form control has no accessible label"})
	})
	return out
}

func checkLinkNames(doc *goquery.Document) []finding {
	var out []finding
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if hidden(s) || hasAccessibleText(s) {
			return
		}
		out = append(out, finding{s, "link has no discernible text"})
	})
	return out
}

func checkButtonNames(doc *goquery.Document) []finding {
	var out []finding
	doc.Find(`button, [role="button"]`).Each(func(_ int, s *goquery.Selection) {
		if hidden(s) || hasAccessibleText(s) {
			return
		}
		out = append(out, finding{s, "button has no discernible text"})
	})
	doc.Find(`input[type="submit"], input[type="button"], input[type="reset"]`).Each(func(_ int, s *goquery.Selection) {
		inputType := strings.ToLower(attr(s, "type"))
		if hidden(s) || hasAria(s) || strings.TrimSpace(attr(s, "value")) != "" {
			return
		}
		// submit and reset fall back to a browser-provided label
		if inputType == "submit" || inputType == "reset" {
			if _, ok := s.Attr("value"); !ok {
				return
			}
		}
		out = append(out, finding{s, "input button has no value"})
	})
	return out
}

func checkHeadingOrder(doc *goquery.Document) []finding {
	var out []finding
	previous := 0
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := headingLevel(s)
		if previous > 0 && level > previous+1 {
			out = append(out, finding{s, fmt.Sprintf("heading level jumps from h%d to h%d", previous, level)})
		}
		previous = level
	})
	return out
}

func checkEmptyHeadings(doc *goquery.Document) []finding {
	var out []finding
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if hidden(s) || hasAccessibleText(s) {
			return
		}
		out = append(out, finding{s, "heading is empty"})
	})
	return out
}

func checkDuplicateIDs(doc *goquery.Document) []finding {
	first := map[string]*goquery.Selection{}
	counts := map[string]int{}
	doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id := strings.TrimSpace(attr(s, "id"))
		if id == "" {
			return
		}
		if counts[id] == 0 {
			first[id] = s
		}
		counts[id]++
	})

	ids := make([]string, 0)
	for id, n := range counts {
		if n > 1 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]finding, 0, len(ids))
	for _, id := range ids {
		out = append(out, finding{first[id], fmt.Sprintf("id %q is used %d times", id, counts[id])})
	}
	return out
}

func checkMetaViewport(doc *goquery.Document) []finding {
	var out []finding
	doc.Find(`meta[name="viewport"]`).Each(func(_ int, s *goquery.Selection) {
		params := parseViewport(attr(s, "content"))
		if v := params["user-scalable"]; v == "no" || v == "0" {
			out = append(out, finding{s, "viewport disables user scaling"})
			return
		}
		if v, ok := params["maximum-scale"]; ok {
			if scale, err := strconv.ParseFloat(v, 64); err == nil && scale < 2 {
				out = append(out, finding{s, fmt.Sprintf("viewport maximum-scale %s prevents zoom", v)})
			}
		}
	})
	return out
}

func parseViewport(content string) map[string]string {
	params := map[string]string{}
	for _, part := range strings.FieldsFunc(content, func(r rune) bool { return r == ',' || r == ';' }) {
		key, value, _ := strings.Cut(part, "=")
		params[strings.ToLower(strings.TrimSpace(key))] = strings.ToLower(strings.TrimSpace(value))
	}
	return params
}

func headingLevel(s *goquery.Selection) int {
	name := goquery.NodeName(s)
	if len(name) != 2 {
		return 0
	}
	level, err := strconv.Atoi(name[1:])
	if err != nil {
		return 0
	}
	return level
}

func hasAccessibleText(s *goquery.Selection) bool {
	if strings.TrimSpace(s.Text()) != "" || hasAria(s) || strings.TrimSpace(attr(s, "title")) != "" {
		return true
	}
	found := false
	s.Find("img[alt], svg[aria-label], [aria-label]").EachWithBreak(func(_ int, child *goquery.Selection) bool {
		if strings.TrimSpace(attr(child, "alt")) != "" || strings.TrimSpace(attr(child, "aria-label")) != "" {
			found = true
			return false
		}
		return true
	})
	return found
}

func hasAria(s *goquery.Selection) bool {
	return strings.TrimSpace(attr(s, "aria-label")) != "" || strings.TrimSpace(attr(s, "aria-labelledby")) != ""
}

func hidden(s *goquery.Selection) bool {
	if attr(s, "aria-hidden") == "true" {
		return true
	}
	_, ok := s.Attr("hidden")
	return ok
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return v
}
