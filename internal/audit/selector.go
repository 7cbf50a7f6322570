package audit

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxSelectorDepth = 4
	maxSnippetLen    = 160
)

// selectorFor builds a short CSS path for s, anchored at the nearest id.
func selectorFor(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	parts := make([]string, 0, maxSelectorDepth)
	cur := s.First()
	for depth := 0; depth < maxSelectorDepth && cur.Length() > 0; depth++ {
		name := goquery.NodeName(cur)
		if name == "" || name == "#document" {
			break
		}
		if id := strings.TrimSpace(attr(cur, "id")); id != "" && !strings.ContainsAny(id, " \"'") {
			parts = append(parts, name+"#"+id)
			break
		}
		if name == "html" || name == "body" {
			parts = append(parts, name)
			break
		}
		parts = append(parts, name+nthOfType(cur, name))
		cur = cur.Parent()
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func nthOfType(s *goquery.Selection, name string) string {
	siblings := s.Parent().Children().FilterFunction(func(_ int, sib *goquery.Selection) bool {
		return goquery.NodeName(sib) == name
	})
	if siblings.Length() <= 1 {
		return ""
	}
	idx := siblings.IndexOfSelection(s) + 1
	return ":nth-of-type(" + strconv.Itoa(idx) + ")"
}

// snippetFor returns the element's opening markup, truncated.
func snippetFor(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	html, err := goquery.OuterHtml(s.First())
	if err != nil {
		return ""
	}
	html = strings.Join(strings.Fields(html), " ")
	if len(html) > maxSnippetLen {
		return html[:maxSnippetLen] + "..."
	}
	return html
}
