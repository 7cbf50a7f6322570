// Package classify turns raw backend responses into typed scrape results.
package classify

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/webability/scrapegate/internal/scrape"
)

const htmlContentType = "text/html; charset=utf-8"

var htmlMarkers = [][]byte{
	[]byte("<html"),
	[]byte("<!doctype html"),
	[]byte("<body"),
}

// envelope is the JSON wrapper used by scraping APIs.
type envelope struct {
	Code    json.RawMessage `json:"code"`
	Status  json.RawMessage `json:"status"`
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) text() string {
	for _, s := range []string{e.Message, e.Msg, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Classify inspects the status and payload shape of raw and extracts the
// payload expected for kind.
func Classify(kind scrape.Kind, raw scrape.RawResponse) (scrape.Result, error) {
	if err := classifyStatus(raw.StatusCode, string(raw.Body)); err != nil {
		return scrape.Result{}, err
	}

	result := scrape.Result{
		URL:        raw.URL,
		Kind:       kind,
		StatusCode: raw.StatusCode,
		Duration:   raw.Duration,
	}
	html, image, err := extract(raw)
	if err != nil {
		return scrape.Result{}, err
	}
	return fill(kind, result, html, image)
}

// classifyStatus maps HTTP status and body text onto failure kinds.
func classifyStatus(status int, body string) error {
	ok := status >= 200 && status < 300
	if status == http.StatusPaymentRequired || (!ok && mentionsQuota(body)) {
		return &scrape.Error{
			Failure:    scrape.FailureQuota,
			StatusCode: status,
			Message:    "insufficient balance",
		}
	}
	switch {
	case ok:
		return nil
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly,
		status == http.StatusTooManyRequests, status >= 500:
		return &scrape.Error{
			Failure:    scrape.FailureTransient,
			StatusCode: status,
			Message:    snippet(body),
		}
	default:
		return &scrape.Error{
			Failure:    scrape.FailureRejected,
			StatusCode: status,
			Message:    snippet(body),
		}
	}
}

func mentionsQuota(body string) bool {
	return strings.Contains(strings.ToLower(body), "insufficient balance")
}

func extract(raw scrape.RawResponse) (string, []byte, error) {
	contentType := strings.ToLower(raw.ContentType())
	body := raw.Body

	if isImage(contentType, body) {
		return "", body, nil
	}
	trimmed := bytes.TrimSpace(body)
	if strings.Contains(contentType, "json") || bytes.HasPrefix(trimmed, []byte("{")) {
		return extractEnvelope(raw.StatusCode, trimmed)
	}
	if strings.HasPrefix(contentType, "text/html") || looksLikeHTML(trimmed) {
		return string(body), nil, nil
	}
	if mentionsQuota(string(body)) {
		return "", nil, &scrape.Error{
			Failure:    scrape.FailureQuota,
			StatusCode: raw.StatusCode,
			Message:    "insufficient balance",
		}
	}
	return "", nil, &scrape.Error{
		Failure:    scrape.FailureContentShape,
		StatusCode: raw.StatusCode,
		Message:    fmt.Sprintf("unexpected payload %q", http.DetectContentType(body)),
	}
}

func extractEnvelope(status int, body []byte) (string, []byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, &scrape.Error{
			Failure:    scrape.FailureContentShape,
			StatusCode: status,
			Message:    "malformed JSON payload",
			Err:        err,
		}
	}
	if err := envelopeFailure(status, env); err != nil {
		return "", nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return "", nil, &scrape.Error{
			Failure:    scrape.FailureContentShape,
			StatusCode: status,
			Message:    "JSON payload has no data",
		}
	}

	var text string
	if err := json.Unmarshal(env.Data, &text); err == nil {
		return fromString(status, text)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return "", nil, &scrape.Error{
			Failure:    scrape.FailureContentShape,
			StatusCode: status,
			Message:    "JSON data is neither string nor object",
		}
	}
	for _, key := range []string{"html", "content", "screenshot", "image", "base64"} {
		value, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, &text); err == nil && text != "" {
			return fromString(status, text)
		}
	}
	return "", nil, &scrape.Error{
		Failure:    scrape.FailureContentShape,
		StatusCode: status,
		Message:    "JSON data has no html or image field",
	}
}

func envelopeFailure(status int, env envelope) error {
	code, hasCode := numeric(env.Code)
	if !hasCode {
		code, hasCode = numeric(env.Status)
	}
	failed := env.Success != nil && !*env.Success
	if hasCode && (code < 200 || code >= 300) {
		failed = true
	}
	if mentionsQuota(env.text()) {
		return classifyStatus(http.StatusPaymentRequired, env.text())
	}
	if !failed {
		return nil
	}
	if !hasCode {
		code = http.StatusBadGateway
	}
	err := classifyStatus(code, env.text())
	if err == nil {
		// success=false with a 2xx code
		return &scrape.Error{
			Failure:    scrape.FailureTransient,
			StatusCode: status,
			Message:    env.text(),
		}
	}
	return err
}

func numeric(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	return 0, false
}

func fromString(status int, text string) (string, []byte, error) {
	trimmed := strings.TrimSpace(text)
	if looksLikeHTML([]byte(trimmed)) {
		return text, nil, nil
	}
	if image, ok := decodeImage(trimmed); ok {
		return "", image, nil
	}
	return "", nil, &scrape.Error{
		Failure:    scrape.FailureContentShape,
		StatusCode: status,
		Message:    "data is neither HTML nor an encoded image",
	}
}

func decodeImage(text string) ([]byte, bool) {
	if strings.HasPrefix(text, "data:image/") {
		idx := strings.Index(text, ";base64,")
		if idx < 0 {
			return nil, false
		}
		text = text[idx+len(";base64,"):]
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		decoded, err := enc.DecodeString(text)
		if err == nil && isImage("", decoded) {
			return decoded, true
		}
	}
	return nil, false
}

func fill(kind scrape.Kind, result scrape.Result, html string, image []byte) (scrape.Result, error) {
	switch kind {
	case scrape.KindScreenshot:
		if len(image) == 0 {
			return scrape.Result{}, &scrape.Error{
				Failure:    scrape.FailureContentShape,
				StatusCode: result.StatusCode,
				Message:    "expected image payload, got HTML",
			}
		}
		result.Image = image
		result.ContentType = http.DetectContentType(image)
	default:
		if len(image) > 0 {
			return scrape.Result{}, &scrape.Error{
				Failure:    scrape.FailureContentShape,
				StatusCode: result.StatusCode,
				Message:    "expected HTML payload, got image",
			}
		}
		if strings.TrimSpace(html) == "" {
			return scrape.Result{}, &scrape.Error{
				Failure:    scrape.FailureContentShape,
				StatusCode: result.StatusCode,
				Message:    "empty HTML payload",
			}
		}
		result.HTML = html
		result.ContentType = htmlContentType
	}
	return result, nil
}

func isImage(contentType string, body []byte) bool {
	if strings.HasPrefix(contentType, "image/") {
		return len(body) > 0
	}
	return len(body) > 0 && strings.HasPrefix(http.DetectContentType(body), "image/")
}

func looksLikeHTML(body []byte) bool {
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	lower := bytes.ToLower(head)
	for _, marker := range htmlMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		return body[:cut]
	}
	return body
}
