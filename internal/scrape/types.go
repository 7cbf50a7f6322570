// Package scrape defines the core types shared by the scraping subsystems.
package scrape

import (
	"net/http"
	"strings"
	"time"
)

// Kind selects the payload a scrape request expects back.
type Kind string

// Supported scrape kinds.
const (
	KindHTML       Kind = "html"
	KindScreenshot Kind = "screenshot"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindHTML || k == KindScreenshot
}

// ProxyKind identifies the class of egress used by a tier.
type ProxyKind string

// Proxy kinds, in fallback order.
const (
	ProxyISP         ProxyKind = "isp"
	ProxyResidential ProxyKind = "residential"
)

// Tier is one step of the proxy fallback chain.
type Tier struct {
	Name    string    `json:"name"`
	Kind    ProxyKind `json:"kind"`
	Country string    `json:"country,omitempty"`
}

// Key returns the stable identifier used for breakers and metrics.
func (t Tier) Key() string {
	if t.Country == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + strings.ToLower(t.Country)
}

// Request describes a single scrape or screenshot.
type Request struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	Kind     Kind   `json:"kind"`
	Country  string `json:"country,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// RawResponse is what a backend returned before classification.
type RawResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header, if any.
func (r RawResponse) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Result is a classified, successful scrape.
type Result struct {
	URL         string        `json:"url"`
	Kind        Kind          `json:"kind"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type"`
	HTML        string        `json:"html,omitempty"`
	Image       []byte        `json:"-"`
	Tier        Tier          `json:"tier"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration"`
}

// Attempt is one outbound call made while serving a Request.
type Attempt struct {
	ID          string
	RequestID   string
	URL         string
	Kind        Kind
	Tier        Tier
	Outcome     string
	StatusCode  int
	Duration    time.Duration
	ErrorText   string
	AttemptedAt time.Time
}

// OutcomeOK is recorded for attempts that produced a Result.
const OutcomeOK = "ok"

// JobStatus represents the lifecycle state of a report job.
type JobStatus string

// Report job states.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job is an asynchronous accessibility report request.
type Job struct {
	ID        string         `json:"id"`
	URL       string         `json:"url"`
	Country   string         `json:"country,omitempty"`
	Status    JobStatus      `json:"status"`
	Submitted time.Time      `json:"submitted_at"`
	Started   *time.Time     `json:"started_at,omitempty"`
	Finished  *time.Time     `json:"finished_at,omitempty"`
	ErrorText string         `json:"error_text,omitempty"`
	Failure   Failure        `json:"failure,omitempty"`
	Tier      string         `json:"tier,omitempty"`
	ReportURI string         `json:"report_uri,omitempty"`
	Summary   *ReportSummary `json:"summary,omitempty"`
	Report    []byte         `json:"-"`
}

// ReportSummary is the compact view of a finished report kept on the job.
type ReportSummary struct {
	Score  int            `json:"score"`
	Issues int            `json:"issues"`
	Impact map[string]int `json:"impact"`
}

// ReportTask is queued for the report workers.
type ReportTask struct {
	JobID     string
	URL       string
	Country   string
	Submitted int64
}
