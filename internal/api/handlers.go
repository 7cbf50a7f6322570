package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/webability/scrapegate/internal/dispatcher"
	"github.com/webability/scrapegate/internal/scrape"
	"github.com/webability/scrapegate/internal/scraper"
)

type scrapeRequest struct {
	URL     string `json:"url"`
	Country string `json:"country"`
}

type screenshotRequest struct {
	URL      string `json:"url"`
	Country  string `json:"country"`
	FullPage bool   `json:"full_page"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type scrapeResponse struct {
	URL        string `json:"url"`
	Tier       string `json:"tier"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code"`
	HTML       string `json:"html"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error:   "invalid JSON body",
			Failure: scrape.FailureInvalidRequest,
		})
		return false
	}
	return true
}

func (s *Server) scrapeHTML(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if !decode(w, r, &body) {
		return
	}
	result, err := s.scraper.Scrape(r.Context(), scrape.Request{
		URL:     body.URL,
		Kind:    scrape.KindHTML,
		Country: body.Country,
	})
	if err != nil {
		s.logFailure(r, body.URL, err)
		writeScrapeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scrapeResponse{
		URL:        result.URL,
		Tier:       result.Tier.Key(),
		Attempts:   result.Attempts,
		StatusCode: result.StatusCode,
		HTML:       result.HTML,
	})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	var body screenshotRequest
	if !decode(w, r, &body) {
		return
	}
	result, err := s.scraper.Scrape(r.Context(), scrape.Request{
		URL:      body.URL,
		Kind:     scrape.KindScreenshot,
		Country:  body.Country,
		FullPage: body.FullPage,
		Width:    body.Width,
		Height:   body.Height,
	})
	if err != nil {
		s.logFailure(r, body.URL, err)
		writeScrapeError(w, err)
		return
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Image)))
	w.Header().Set("X-Scrape-Tier", result.Tier.Key())
	w.Header().Set("X-Scrape-Attempts", strconv.Itoa(result.Attempts))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Image); err != nil {
		s.logger.Warn("write screenshot failed", zap.Error(err))
	}
}

func (s *Server) submitReport(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if !decode(w, r, &body) {
		return
	}
	if err := scraper.Validate(scrape.Request{URL: body.URL, Kind: scrape.KindHTML, Country: body.Country}); err != nil {
		writeScrapeError(w, err)
		return
	}
	job, err := s.reports.Submit(r.Context(), body.URL, body.Country)
	if err != nil {
		s.logger.Error("submit report failed", zap.String("url", body.URL), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, scrape.ErrQueueClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getReportResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status != scrape.JobStatusSucceeded {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "report not ready",
			"status": string(job.Status),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(job.Report); err != nil {
		s.logger.Warn("write report failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) cancelReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.reports.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, scrape.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, dispatcher.ErrJobFinished):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"status": string(job.Status),
		})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
	}
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (scrape.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.reports.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return scrape.Job{}, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return scrape.Job{}, false
	}
	return job, true
}

func (s *Server) logFailure(r *http.Request, url string, err error) {
	s.logger.Warn("scrape failed",
		zap.String("url", url),
		zap.String("failure", string(scrape.FailureOf(err))),
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.Error(err),
	)
}
