// Package redcap is a minimal client for the REDCap API. It covers the calls
// needed to manage subject identities: exporting records, importing records
// and reading project information.
package redcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	opExportRecords = "export_records"
	opImportRecords = "import_records"
	opProjectInfo   = "project_info"

	// maxErrorBody caps how much of an error response is kept in APIError.
	maxErrorBody = 4096
)

// Record is one row of a flat REDCap export or import. Values decoded from an
// export are strings, json.Number or nil.
type Record map[string]interface{}

// ExportRequest selects which records, fields and events to export. Empty
// slices mean "all".
type ExportRequest struct {
	Records []string
	Fields  []string
	Events  []string
}

// Project is the subset of REDCap project information the tooling uses.
type Project struct {
	ID             json.Number `json:"project_id"`
	Title          string      `json:"project_title"`
	IsLongitudinal json.Number `json:"is_longitudinal"`
	InProduction   json.Number `json:"in_production"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithRateLimit throttles outgoing calls to rps requests per second. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for per-request debug events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "redcap-client").Logger()
	}
}

// Client talks to one REDCap project, identified by its API URL and token.
type Client struct {
	url     string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func New(apiURL, token string, opts ...Option) *Client {
	c := &Client{
		url:    strings.TrimSpace(apiURL),
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ExportRecords exports records in flat JSON format.
func (c *Client) ExportRecords(ctx context.Context, req ExportRequest) ([]Record, error) {
	form := c.form("record")
	form.Set("action", "export")
	form.Set("type", "flat")
	form.Set("rawOrLabel", "raw")
	form.Set("rawOrLabelHeaders", "raw")
	form.Set("exportCheckboxLabel", "false")
	form.Set("exportSurveyFields", "false")
	form.Set("exportDataAccessGroups", "false")
	setIndexed(form, "records", req.Records)
	setIndexed(form, "fields", req.Fields)
	setIndexed(form, "events", req.Events)

	var records []Record
	if err := c.post(ctx, opExportRecords, form, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// ImportRecords imports records in flat JSON format and returns how many
// records REDCap reports as imported. Blank values do not overwrite existing
// data.
func (c *Client) ImportRecords(ctx context.Context, records []Record) (int, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return 0, fmt.Errorf("encode records: %w", err)
	}

	form := c.form("record")
	form.Set("action", "import")
	form.Set("type", "flat")
	form.Set("overwriteBehavior", "normal")
	form.Set("forceAutoNumber", "false")
	form.Set("returnContent", "count")
	form.Set("data", string(data))

	var resp struct {
		Count json.Number `json:"count"`
	}
	if err := c.post(ctx, opImportRecords, form, &resp); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(resp.Count.String())
	if err != nil {
		return 0, &APIError{Sentinel: ErrBadResponse, Operation: opImportRecords, Err: fmt.Errorf("count %q: %w", resp.Count, err)}
	}
	return n, nil
}

// ProjectInfo exports the project's basic attributes. It doubles as a cheap
// check that the URL and token are usable.
func (c *Client) ProjectInfo(ctx context.Context) (*Project, error) {
	var p Project
	if err := c.post(ctx, opProjectInfo, c.form("project"), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) form(content string) url.Values {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("content", content)
	form.Set("format", "json")
	form.Set("returnFormat", "json")
	return form
}

func setIndexed(form url.Values, key string, values []string) {
	for i, v := range values {
		form.Set(fmt.Sprintf("%s[%d]", key, i), v)
	}
}

func (c *Client) post(ctx context.Context, op string, form url.Values, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		observeRequest(op, start, err)
		evt := c.logger.Debug()
		if err != nil {
			evt = c.logger.Warn().Err(err)
		}
		evt.Str("operation", op).Dur("latency", time.Since(start)).Msg("redcap request")
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return &APIError{Sentinel: ErrBadRequest, Operation: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return &APIError{Sentinel: ErrUpstreamUnavailable, Operation: op, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &APIError{
			Sentinel:  sentinelForStatus(res.StatusCode),
			Operation: op,
			Status:    res.StatusCode,
			Message:   errorMessage(body),
		}
	}

	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Status: res.StatusCode, Err: err}
	}
	return nil
}

// errorMessage extracts REDCap's {"error": "..."} message, falling back to the
// raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
