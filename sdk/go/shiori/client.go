package shiori

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Shiori server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is the bearer JWT sent with every request.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Event streams are not subject to it.
	Timeout time.Duration
}

// Client is an HTTP client for the Shiori context API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Token is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("shiori: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("shiori: Token is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Health reports server health. It needs no token.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("shiori: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shiori: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var h Health
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// Sources lists the source modules the server offers.
func (c *Client) Sources(ctx context.Context) ([]Source, error) {
	var out []Source
	if err := c.get(ctx, "/v1/sources", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TestConnection checks credentials against a source without starting a run.
// Rejected credentials come back as Success=false, not as an error.
func (c *Client) TestConnection(ctx context.Context, module string, credentials map[string]any) (*ConnectionResult, error) {
	body := map[string]any{"credentials": credentials}
	var out ConnectionResult
	if err := c.post(ctx, "/v1/sources/"+url.PathEscape(module)+"/test-connection", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartExtraction starts an extraction run for module. Credentials are used
// for the run only; the server never stores them.
func (c *Client) StartExtraction(ctx context.Context, module string, config, credentials map[string]any) (*RunAccepted, error) {
	body := map[string]any{"config": config, "credentials": credentials}
	var out RunAccepted
	if err := c.post(ctx, "/v1/sources/"+url.PathEscape(module)+"/runs", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// StartGeneration starts a generation run from a completed extraction run.
func (c *Client) StartGeneration(ctx context.Context, extractionRunID uuid.UUID, llm LLMConfig) (*RunAccepted, error) {
	body := map[string]any{"llm": llm}
	var out RunAccepted
	if err := c.post(ctx, "/v1/runs/"+extractionRunID.String()+"/generate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Generate starts a generation run and blocks server-side until it ends.
// Use a context without a short deadline; generation can take minutes.
func (c *Client) Generate(ctx context.Context, extractionRunID uuid.UUID, llm LLMConfig) (*RunResult, error) {
	body := map[string]any{"llm": llm, "wait": true}
	var out RunResult
	if err := c.doJSON(ctx, c.streamClient(), http.MethodPost, "/v1/runs/"+extractionRunID.String()+"/generate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BuildTree starts a tree run over the given source runs.
func (c *Client) BuildTree(ctx context.Context, sources []RunRef, llm LLMConfig) (*RunAccepted, error) {
	body := map[string]any{"sources": sources, "llm": llm}
	var out RunAccepted
	if err := c.post(ctx, "/v1/trees", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns a run with its progress log.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunStatus, error) {
	var out RunStatus
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result returns the payload of a terminal run. A running run yields an
// error for which IsNotReady is true.
func (c *Client) Result(ctx context.Context, runID uuid.UUID) (*RunResult, error) {
	var out RunResult
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/result", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractedData returns the raw data an extraction run produced.
func (c *Client) ExtractedData(ctx context.Context, runID uuid.UUID) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/extracted", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel requests cancellation of a running run.
func (c *Client) Cancel(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var out Run
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns one page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		setIf(params, "module", opts.Module)
		setIf(params, "stage", opts.Stage)
		setIf(params, "status", opts.Status)
		if opts.ParentRunID != nil {
			params.Set("parent_run_id", opts.ParentRunID.String())
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var env listEnvelope
	if err := c.doJSON(ctx, c.client, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	out := &RunList{Total: env.Total, HasMore: env.HasMore}
	if err := json.Unmarshal(env.Data, &out.Runs); err != nil {
		return nil, fmt.Errorf("shiori: decode runs: %w", err)
	}
	return out, nil
}

// ListDocuments returns context documents. Only current documents are
// returned unless IncludeSuperseded is set.
func (c *Client) ListDocuments(ctx context.Context, opts *ListDocumentsOptions) ([]Document, error) {
	params := url.Values{}
	if opts != nil {
		setIf(params, "module", opts.Module)
		setIf(params, "scope", opts.Scope)
		setIf(params, "doc_key", opts.Key)
		if opts.RunID != nil {
			params.Set("run_id", opts.RunID.String())
		}
		if opts.IncludeSuperseded {
			params.Set("include_superseded", "true")
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := "/v1/documents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out []Document
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForRun follows the run's event stream until it ends and returns the
// result. onProgress, if non-nil, sees every progress entry.
func (c *Client) WaitForRun(ctx context.Context, runID uuid.UUID, onProgress func(ProgressEntry)) (*RunResult, error) {
	stream, err := c.Events(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()
	for {
		e, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return c.Result(ctx, runID)
		}
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(e)
		}
	}
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventStream reads a run's progress events. Next returns io.EOF after the
// server signals that the run's log is complete.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	lastSeq int64
}

// Events opens the run's event stream. Entries with seq <= afterSeq are
// skipped, which lets a caller resume a dropped stream.
func (c *Client) Events(ctx context.Context, runID uuid.UUID, afterSeq int64) (*EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID.String()+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("shiori: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if afterSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(afterSeq, 10))
	}
	resp, err := c.streamClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("shiori: GET %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, handleResponse(resp, nil)
	}
	return &EventStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body), lastSeq: afterSeq}, nil
}

// LastSeq is the seq of the last entry Next returned.
func (s *EventStream) LastSeq() int64 { return s.lastSeq }

// Next blocks until the next progress entry arrives.
func (s *EventStream) Next() (ProgressEntry, error) {
	var event, data string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if event == "" && data == "" {
				continue
			}
			switch event {
			case "done":
				return ProgressEntry{}, io.EOF
			case "error":
				return ProgressEntry{}, fmt.Errorf("shiori: event stream: %s", data)
			case "progress":
				var e ProgressEntry
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					return ProgressEntry{}, fmt.Errorf("shiori: decode progress event: %w", err)
				}
				s.lastSeq = e.Seq
				return e, nil
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// Comment (keepalive).
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data += strings.TrimPrefix(line, "data: ")
		}
	}
	if err := s.scanner.Err(); err != nil {
		return ProgressEntry{}, fmt.Errorf("shiori: read event stream: %w", err)
	}
	return ProgressEntry{}, io.ErrUnexpectedEOF
}

// Close releases the stream's connection.
func (s *EventStream) Close() error { return s.body.Close() }

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated response wrapper.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamClient is the configured client without an overall timeout.
func (c *Client) streamClient() *http.Client {
	sc := *c.client
	sc.Timeout = 0
	return &sc
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.doJSON(ctx, c.client, http.MethodGet, path, nil, dest)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.doJSON(ctx, c.client, http.MethodPost, path, body, dest)
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("shiori: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("shiori: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("shiori: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if env, ok := dest.(*listEnvelope); ok {
		return handleList(resp, env)
	}
	return handleResponse(resp, dest)
}

func handleList(resp *http.Response, env *listEnvelope) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shiori: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if err := json.Unmarshal(bodyBytes, env); err != nil {
		return fmt.Errorf("shiori: decode list envelope: %w", err)
	}
	return nil
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shiori: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("shiori: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("shiori: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
