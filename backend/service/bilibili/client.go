package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/ratelimit"

	"iinaplus/bridge/backend/metrics"
	"iinaplus/bridge/backend/store"
)

const (
	defaultAPIBase     = "https://api.bilibili.com"
	defaultLiveBase    = "https://api.live.bilibili.com"
	defaultCommentBase = "https://comment.bilibili.com"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

	maxBodyBytes = 8 << 20
)

// ErrorRecorder persists upstream failures.
type ErrorRecorder interface {
	CreateUpstreamErrorLog(ctx context.Context, item store.UpstreamErrorLog) (int64, error)
}

type Options struct {
	APIBase     string
	LiveBase    string
	CommentBase string
	// RatePerSec caps outgoing requests. Zero or less disables the limiter.
	RatePerSec int
	// MaxAttempts bounds attempts for retryable failures. Defaults to 1.
	MaxAttempts int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client fetches bilibili documents and unwraps their code/data envelope.
type Client struct {
	apiBase     string
	liveBase    string
	commentBase string
	http        *http.Client
	limiter     ratelimit.Limiter
	recorder    ErrorRecorder
	maxAttempts int

	wbiMu      sync.Mutex
	wbiImgKey  string
	wbiSubKey  string
	wbiExpires time.Time
}

func New(recorder ErrorRecorder, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := ratelimit.NewUnlimited()
	if opts.RatePerSec > 0 {
		limiter = ratelimit.New(opts.RatePerSec)
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		apiBase:     baseOrDefault(opts.APIBase, defaultAPIBase),
		liveBase:    baseOrDefault(opts.LiveBase, defaultLiveBase),
		commentBase: baseOrDefault(opts.CommentBase, defaultCommentBase),
		http:        httpClient,
		limiter:     limiter,
		recorder:    recorder,
		maxAttempts: attempts,
	}
}

func baseOrDefault(value string, fallback string) string {
	value = strings.TrimSuffix(strings.TrimSpace(value), "/")
	if value == "" {
		return fallback
	}
	return value
}

func (c *Client) logError(format string, args ...any) {
	log.Printf("[bilibili][error] "+format, args...)
}

func (c *Client) recordError(ctx context.Context, site string, report errorReport) {
	metrics.UpstreamRequests.WithLabelValues(report.Stage).Inc()
	if c.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := c.recorder.CreateUpstreamErrorLog(recordCtx, store.UpstreamErrorLog{
		Site:            site,
		Endpoint:        report.Endpoint,
		Method:          report.Method,
		Stage:           report.Stage,
		HTTPStatus:      report.HTTPStatus,
		Attempt:         report.Attempt,
		Retryable:       report.Retryable,
		RequestQuery:    report.RequestQuery,
		ResponseHeaders: report.ResponseHeaders,
		ResponseBody:    truncate(report.ResponseBody, 64<<10),
		ErrorMessage:    report.Detail,
	}); err != nil {
		c.logError("record upstream_error_logs failed: %v", err)
	}
}

// requestJSON performs a GET and returns the data (or result) member of the
// envelope. A non-zero code is an api_code failure.
func (c *Client) requestJSON(ctx context.Context, site string, endpoint string, query url.Values, referer string) (json.RawMessage, error) {
	body, err := c.do(ctx, site, endpoint, query, referer, decodeEnvelope)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// requestRaw performs a GET and returns the decompressed body.
func (c *Client) requestRaw(ctx context.Context, site string, endpoint string, query url.Values, referer string) ([]byte, error) {
	return c.do(ctx, site, endpoint, query, referer, nil)
}

type bodyDecoder func(body []byte) ([]byte, *errorReport)

func (c *Client) do(ctx context.Context, site string, endpoint string, query url.Values, referer string, decode bodyDecoder) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.doOnce(ctx, endpoint, query, referer, decode)
		if err == nil {
			metrics.UpstreamRequests.WithLabelValues("ok").Inc()
			return body, nil
		}
		lastErr = err
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		if ctx.Err() != nil {
			metrics.UpstreamRequests.WithLabelValues("cancelled").Inc()
			log.Printf("[bilibili] request abandoned by caller url=%s: %v", apiErr.report.Endpoint, ctx.Err())
			return nil, err
		}
		apiErr.report.Attempt = attempt
		apiErr.report.Retryable = shouldRetry(apiErr.report) && ctx.Err() == nil
		report := apiErr.report
		c.logError("api call failed attempt=%d url=%s stage=%s status=%d code=%d retryable=%v err=%s",
			attempt, report.Endpoint, report.Stage, report.HTTPStatus, report.Code, report.Retryable, report.Detail)
		c.recordError(ctx, site, report)
		if attempt == c.maxAttempts || !report.Retryable {
			break
		}
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, endpoint string, query url.Values, referer string, decode bodyDecoder) ([]byte, error) {
	encodedQuery := ""
	if len(query) > 0 {
		encodedQuery = query.Encode()
	}
	targetURL := endpoint
	if encodedQuery != "" {
		targetURL += "?" + encodedQuery
	}
	report := errorReport{Endpoint: endpoint, Method: http.MethodGet, RequestQuery: encodedQuery}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		report.Stage = "build_request"
		report.Detail = err.Error()
		return nil, &APIError{report: report}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	c.limiter.Take()
	resp, err := c.http.Do(req)
	if err != nil {
		report.Stage = "network"
		report.Detail = err.Error()
		report.cause = err
		return nil, &APIError{report: report}
	}
	defer resp.Body.Close()
	report.HTTPStatus = resp.StatusCode
	report.ResponseHeaders = headerToJSON(resp.Header)

	bodyBytes, err := readBody(resp)
	if err != nil {
		report.Stage = "read_response"
		report.Detail = err.Error()
		return nil, &APIError{report: report}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		report.Stage = "http_status"
		report.ResponseBody = string(bodyBytes)
		report.Detail = fmt.Sprintf("http status %d", resp.StatusCode)
		return nil, &APIError{report: report}
	}
	if decode == nil {
		return bodyBytes, nil
	}
	payload, failure := decode(bodyBytes)
	if failure != nil {
		failure.Endpoint = report.Endpoint
		failure.Method = report.Method
		failure.RequestQuery = report.RequestQuery
		failure.HTTPStatus = report.HTTPStatus
		failure.ResponseHeaders = report.ResponseHeaders
		failure.ResponseBody = string(bodyBytes)
		return nil, &APIError{report: *failure}
	}
	return payload, nil
}

// readBody undoes the Content-Encoding ourselves: the transport only handles gzip
// when it negotiated the header itself.
func readBody(resp *http.Response) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return decompress(strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))), raw)
}

func decompress(encoding string, raw []byte) ([]byte, error) {
	var reader io.Reader
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		return inflate(raw)
	case "br":
		reader = brotli.NewReader(bytes.NewReader(raw))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	return io.ReadAll(io.LimitReader(reader, maxBodyBytes))
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers disagree on
// what "deflate" means.
func inflate(raw []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		defer zr.Close()
		if out, readErr := io.ReadAll(io.LimitReader(zr, maxBodyBytes)); readErr == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	return io.ReadAll(io.LimitReader(fr, maxBodyBytes))
}

type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

func decodeEnvelope(body []byte) ([]byte, *errorReport) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &errorReport{Stage: "decode_response", Detail: err.Error()}
	}
	if env.Code != nil && *env.Code != 0 {
		message := strings.TrimSpace(env.Message)
		if message == "" {
			message = strings.TrimSpace(env.Msg)
		}
		if message == "" {
			message = "unknown bilibili api error"
		}
		return nil, &errorReport{
			Stage:  "api_code",
			Code:   *env.Code,
			Detail: fmt.Sprintf("bilibili api error code=%d message=%s", *env.Code, message),
		}
	}
	payload := bytes.TrimSpace(env.Data)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = bytes.TrimSpace(env.Result)
	}
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, &errorReport{Stage: "empty_payload", Detail: ErrEmptyPayload.Error(), cause: ErrEmptyPayload}
	}
	return payload, nil
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit]
}
