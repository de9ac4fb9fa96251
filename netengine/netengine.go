// Package netengine issues the byte-range requests the streaming core
// makes for init and media segments. The core only depends on the
// Engine interface; HTTPEngine is the default implementation with
// retries, data: URI support and per-request correlation IDs.
package netengine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Eyevinn/streamcore/errs"
)

// RequestType tells the engine what kind of resource is fetched, for
// per-type retry policy and logging.
type RequestType int

const (
	RequestTypeManifest RequestType = iota + 1
	RequestTypeSegment
)

// RetryParameters is the retry policy applied to a request.
type RetryParameters struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// BackoffFactor multiplies the delay after every failed attempt.
	BackoffFactor float64
	// FuzzFactor randomizes each delay within ±FuzzFactor of itself.
	FuzzFactor float64
	// Timeout bounds one attempt. Zero means no timeout.
	Timeout time.Duration
}

// DefaultRetryParameters mirrors the defaults handed out with the
// streaming configuration.
func DefaultRetryParameters() RetryParameters {
	return RetryParameters{
		MaxAttempts:   2,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		FuzzFactor:    0.5,
		Timeout:       0,
	}
}

// Request is one fetch. ByteRangeEnd of -1 means "to end of resource";
// both zero means the whole resource.
type Request struct {
	URIs           []string
	ByteRangeStart int64
	ByteRangeEnd   int64
	Retry          RetryParameters
}

// Response carries the fetched bytes and the URI that served them.
type Response struct {
	Data    []byte
	URI     string
	Headers map[string]string
}

// Engine issues requests with retries applied.
type Engine interface {
	Request(ctx context.Context, requestType RequestType, req *Request) (*Response, error)
}

// HTTPEngine fetches over http(s) and decodes data: URIs.
type HTTPEngine struct {
	logger *slog.Logger
	client *http.Client
}

// NewHTTPEngine creates an engine around client; a nil client uses
// http.DefaultClient.
func NewHTTPEngine(logger *slog.Logger, client *http.Client) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{logger: logger.With("component", "netengine"), client: client}
}

// Request tries each URI in turn, retrying recoverable failures per the
// request's retry parameters. Critical failures surface immediately.
func (e *HTTPEngine) Request(ctx context.Context, requestType RequestType, req *Request) (*Response, error) {
	requestID := uuid.NewString()
	logger := e.logger.With("requestID", requestID, "requestType", int(requestType))

	retry := req.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	delay := retry.BaseDelay

	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, fuzzDelay(delay, retry.FuzzFactor)); err != nil {
				return nil, err
			}
			delay = time.Duration(float64(delay) * retry.BackoffFactor)
		}
		for _, uri := range req.URIs {
			resp, err := e.requestOne(ctx, logger, uri, req, retry.Timeout)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if !errs.IsRecoverable(err) || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("request attempt failed", "uri", uri, "attempt", attempt+1, "error", err)
		}
	}
	return nil, lastErr
}

func (e *HTTPEngine) requestOne(ctx context.Context, logger *slog.Logger, uri string, req *Request, timeout time.Duration) (*Response, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, errs.New(errs.CategoryNetwork, errs.SeverityCritical,
			errs.CodeUnsupportedScheme, err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return e.requestHTTP(ctx, logger, uri, req, timeout)
	case "data":
		return decodeDataURI(uri)
	default:
		return nil, errs.Newf(errs.CategoryNetwork, errs.SeverityCritical,
			errs.CodeUnsupportedScheme, "unsupported scheme %q", parsed.Scheme)
	}
}

func (e *HTTPEngine) requestHTTP(ctx context.Context, logger *slog.Logger, uri string, req *Request, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errs.New(errs.CategoryNetwork, errs.SeverityRecoverable,
			errs.CodeHTTPError, err)
	}
	if req.ByteRangeStart != 0 || req.ByteRangeEnd != 0 {
		if req.ByteRangeEnd < 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.ByteRangeStart))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.ByteRangeStart, req.ByteRangeEnd))
		}
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		code := errs.CodeHTTPError
		if errors.Is(err, context.DeadlineExceeded) {
			code = errs.CodeTimeout
		}
		return nil, errs.New(errs.CategoryNetwork, errs.SeverityRecoverable, code, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, errs.Newf(errs.CategoryNetwork, errs.SeverityRecoverable,
			errs.CodeBadHTTPStatus, "status %d for %s", httpResp.StatusCode, uri)
	}
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errs.New(errs.CategoryNetwork, errs.SeverityRecoverable,
			errs.CodeHTTPError, err)
	}

	headers := make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		headers[strings.ToLower(k)] = httpResp.Header.Get(k)
	}
	logger.Debug("request complete", "uri", uri, "bytes", len(data))
	return &Response{Data: data, URI: uri, Headers: headers}, nil
}

// decodeDataURI decodes data:[mediatype][;base64],payload.
func decodeDataURI(uri string) (*Response, error) {
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return nil, errs.Newf(errs.CategoryNetwork, errs.SeverityCritical,
			errs.CodeMalformedDataURI, "missing comma in data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	var data []byte
	switch {
	case strings.HasSuffix(meta, ";base64"):
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, errs.New(errs.CategoryNetwork, errs.SeverityCritical,
				errs.CodeMalformedDataURI, err)
		}
		data = decoded
	case strings.Contains(meta, ";"):
		return nil, errs.Newf(errs.CategoryNetwork, errs.SeverityCritical,
			errs.CodeUnknownDataURIEncoding, "unknown encoding in data URI %q", meta)
	default:
		unescaped, err := url.QueryUnescape(payload)
		if err != nil {
			return nil, errs.New(errs.CategoryNetwork, errs.SeverityCritical,
				errs.CodeMalformedDataURI, err)
		}
		data = []byte(unescaped)
	}
	return &Response{Data: data, URI: uri, Headers: map[string]string{}}, nil
}

// fuzzDelay spreads d within ±factor of itself.
func fuzzDelay(d time.Duration, factor float64) time.Duration {
	if d <= 0 || factor <= 0 {
		return d
	}
	fuzz := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + fuzz))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
