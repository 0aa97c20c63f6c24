// Package api is the HTTP client for the chat backend.
package api

import (
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

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/langgraph-chat/internal/auth"
	"github.com/capitalize-ai/langgraph-chat/pkg/logger"
	"github.com/capitalize-ai/langgraph-chat/pkg/metrics"
)

const tracerName = "github.com/capitalize-ai/langgraph-chat/internal/api"

// CorrelationHeader carries the per-request correlation id.
const CorrelationHeader = "X-Correlation-ID"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

var (
	// ErrInvalidRequest is returned when a request fails validation before
	// it is sent.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoMessageID is returned when prepare does not issue an id.
	ErrNoMessageID = errors.New("backend did not issue a message id")
)

// HTTPError is a non-2xx backend response other than 401.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// Session supplies the bearer token and is cleared on 401.
type Session interface {
	Token() string
	Clear()
}

// Config configures a Client.
type Config struct {
	BaseURL string        `validate:"required,url"`
	Timeout time.Duration `validate:"gte=0"`
}

// Client talks to the chat backend. Streaming calls are not subject to
// Config.Timeout; they end with their context.
type Client struct {
	baseURL  string
	http     *http.Client
	stream   *http.Client
	session  Session
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New creates a backend client.
func New(cfg Config, session Session, log *logger.Logger) (*Client, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("api config: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		stream:   &http.Client{},
		session:  session,
		validate: v,
		tracer:   otel.Tracer(tracerName),
		logger:   log.OrNop(),
	}, nil
}

func (c *Client) check(req any) error {
	if err := c.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// request is one backend call. route is the path template used for span
// names and metric labels.
type request struct {
	method string
	route  string
	path   string
	body   any
	form   map[string]string
	accept string
	noAuth bool
}

// send performs r and returns the response for a 2xx status. Any other
// status is turned into an error and the body is closed.
func (c *Client) send(ctx context.Context, hc *http.Client, r request) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, r.method+" "+r.route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", r.method),
			attribute.String("http.route", r.route),
		),
	)
	defer span.End()

	var body io.Reader
	contentType := ""
	switch {
	case r.form != nil:
		values := url.Values{}
		for k, v := range r.form {
			values.Set(k, v)
		}
		body = strings.NewReader(values.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.body != nil:
		raw, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", r.route, err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", r.route, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if r.accept != "" {
		req.Header.Set("Accept", r.accept)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	correlationID := uuid.New().String()
	req.Header.Set(CorrelationHeader, correlationID)
	if !r.noAuth && c.session != nil {
		if token := c.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	log := c.logger.With(
		zap.String("method", r.method),
		zap.String("route", r.route),
		zap.String("correlation_id", correlationID),
	)

	start := time.Now()
	resp, err := hc.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordRequest(r.method, r.route, "error", duration.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			log.Warn("backend request failed", zap.Error(err), zap.Duration("duration", duration))
		}
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}

	metrics.RecordRequest(r.method, r.route, strconv.Itoa(resp.StatusCode), duration.Seconds())
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	log.Debug("backend request completed",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn("backend rejected credentials, clearing session")
		if c.session != nil {
			c.session.Clear()
		}
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, auth.ErrUnauthorized)
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &HTTPError{
		Method: r.method,
		Path:   r.path,
		Status: resp.StatusCode,
		Detail: errorDetail(raw),
	}
}

// do performs a JSON call and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, r request, out any) error {
	resp, err := c.send(ctx, c.http, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.route, err)
	}
	return nil
}

// errorDetail extracts a message from FastAPI style {"detail": ...} or
// {"error": ...} bodies, falling back to the raw text.
func errorDetail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		var s string
		if len(body.Detail) > 0 && json.Unmarshal(body.Detail, &s) == nil && s != "" {
			return s
		}
		if len(body.Detail) > 0 && string(body.Detail) != "null" {
			return string(body.Detail)
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
