// Package proxy drives upstream attempts: credential selection, request
// transformation, the bounded retry loop and response relay.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"orchestrator-go/internal/constants"
	"orchestrator-go/internal/credential"
	apperrors "orchestrator-go/internal/errors"
	"orchestrator-go/internal/logging"
	"orchestrator-go/internal/lro"
	"orchestrator-go/internal/monitoring/tracing"
	"orchestrator-go/internal/router"
	"orchestrator-go/internal/token"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Terminal bodies sent when no upstream answer can be produced.
const (
	textNoGeminiKeys   = "No Gemini keys available"
	textNoVertexCreds  = "No Vertex credentials available"
	textAllExhausted   = "All backends exhausted or unavailable"
	textOpQuota        = "Operation host quota exhausted"
	textTargetCredDown = "Target credential failed"
)

// Options tunes the retry loop.
type Options struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	NetworkPause   time.Duration
	GeminiBase     string
	VertexBase     string
}

func (o *Options) fillDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = constants.DefaultMaxRetries
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = constants.UpstreamAttemptTimeout
	}
	if o.NetworkPause <= 0 {
		o.NetworkPause = constants.NetworkErrorPause
	}
}

// Orchestrator relays client requests upstream, rotating credentials on
// retryable failures up to the attempt cap.
type Orchestrator struct {
	gemini *credential.Pool
	vertex *credential.Pool
	issuer *token.Issuer
	ops    lro.Store
	rec    Recorder
	client *http.Client
	opts   Options
	sleep  func(ctx context.Context, d time.Duration)
}

// New wires an orchestrator. recorder may be nil.
func New(gemini, vertex *credential.Pool, issuer *token.Issuer, ops lro.Store, recorder Recorder, opts Options) *Orchestrator {
	opts.fillDefaults()
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if ops == nil {
		ops = lro.NewMemoryStore(constants.OperationAffinityTTL)
	}
	return &Orchestrator{
		gemini: gemini,
		vertex: vertex,
		issuer: issuer,
		ops:    ops,
		rec:    recorder,
		client: &http.Client{}, // per-attempt deadlines come from the context
		opts:   opts,
		sleep:  sleepCtx,
	}
}

// SetHTTPClient overrides the upstream client (testing).
func (o *Orchestrator) SetHTTPClient(client *http.Client) {
	if client != nil {
		o.client = client
	}
}

// Handle terminates every proxied route.
func (o *Orchestrator) Handle(c *gin.Context) {
	route, err := router.Classify(c.Request.Method, c.Request.URL.Path)
	if err != nil {
		apiErr := apperrors.New(http.StatusNotFound, "unknown_route", err.Error())
		c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON())
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apiErr := apperrors.New(http.StatusBadRequest, "unreadable_body", "failed to read request body")
		c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON())
		return
	}

	if route.Provider == credential.ProviderVertex && route.Action == router.ActionFetchOperation {
		if op := extractOperationName(c.Request.URL.Path, body); op != "" {
			if owner, err := o.ops.Owner(c.Request.Context(), op); err == nil {
				o.handlePinned(c, route, body, op, owner)
				return
			}
			// Unknown operation: fall through to normal rotation.
		}
	}

	o.handleRotating(c, route, body)
}

// handleRotating is the standard path: round-robin over the provider pool
// with up to MaxRetries attempts.
func (o *Orchestrator) handleRotating(c *gin.Context, route router.Route, body []byte) {
	pool := o.poolFor(route.Provider)

	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		cred, err := pool.Select()
		if err != nil {
			// Nothing can serve now or later within this request.
			if errors.Is(err, credential.ErrPoolEmpty) {
				c.String(http.StatusServiceUnavailable, noCredentialText(route.Provider))
			} else {
				c.String(http.StatusServiceUnavailable, textAllExhausted)
			}
			return
		}

		done := o.tryOnce(c, route, body, cred, pool, attempt, false)
		if done {
			return
		}
		if c.Request.Context().Err() != nil {
			return
		}
	}

	c.String(http.StatusServiceUnavailable, textAllExhausted)
}

// handlePinned serves an operation poll with the credential that started
// the operation. There is no rotation: no other project can answer.
func (o *Orchestrator) handlePinned(c *gin.Context, route router.Route, body []byte, operation, owner string) {
	cred, err := o.vertex.ByID(owner)
	if err != nil {
		logging.WithReq(c, log.Fields{
			"operation": operation,
			"project":   owner,
		}).Warn("Operation owner no longer in pool")
		c.String(http.StatusServiceUnavailable, textTargetCredDown)
		return
	}

	o.tryOnce(c, route, body, cred, o.vertex, 1, true)
}

// tryOnce runs a single upstream attempt. It returns true when the request
// has been answered (success, fatal passthrough, or pinned terminal) and
// false when the caller should rotate to another credential.
func (o *Orchestrator) tryOnce(c *gin.Context, route router.Route, body []byte, cred *credential.Credential, pool *credential.Pool, attempt int, pinned bool) bool {
	start := time.Now()
	reqCtx := c.Request.Context()

	var bearer string
	if route.Provider == credential.ProviderVertex {
		var err error
		bearer, err = o.issuer.EnsureValid(reqCtx, cred)
		if err != nil {
			logging.WithReq(c, log.Fields{
				"project": cred.ProjectID,
				"attempt": attempt,
			}).WithError(err).Warn("Token exchange failed")
			pool.ReportFailure(cred, 0)
			o.record(c, route, cred, attempt, 0, "token_error", err, start, int64(len(body)), 0)
			if pinned {
				c.String(http.StatusServiceUnavailable, textTargetCredDown)
			}
			return pinned
		}
	}

	attemptCtx, cancel := context.WithTimeout(reqCtx, o.opts.AttemptTimeout)
	defer cancel()

	attemptCtx, span := tracing.StartSpan(attemptCtx, "proxy", "upstream.attempt",
		trace.WithAttributes(
			attribute.String("upstream.provider", string(route.Provider)),
			attribute.String("upstream.credential", cred.ID),
			attribute.Int("upstream.attempt", attempt),
		))
	defer span.End()

	base := o.baseFor(route.Provider)
	req, err := buildUpstreamRequest(attemptCtx, route, cred, bearer, base,
		c.Request.Method, c.Request.URL.Path, c.Request.URL.RawQuery, c.Request.Header, body)
	if err != nil {
		// Nothing reached the wire, so no attempt event is emitted.
		apiErr := apperrors.New(http.StatusInternalServerError, "bad_upstream_request", err.Error())
		c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON())
		return true
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if apperrors.IsClientCancel(err) || reqCtx.Err() != nil {
			o.record(c, route, cred, attempt, 0, "client_cancel", err, start, int64(len(body)), 0)
			return true
		}
		retryable := apperrors.IsRetryableNetwork(err)
		logging.WithReq(c, log.Fields{
			"credential": cred.ID,
			"attempt":    attempt,
			"retryable":  retryable,
		}).WithError(err).Warn("Upstream network error")
		pool.ReportFailure(cred, 0)
		o.record(c, route, cred, attempt, 0, "network_error", err, start, int64(len(body)), 0)
		if pinned {
			c.String(http.StatusServiceUnavailable, textTargetCredDown)
			return true
		}
		if !retryable {
			// Rotating credentials cannot fix this kind of transport
			// failure, so the remaining budget would burn for nothing.
			c.String(http.StatusServiceUnavailable, textAllExhausted)
			return true
		}
		o.sleep(reqCtx, o.opts.NetworkPause)
		return false
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	switch classifyStatus(resp.StatusCode) {
	case OutcomeSuccess:
		pool.ReportSuccess(cred)
		written := o.relay(c, route, cred, resp)
		o.record(c, route, cred, attempt, resp.StatusCode, "success", nil, start, int64(len(body)), written)
		return true

	case OutcomeRetryable:
		pool.ReportFailure(cred, resp.StatusCode)
		o.record(c, route, cred, attempt, resp.StatusCode, "retryable", nil, start, int64(len(body)), 0)
		logging.WithReq(c, log.Fields{
			"credential": cred.ID,
			"status":     resp.StatusCode,
			"attempt":    attempt,
		}).Info("Rotating after retryable upstream status")
		if pinned {
			// Only the owner can serve this operation, so its quota
			// exhaustion is terminal for the poll.
			drain(resp.Body)
			c.String(http.StatusTooManyRequests, textOpQuota)
			return true
		}
		drain(resp.Body)
		return false

	default: // OutcomeFatal
		written := o.relay(c, route, cred, resp)
		o.record(c, route, cred, attempt, resp.StatusCode, "fatal", nil, start, int64(len(body)), written)
		return true
	}
}

// relay writes the upstream response to the client. Streaming routes are
// copied chunk by chunk with flushes; everything else is buffered, which
// also lets us capture the operation name of a long-running start.
func (o *Orchestrator) relay(c *gin.Context, route router.Route, cred *credential.Credential, resp *http.Response) int64 {
	copyResponseHeaders(c.Writer.Header(), resp.Header)

	if route.Streaming && classifyStatus(resp.StatusCode) == OutcomeSuccess {
		c.Status(resp.StatusCode)
		return streamCopy(c.Writer, resp.Body)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.WithReq(c, nil).WithError(err).Warn("Upstream body read failed mid-response")
	}

	if route.Action == router.ActionPredictLongRunning && classifyStatus(resp.StatusCode) == OutcomeSuccess {
		if name := gjson.GetBytes(payload, "name").String(); name != "" {
			if err := o.ops.Register(c.Request.Context(), name, cred.ProjectID); err != nil {
				log.WithFields(log.Fields{"operation": name}).WithError(err).Warn("Failed to record operation owner")
			}
		}
	}

	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), payload)
	return int64(len(payload))
}

func (o *Orchestrator) record(c *gin.Context, route router.Route, cred *credential.Credential, attempt, status int, outcome string, err error, start time.Time, reqBytes, respBytes int64) {
	at := Attempt{
		Time:         start,
		RequestID:    c.GetString("request_id"),
		Provider:     route.Provider,
		Action:       route.Action,
		Model:        route.Model,
		CredentialID: cred.ID,
		Number:       attempt,
		StatusCode:   status,
		Outcome:      outcome,
		Streaming:    route.Streaming,
		Duration:     time.Since(start),
		BytesIn:      reqBytes,
		BytesOut:     respBytes,
	}
	if err != nil {
		at.Err = err.Error()
	}
	o.rec.RecordAttempt(c.Request.Context(), at)
}

func (o *Orchestrator) poolFor(p credential.Provider) *credential.Pool {
	if p == credential.ProviderVertex {
		return o.vertex
	}
	return o.gemini
}

func (o *Orchestrator) baseFor(p credential.Provider) string {
	if p == credential.ProviderVertex {
		return o.opts.VertexBase
	}
	return o.opts.GeminiBase
}

func noCredentialText(p credential.Provider) string {
	if p == credential.ProviderVertex {
		return textNoVertexCreds
	}
	return textNoGeminiKeys
}

// extractOperationName pulls the operation resource name out of a poll
// request, either from the fetchPredictOperation body or the GET path.
func extractOperationName(path string, body []byte) string {
	if name := gjson.GetBytes(body, "operationName").String(); name != "" {
		return name
	}
	if idx := strings.Index(path, "projects/"); idx >= 0 && strings.Contains(path, "/operations/") {
		return path[idx:]
	}
	return ""
}

// hopHeaders never propagate across the proxy hop.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if hopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// streamCopy relays the body chunk by chunk, flushing after each read so
// server-sent events reach the client as they are produced.
func streamCopy(w gin.ResponseWriter, r io.Reader) int64 {
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written
			}
			written += int64(n)
			w.Flush()
		}
		if err != nil {
			return written
		}
	}
}

// drain consumes a capped amount of a discarded body so the connection can
// be reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64*1024))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
