package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc/metadata"

	"bridge/pkg/apperror"
	"bridge/pkg/orchestrator"
	"bridge/pkg/ratelimit"
	"bridge/pkg/registry"
)

const defaultDispatchDeadline = 30 * time.Second

// envelope is the REST response shape per spec §4.8.
type envelope struct {
	Success  bool            `json:"success"`
	Data     map[string]any  `json:"data,omitempty"`
	Error    *envelopeError  `json:"error,omitempty"`
	Metadata *envelopeMeta   `json:"metadata,omitempty"`
}

type envelopeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type envelopeMeta struct {
	Service   string `json:"service"`
	Method    string `json:"method"`
	LatencyMs int64  `json:"latency_ms"`
	Cached    bool   `json:"cached"`
	RequestID string `json:"request_id"`
}

// handleDispatch is the single entry point mounted at {basePrefix}/*. It
// resolves (service, method) from the path, binds parameters per §4.8's
// precedence rules, and either dispatches a unary call or hands off to the
// streaming transports.
func (gw *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(strings.TrimPrefix(r.URL.Path, gw.basePrefix()))
	if len(segments) == 0 {
		writeError(w, r, apperror.New(apperror.NotFound, "service name missing from path"))
		return
	}
	serviceName := segments[0]
	rest := segments[1:]

	desc, _, err := gw.reg.Lookup(serviceName)
	if err != nil {
		writeError(w, r, apperror.Wrap(err, apperror.NotFound, "unknown service").WithService(serviceName))
		return
	}

	spec, params, route, ok := matchRoute(desc, r.Method, rest)
	if !ok {
		writeError(w, r, apperror.New(apperror.NotFound, "no matching route").WithService(serviceName))
		return
	}

	switch spec.CallKind {
	case registry.ServerStream:
		gw.handleServerStream(w, r, serviceName, route, spec, params)
		return
	case registry.ClientStream, registry.BidiStream:
		gw.handleBidiStream(w, r, serviceName, route, spec, params)
		return
	}

	body, bodyErr := gw.bindBody(r, params)
	if bodyErr != nil {
		writeError(w, r, apperror.Wrap(bodyErr, apperror.InvalidRequest, "malformed JSON body").WithService(serviceName))
		return
	}

	ctx, cancel := gw.deadlineContext(r)
	defer cancel()
	ctx = forwardMetadata(ctx, r)

	req := orchestrator.Request{
		Service:        serviceName,
		MethodSpec:     spec,
		Body:           body,
		Tenant:         r.Header.Get("X-Tenant"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		RequestID:      chimiddleware.GetReqID(r.Context()),
		Route:          route,
	}

	resp, dispatchErr := gw.orch.Dispatch(ctx, req)
	if dispatchErr != nil {
		writeError(w, r, dispatchErr)
		return
	}

	writeSuccess(w, r, resp, serviceName, spec.GRPCMethod, req.RequestID)
}

// bindBody implements §4.8's merge precedence: query (lowest), path params,
// JSON body (highest).
func (gw *Gateway) bindBody(r *http.Request, pathParams map[string]string) (map[string]any, error) {
	body := make(map[string]any, len(pathParams)+4)

	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		body[key] = values[0]
	}

	for key, value := range pathParams {
		body[key] = value
	}

	if r.Body == nil || r.ContentLength == 0 {
		return body, nil
	}
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return body, nil
	}
	var decoded map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&decoded); err != nil {
		if err.Error() == "EOF" {
			return body, nil
		}
		return nil, err
	}
	for key, value := range decoded {
		body[key] = value
	}
	return body, nil
}

func (gw *Gateway) deadlineContext(r *http.Request) (context.Context, context.CancelFunc) {
	deadline := defaultDispatchDeadline
	if raw := r.Header.Get("X-Deadline-Ms"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			deadline = time.Duration(ms) * time.Millisecond
		}
	}
	return context.WithTimeout(r.Context(), deadline)
}

// forwardMetadata attaches the spec §6 outgoing metadata set
// (x-request-id, authorization, x-tenant) via metadata.AppendToOutgoingContext
// so it rides gRPC's own metadata passthrough straight to the backend call.
func forwardMetadata(ctx context.Context, r *http.Request) context.Context {
	pairs := []string{"x-request-id", chimiddleware.GetReqID(ctx)}
	if auth := r.Header.Get("Authorization"); auth != "" {
		pairs = append(pairs, "authorization", auth)
	}
	if tenant := r.Header.Get("X-Tenant"); tenant != "" {
		pairs = append(pairs, "x-tenant", tenant)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, resp *orchestrator.Response, service, method, requestID string) {
	env := envelope{
		Success: true,
		Data:    resp.Data,
		Metadata: &envelopeMeta{
			Service:   service,
			Method:    method,
			LatencyMs: resp.Latency.Milliseconds(),
			Cached:    resp.Cached,
			RequestID: requestID,
		},
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", requestID)
	h.Set("X-Cache", cacheStateHeader(resp.CacheState))
	setRateLimitHeaders(h, resp.RateLimit)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := string(apperror.Internal)
	message := err.Error()
	var details map[string]any
	var retryAfterMs int64

	if ae, ok := err.(*apperror.Error); ok {
		status = ae.HTTPStatus()
		code = string(ae.Kind)
		message = ae.Message
		details = ae.Details
		retryAfterMs = ae.RetryAfterMs
	}

	env := envelope{
		Success: false,
		Error: &envelopeError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Request-Id", requestIDOf(r))
	if retryAfterMs > 0 {
		h.Set("Retry-After", strconv.FormatInt((retryAfterMs+999)/1000, 10))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// requestIDOf reads back the request ID chi's RequestID middleware stamped
// onto the context, falling back to empty when r is nil (unit tests that
// call writeError directly without going through the router).
func requestIDOf(r *http.Request) string {
	if r == nil {
		return ""
	}
	return chimiddleware.GetReqID(r.Context())
}

// cacheStateHeader defaults an empty CacheState (non-cacheable methods that
// predate this field, or tests constructing a bare Response) to "bypass".
func cacheStateHeader(state string) string {
	if state == "" {
		return "bypass"
	}
	return state
}

// setRateLimitHeaders renders the §6 X-RateLimit-* headers from a Limiter's
// LimitInfo. Window is fixed at one second since every Limiter implements a
// tokens-per-second bucket, not a fixed window.
func setRateLimitHeaders(h http.Header, info *ratelimit.LimitInfo) {
	if info == nil {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Window", "1s")
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
