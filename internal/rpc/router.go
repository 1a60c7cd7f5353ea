package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/common/tracing"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// Handler executes one RPC method.
type Handler func(ctx context.Context, req *Request) (any, error)

// fireAndForget methods acknowledge immediately and run in the background.
var fireAndForget = map[string]bool{
	"CHROMA_VECTOR.register_collection_user": true,
	"ERP.invalidate_connection":              true,
}

// Router owns the method table and the request pipeline: version check,
// auth, idempotency, timeout, invocation, reply_to fan-out.
type Router struct {
	handlers map[string]Handler
	kvs      kv.Store
	cfg      *config.Config
	logger   *logger.Logger
	disabled map[string]bool
}

// NewRouter builds an empty router.
func NewRouter(kvs kv.Store, cfg *config.Config, log *logger.Logger) *Router {
	disabled := make(map[string]bool)
	for _, m := range cfg.RPC.DisabledMethods() {
		disabled[m] = true
	}
	return &Router{
		handlers: make(map[string]Handler),
		kvs:      kvs,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "rpc")),
		disabled: disabled,
	}
}

// Register installs a method handler. Panics on duplicates: the table is
// assembled once at startup and a collision is a programming error.
func (r *Router) Register(method string, h Handler) {
	if _, ok := r.handlers[method]; ok {
		panic("rpc: duplicate method " + method)
	}
	r.handlers[method] = h
}

// Methods lists the registered method names.
func (r *Router) Methods() []string {
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// Handle is the gin endpoint for POST /rpc.
func (r *Router) Handle(c *gin.Context) {
	start := time.Now()

	if token := r.cfg.Listeners.ServiceToken; token != "" {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			r.reply(c, "", start, &Response{OK: false, Error: Errorf(CodeAuthFailed, "invalid service token")})
			return
		}
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		r.reply(c, "", start, &Response{OK: false, Error: Errorf(CodeInvalidArgs, "invalid request body")})
		return
	}
	if req.APIVersion != r.apiVersion() {
		r.reply(c, req.Method, start, &Response{OK: false, Error: Errorf(CodeInvalidAPIVersion, "expected api_version %q", r.apiVersion())})
		return
	}
	if req.Method == "" {
		r.reply(c, "", start, &Response{OK: false, Error: Errorf(CodeInvalidArgs, "method is required")})
		return
	}

	resp := r.Invoke(c.Request.Context(), &req)
	r.publishReply(&req, resp)
	r.reply(c, req.Method, start, resp)
}

// Invoke runs the full pipeline for one request. Exposed for the scheduler
// and for tests; the HTTP handler is a thin wrapper.
func (r *Router) Invoke(ctx context.Context, req *Request) *Response {
	handler, ok := r.handlers[req.Method]
	if !ok {
		return &Response{OK: false, Error: Errorf(CodeMethodNotFound, "unknown method %q", req.Method)}
	}

	if dup, err := r.checkIdempotency(ctx, req); err != nil {
		return &Response{OK: false, Error: Errorf(CodeInternal, "idempotency check failed")}
	} else if dup {
		metrics.RPCIdempotentReplaysTotal.Inc()
		return &Response{OK: true, Data: map[string]any{"duplicate": true}}
	}

	if fireAndForget[req.Method] {
		go func(bg *Request) {
			ctx, cancel := context.WithTimeout(context.Background(), bg.Timeout(r.cfg.RPC.DefaultTimeout()))
			defer cancel()
			if _, err := r.call(ctx, handler, bg); err != nil {
				r.logger.WithError(err).Warn("fire-and-forget method failed", zap.String("method", bg.Method))
			}
		}(req)
		return &Response{OK: true, Data: map[string]any{"accepted": true}}
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout(r.cfg.RPC.DefaultTimeout()))
	defer cancel()
	data, err := r.call(ctx, handler, req)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = Errorf(CodeInternal, "%s", err.Error())
		}
		return &Response{OK: false, Error: rpcErr}
	}
	return &Response{OK: true, Data: data}
}

func (r *Router) call(ctx context.Context, handler Handler, req *Request) (any, error) {
	ctx, span := tracing.Tracer("rpc").Start(ctx, req.Method)
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.user_id", req.UserID),
		attribute.String("rpc.trace_id", req.TraceID),
	)
	data, err := handler(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

// checkIdempotency claims the request's dedup key. Returns true for a
// replay. Disabled globally, per-method, or when the request carries no key.
func (r *Router) checkIdempotency(ctx context.Context, req *Request) (bool, error) {
	if req.IdempotencyKey == "" || r.cfg.RPC.IdempDisable || r.disabled[req.Method] {
		return false, nil
	}
	claimed, err := r.kvs.SetNX(ctx, keys.Idempotency(req.IdempotencyKey), markerBytes(req.Method), r.cfg.RPC.IdempTTLDuration())
	if err != nil {
		return false, err
	}
	return !claimed, nil
}

// publishReply pushes the response onto the caller's reply channel.
// Best-effort: a publish failure only logs.
func (r *Router) publishReply(req *Request, resp *Response) {
	if req.ReplyTo == "" {
		return
	}
	payload := map[string]any{"ok": resp.OK, "data": resp.Data, "trace_id": req.TraceID}
	if resp.Error != nil {
		payload["error"] = resp.Error
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.kvs.Publish(ctx, req.ReplyTo, raw); err != nil {
		r.logger.WithError(err).Warn("reply_to publish failed", zap.String("channel", req.ReplyTo))
	}
}

func (r *Router) reply(c *gin.Context, method string, start time.Time, resp *Response) {
	code := "ok"
	if resp.Error != nil {
		code = resp.Error.Code
	}
	if method == "" {
		method = "unknown"
	}
	metrics.RPCRequestsTotal.WithLabelValues(method, code).Inc()
	metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == CodeAuthFailed {
		status = http.StatusUnauthorized
	}
	c.JSON(status, resp)
}

func (r *Router) apiVersion() string {
	if r.cfg.RPC.APIVersion != "" {
		return r.cfg.RPC.APIVersion
	}
	return APIVersion
}
