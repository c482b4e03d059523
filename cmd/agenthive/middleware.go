package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agenthive/api/handlers"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/metrics"
	"github.com/BaSui01/agenthive/types"
)

// Middleware wraps an http.Handler with pre/post processing.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first listed is the outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery converts handler panics into 500 responses so one bad
// request cannot take the process down.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					handlers.WriteErrorMessage(w, http.StatusInternalServerError,
						types.ErrInternal, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

// RequestID attaches a request id to the context and the response. A
// client-provided X-Request-ID is preserved so ids correlate across
// services.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func generateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return "req-" + hex.EncodeToString(buf)
}

// SecurityHeaders sets conservative browser-protection headers on every
// response.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}

// metricsResponseWriter captures status and body size for the metrics
// middleware.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	wroteHeader  bool
	bytesWritten int64
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware records one observation per request on the shared
// collector, with the path normalized to keep label cardinality bounded.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(mw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path),
				mw.statusCode, time.Since(start), requestSize, mw.bytesWritten)
		})
	}
}

// normalizePath collapses per-entity path segments into :id. Task and
// agent ids are caller-chosen strings, so matching is positional rather
// than by shape.
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/readyz", "/version", "/metrics",
		"/api/v1/tasks", "/api/v1/agents":
		return path
	}

	segs := strings.Split(path, "/")
	for i := 1; i < len(segs); i++ {
		if (segs[i-1] == "tasks" || segs[i-1] == "agents") && segs[i] != "" {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

// OTelTracing opens a server span per request and picks up incoming
// trace context from the standard propagation headers.
func OTelTracing() Middleware {
	tracer := otel.Tracer("agenthive/http")
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLFull(r.URL.String()),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client token bucket keyed by remote IP. A
// janitor drops visitors idle for more than three minutes; cancelling
// ctx stops it.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Warn("rate limit exceeded",
					zap.String("ip", ip),
					zap.String("path", r.URL.Path),
				)
				handlers.WriteErrorMessage(w, http.StatusTooManyRequests,
					types.ErrRateLimited, "rate limit exceeded", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers cross-origin requests for the configured origins. With
// no origins configured every cross-origin request is denied.
func CORS(allowedOrigins []string) Middleware {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := allowed[origin]; !ok {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				// The browser blocks the response without the allow
				// headers; same-origin callers are unaffected.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Auth admits a request that carries either the configured API key in
// X-API-Key or a verifiable bearer token (HS256 via the shared secret,
// RS256 via the public key). With neither scheme configured the API is
// open. Paths in skipPaths bypass the check so probes and scrapes work
// unauthenticated.
func Auth(cfg config.AuthConfig, skipPaths []string, logger *zap.Logger) Middleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}

	rsaKey := parseRSAPublicKey(cfg.JWTPublicKey, logger)
	open := cfg.APIKey == "" && cfg.JWTSecret == "" && rsaKey == nil

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
	}
	if cfg.JWTIssuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.JWTAudience))
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if cfg.JWTSecret == "" {
				return nil, fmt.Errorf("HS256 tokens are not accepted")
			}
			return []byte(cfg.JWTSecret), nil
		case "RS256":
			if rsaKey == nil {
				return nil, fmt.Errorf("RS256 tokens are not accepted")
			}
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok || open {
				next.ServeHTTP(w, r)
				return
			}

			if key := r.Header.Get("X-API-Key"); key != "" && key == cfg.APIKey {
				next.ServeHTTP(w, r)
				return
			}

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), keyFunc, parserOpts...)
				if err == nil && token.Valid {
					next.ServeHTTP(w, r.WithContext(claimsContext(r.Context(), token)))
					return
				}
				logger.Warn("rejected bearer token",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
			}

			handlers.WriteErrorMessage(w, http.StatusUnauthorized,
				types.ErrUnauthorized, "missing or invalid credentials", nil)
		})
	}
}

// claimsContext copies the identity claims into the request context so
// downstream logging and auditing see them.
func claimsContext(ctx context.Context, token *jwt.Token) context.Context {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ctx
	}
	if tenant, ok := claims["tenant_id"].(string); ok && tenant != "" {
		ctx = types.WithTenantID(ctx, tenant)
	}
	if user, ok := claims["user_id"].(string); ok && user != "" {
		ctx = types.WithUserID(ctx, user)
	} else if sub, ok := claims["sub"].(string); ok && sub != "" {
		ctx = types.WithUserID(ctx, sub)
	}
	return ctx
}

// parseRSAPublicKey decodes a PEM public key. A bad key disables RS256
// instead of failing startup.
func parseRSAPublicKey(pemText string, logger *zap.Logger) *rsa.PublicKey {
	if pemText == "" {
		return nil
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		logger.Warn("jwt public key is not valid PEM, RS256 disabled")
		return nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		logger.Warn("jwt public key parse failed, RS256 disabled", zap.Error(err))
		return nil
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		logger.Warn("jwt public key is not RSA, RS256 disabled")
		return nil
	}
	return key
}
