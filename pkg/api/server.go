// Package api exposes the sandbox engine over HTTP. All mutating
// endpoints require bearer-token auth; the token maps to the caller
// identity that is injected as the admin actor of every run.
package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veriwork/sandlab/pkg/fuzz"
	"github.com/veriwork/sandlab/pkg/replay"
	"github.com/veriwork/sandlab/pkg/runner"
	"github.com/veriwork/sandlab/pkg/scenario"
	"github.com/veriwork/sandlab/pkg/store"
)

// Context keys
type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	callerIDKey contextKey = "caller_id"
)

const defaultLeaseTTL = 30 * time.Second

// StoreInterface is the persistence surface the server depends on.
type StoreInterface interface {
	QueryEvents(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)
	SaveFuzzRun(ctx context.Context, run *store.FuzzRun) error
	GetFuzzRun(ctx context.Context, runID string) (*store.FuzzRun, error)
	ListFuzzRuns(ctx context.Context, sandboxID string, limit int) ([]*store.FuzzRun, error)
	TeardownPartition(ctx context.Context, sandboxID string) error

	RegisterWebhook(ctx context.Context, cfg *store.WebhookConfig) error
	ListWebhooks(ctx context.Context) ([]*store.WebhookConfig, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
}

// Server encapsulates the HTTP API server.
type Server struct {
	store    StoreInterface
	runner   *runner.Runner
	fuzzer   *fuzz.Fuzzer
	replayer *replay.Engine
	catalog  *scenario.Catalog
	leases   store.LeaseStore
	server   *http.Server

	// tokens maps sha256 token hashes to caller identities.
	tokens map[string]string

	dispatcher *Dispatcher

	// TLS Config
	tlsCertFile string
	tlsKeyFile  string

	leaseTTL time.Duration
}

// NewServer creates a new API server instance. tokens maps sha256 token
// hashes to caller identities; an empty map means every request is
// rejected, which is the safe default.
func NewServer(st StoreInterface, run *runner.Runner, fz *fuzz.Fuzzer, rp *replay.Engine, leases store.LeaseStore, tokens map[string]string, addr string) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		store:      st,
		runner:     run,
		fuzzer:     fz,
		replayer:   rp,
		catalog:    scenario.NewCatalog(),
		leases:     leases,
		tokens:     tokens,
		dispatcher: NewDispatcher(st),
		leaseTTL:   defaultLeaseTTL,
	}

	mux.HandleFunc("/v1/scenarios", s.withAuth(s.handleScenarios))
	mux.HandleFunc("/v1/scenarios/run", s.withAuth(s.handleRunScenario))
	mux.HandleFunc("/v1/fuzz", s.withAuth(s.handleFuzz))
	mux.HandleFunc("/v1/runs", s.withAuth(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.withAuth(s.handleRunByID))
	mux.HandleFunc("/v1/sandboxes/", s.withAuth(s.handleSandboxes))
	mux.HandleFunc("/v1/webhooks", s.withAuth(s.handleWebhooks))
	mux.HandleFunc("/v1/webhooks/", s.withAuth(s.handleWebhookByID))

	// Middleware: Logging, Panic Recovery, Security Headers
	handler := withLogging(withRecovery(withSecureHeaders(mux)))

	if addr == "" {
		addr = ":8390"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// SetTLS configures the server to use TLS.
func (s *Server) SetTLS(certFile, keyFile string) {
	s.tlsCertFile = certFile
	s.tlsKeyFile = keyFile
}

// SetLeaseTTL overrides the default TTL on partition leases.
func (s *Server) SetLeaseTTL(ttl time.Duration) {
	if ttl > 0 {
		s.leaseTTL = ttl
	}
}

// Handler returns the fully wrapped handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server (blocking).
func (s *Server) Start() error {
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		fmt.Printf(`{"level":"info","msg":"server_starting_tls","addr":"%s"}`+"\n", s.server.Addr)
		if err := s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile); err != http.ErrServerClosed {
			return err
		}
	} else {
		fmt.Printf(`{"level":"info","msg":"server_starting","addr":"%s"}`+"\n", s.server.Addr)
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	fmt.Println(`{"level":"info","msg":"server_stopping"}`)
	return s.server.Shutdown(ctx)
}

// handleHealth returns simple status.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Middleware: Auth. The resolved caller identity lands in the request
// context; every run uses it as the admin actor.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, `{"error":"unauthorized","reason":"missing_token"}`, http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, `{"error":"unauthorized","reason":"invalid_token_format"}`, http.StatusUnauthorized)
			return
		}

		callerID, ok := s.tokens[hashToken(parts[1])]
		if !ok {
			http.Error(w, `{"error":"unauthorized","reason":"invalid_token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), callerIDKey, callerID)
		next(w, r.WithContext(ctx))
	}
}

func getCallerID(ctx context.Context) string {
	if v, ok := ctx.Value(callerIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware: Panic Recovery
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				fmt.Printf(`{"level":"error","msg":"panic_recovered","error":"%v","path":"%s"}`+"\n", err, r.URL.Path)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		fmt.Printf(`{"level":"info","msg":"http_request","trace_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`+"\n",
			traceID, r.Method, r.URL.Path, ww.status, duration.Milliseconds())
	})
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback if random fails (unlikely)
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()) // Fallback
	}
	return hex.EncodeToString(b)
}

// HashToken hashes an API token for the token table. Configs carry
// hashes, never raw tokens.
func HashToken(token string) string {
	return hashToken(token)
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
