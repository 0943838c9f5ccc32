// Package httpapi wires the gateway's external HTTP surface (spec.md §6):
// the /mcp endpoint, the OAuth well-known and anonymous-issuance routes, and
// the internal run-callback routes used by out-of-process sandbox workers.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxgw/core/internal/sandbox"
	"github.com/sandboxgw/core/internal/sandbox/remote"
	"github.com/sandboxgw/core/internal/telemetry"
	"github.com/sandboxgw/core/transport/mcpserver"
	"github.com/sandboxgw/core/transport/oauth"
)

// Config wires a Router's collaborators. MCPHandler, Issuer, and
// RemoteRuntime are each optional; the corresponding route group is omitted
// when nil. Authenticator is optional too: when nil, /mcp is served without
// a bearer check. A deployment can so run with upstream OAuth only, with
// anonymous OAuth only, or with both disabled entirely.
type Config struct {
	// MCPHandler serves the MCP Streamable HTTP protocol (transport/mcpserver's
	// NewStreamableHTTPHandler output), mounted at /mcp.
	MCPHandler http.Handler
	// Authenticator verifies bearer tokens presented to /mcp. nil disables
	// auth entirely (e.g. local development).
	Authenticator oauth.Authenticator
	// ResourceMetadata is served at /.well-known/oauth-protected-resource.
	ResourceMetadata oauth.ProtectedResourceMetadata
	// UpstreamMetadataURL, if set, is fetched and proxied verbatim for
	// GET /.well-known/oauth-authorization-server when Issuer is nil.
	UpstreamMetadataURL string
	// Issuer, if set, turns on the self-issued anonymous OAuth surface
	// (/register, /authorize, /token, /oauth2/jwks) and takes priority over
	// UpstreamMetadataURL for the authorization-server metadata document.
	Issuer *oauth.Issuer
	// RemoteRuntime, if set, turns on the internal run-callback routes an
	// out-of-process sandbox worker uses to reach back into the dispatcher.
	RemoteRuntime *remote.Runtime
	// CallbackToken is the bearer token internal run-callback requests must
	// present. Required when RemoteRuntime is set.
	CallbackToken string

	Logger telemetry.Logger
	Tracer telemetry.Tracer
}

// NewRouter builds the chi router serving cfg's endpoints.
func NewRouter(cfg Config) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}

	r := chi.NewRouter()
	r.Use(tracingMiddleware(cfg.Tracer))

	r.Get("/.well-known/oauth-protected-resource", handleProtectedResourceMetadata(cfg))
	r.Get("/.well-known/oauth-authorization-server", handleAuthServerMetadata(cfg))

	if cfg.Issuer != nil {
		r.Get("/oauth2/jwks", handleJWKS(cfg.Issuer))
		r.Post("/register", handleRegister(cfg.Issuer))
		r.Get("/authorize", handleAuthorize(cfg.Issuer))
		r.Post("/token", handleToken(cfg.Issuer))
	}

	if cfg.MCPHandler != nil {
		r.Group(func(gr chi.Router) {
			gr.Use(bearerAuth(cfg.Authenticator, cfg.Logger))
			gr.Use(workspaceContext)
			gr.Handle("/mcp", cfg.MCPHandler)
			gr.Handle("/mcp/*", cfg.MCPHandler)
		})
	}

	if cfg.RemoteRuntime != nil {
		r.Route("/internal/runs/{runId}", func(ir chi.Router) {
			ir.Use(callbackAuth(cfg.CallbackToken))
			ir.Post("/tool-call", handleToolCallCallback(cfg.RemoteRuntime))
			ir.Post("/output", handleOutputCallback(cfg.RemoteRuntime))
			ir.Post("/complete", handleCompleteCallback(cfg.RemoteRuntime))
		})
	}

	return r
}

func handleProtectedResourceMetadata(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.ResourceMetadata)
	}
}

func handleAuthServerMetadata(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Issuer != nil {
			writeJSON(w, http.StatusOK, cfg.Issuer.Metadata())
			return
		}
		if cfg.UpstreamMetadataURL == "" {
			http.NotFound(w, r)
			return
		}
		resp, err := http.Get(cfg.UpstreamMetadataURL)
		if err != nil {
			http.Error(w, "failed to reach upstream authorization server", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func handleJWKS(issuer *oauth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, issuer.JWKS())
	}
}

func handleRegister(issuer *oauth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RedirectURIs []string `json:"redirect_uris"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, issuer.Register(body.RedirectURIs))
	}
}

func handleAuthorize(issuer *oauth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		redirectURI := q.Get("redirect_uri")
		code, err := issuer.Authorize(q.Get("client_id"), redirectURI, q.Get("code_challenge"), q.Get("code_challenge_method"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dest, err := url.Parse(redirectURI)
		if err != nil {
			http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
			return
		}
		query := dest.Query()
		query.Set("code", code)
		if state := q.Get("state"); state != "" {
			query.Set("state", state)
		}
		dest.RawQuery = query.Encode()
		http.Redirect(w, r, dest.String(), http.StatusFound)
	}
}

func handleToken(issuer *oauth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
			return
		}
		token, expiresIn, err := issuer.Token(r.Context(),
			r.PostForm.Get("code"), r.PostForm.Get("redirect_uri"), r.PostForm.Get("code_verifier"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": string(token),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}
}

type toolCallRequest struct {
	CallID   string          `json:"callId"`
	ToolPath string          `json:"toolPath"`
	Input    json.RawMessage `json:"input,omitempty"`
}

func handleToolCallCallback(rt *remote.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		var body toolCallRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		result, err := rt.HandleToolCall(r.Context(), runID, sandbox.ToolCall{
			CallID:   body.CallID,
			ToolPath: body.ToolPath,
			Input:    body.Input,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type outputLineRequest struct {
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func handleOutputCallback(rt *remote.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		var body outputLineRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := rt.HandleOutput(r.Context(), runID, sandbox.OutputLine{
			Stream: body.Stream, Line: body.Line, Timestamp: body.Timestamp,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type completeRequest struct {
	Status     sandbox.Status `json:"status"`
	ExitCode   int            `json:"exitCode"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

func handleCompleteCallback(rt *remote.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		var body completeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := rt.HandleComplete(runID, sandbox.Result{
			Status: body.Status, ExitCode: body.ExitCode, Error: body.Error, DurationMs: body.DurationMs,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tracingMiddleware(tracer telemetry.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "httpapi.request", trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			))
			defer span.End()

			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			if wrapped.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.status))
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func workspaceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		wc := mcpserver.WorkspaceContext{
			WorkspaceID: q.Get("workspaceId"),
			ClientID:    q.Get("clientId"),
		}
		if p, ok := principalFrom(r.Context()); ok {
			wc.ActorID = p.Subject
		}
		next.ServeHTTP(w, r.WithContext(mcpserver.WithWorkspaceContext(r.Context(), wc)))
	})
}

func bearerAuth(auth oauth.Authenticator, logger telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" {
				challengeUnauthorized(w)
				return
			}
			principal, err := auth.Verify(r.Context(), token)
			if err != nil {
				logger.Warn(r.Context(), "httpapi: bearer verification failed", "err", err)
				challengeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func challengeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer resource_metadata="/.well-known/oauth-protected-resource"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func callbackAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || bearerToken(r) != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p oauth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (oauth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(oauth.Principal)
	return p, ok
}
