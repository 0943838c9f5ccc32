// Command gateway runs the sandboxed code-execution gateway: the HTTP
// surface (/mcp, OAuth well-knowns, internal run callbacks) wired to the
// dispatcher, task runner, and their MongoDB/Redis-backed stores.
//
// # Configuration
//
// Environment variables:
//
//	GATEWAY_ADDR              - HTTP listen address (default: ":8080")
//	GATEWAY_PUBLIC_URL        - externally-reachable base URL of this gateway (default: "http://localhost:8080")
//	MONGO_URL                 - MongoDB connection URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE            - MongoDB database name (default: "sandboxgw")
//	REDIS_URL                 - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD            - Redis password (optional)
//	OAUTH_ISSUER              - upstream OAuth issuer base URL; empty disables upstream bearer auth
//	OAUTH_ANONYMOUS_ENABLED   - "true" to enable the self-issued anonymous OAuth surface
//	OAUTH_SIGNING_KEY_PATH    - path to the persisted RS256 signing key (default: "./gateway-oauth-signing-key.pem")
//	SANDBOX_WORKER_URL        - out-of-process sandbox worker's start endpoint
//	SANDBOX_CALLBACK_TOKEN    - bearer token the sandbox worker presents on internal run callbacks
//	SHUTDOWN_TIMEOUT          - graceful shutdown deadline (default: "10s")
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sandboxgw/core/internal/approval"
	approvalmongo "github.com/sandboxgw/core/internal/approval/mongo"
	"github.com/sandboxgw/core/internal/approvalcoord"
	"github.com/sandboxgw/core/internal/credential"
	credentialmongo "github.com/sandboxgw/core/internal/credential/mongo"
	"github.com/sandboxgw/core/internal/dispatcher"
	eventlogmongo "github.com/sandboxgw/core/internal/eventlog/mongo"
	"github.com/sandboxgw/core/internal/policy"
	policymongo "github.com/sandboxgw/core/internal/policy/mongo"
	"github.com/sandboxgw/core/internal/preparedspec"
	"github.com/sandboxgw/core/internal/preparedspec/rediskv"
	"github.com/sandboxgw/core/internal/run"
	runinmem "github.com/sandboxgw/core/internal/run/inmem"
	"github.com/sandboxgw/core/internal/runner"
	"github.com/sandboxgw/core/internal/sandbox/remote"
	"github.com/sandboxgw/core/internal/task"
	taskmongo "github.com/sandboxgw/core/internal/task/mongo"
	"github.com/sandboxgw/core/internal/telemetry"
	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolcache"
	"github.com/sandboxgw/core/internal/toolsource"
	"github.com/sandboxgw/core/internal/toolsource/graphqlsource"
	"github.com/sandboxgw/core/internal/toolsource/mcpsource"
	toolsourcemongo "github.com/sandboxgw/core/internal/toolsource/mongo"
	"github.com/sandboxgw/core/internal/toolsource/openapi"
	"github.com/sandboxgw/core/transport/httpapi"
	"github.com/sandboxgw/core/transport/mcpserver"
	"github.com/sandboxgw/core/transport/oauth"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// noopVault is the VaultReader used when no external credential vault is
// configured; spec.md §1 scopes the credential secret storage backend out
// as an external collaborator, so the gateway ships only Store-cached
// static/managed credentials and reports everything else as not found.
type noopVault struct{}

func (noopVault) Read(context.Context, string) (credential.Credential, error) {
	return credential.Credential{}, credential.ErrNotFound
}

// buildDiscover returns the always-present "discover" tool, listing every
// other tool currently callable in the workspace (spec.md §4.6 step 1).
func buildDiscover(defs []tools.Definition) tools.Definition {
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	return tools.Definition{
		Name:         tools.DiscoverName,
		Description:  "List every tool currently callable in this workspace.",
		ApprovalMode: tools.ApprovalNever,
		Invoke: func(_ context.Context, _ []byte) ([]byte, error) {
			entries := make([]entry, len(defs))
			for i, d := range defs {
				entries[i] = entry{Name: string(d.Name), Description: d.Description}
			}
			return json.Marshal(entries)
		},
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()

	addr := envOr("GATEWAY_ADDR", ":8080")
	publicURL := envOr("GATEWAY_PUBLIC_URL", "http://localhost:8080")
	mongoURL := envOr("MONGO_URL", "mongodb://localhost:27017")
	mongoDatabase := envOr("MONGO_DATABASE", "sandboxgw")
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := envOr("REDIS_PASSWORD", "")
	shutdownTimeout := envDurationOr("SHUTDOWN_TIMEOUT", 10*time.Second)

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(mongoURL))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Printf("disconnect mongo: %v", err)
		}
	}()
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	db := mongoClient.Database(mongoDatabase)

	rdb := redis.NewClient(&redis.Options{Addr: redisURL, Password: redisPassword})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	var (
		taskStore     task.Store       = taskmongo.New(db.Collection("tasks"))
		eventStore                     = eventlogmongo.New(db.Collection("events"))
		policyStore   policy.Store     = policymongo.New(db.Collection("policies"))
		approvalStore approval.Store   = approvalmongo.New(db.Collection("approvals"))
		credStore     credential.Store = credentialmongo.New(db.Collection("credentials"))
		sourceStore   toolsource.Store = toolsourcemongo.New(db.Collection("tool_sources"))
	)

	cacheMap := rediskv.New(rdb)
	preparedSpecs := preparedspec.New(cacheMap, preparedspec.DefaultMaxAge)
	cachedFetcher := preparedspec.NewCachedFetcher(preparedSpecs, nil)

	compilers := map[toolsource.Type]toolsource.Compiler{
		toolsource.TypeOpenAPI: openapi.New(cachedFetcher, openapi.NewYAMLParser(), http.DefaultClient),
		toolsource.TypeGraphQL: graphqlsource.New(http.DefaultClient),
		toolsource.TypeMCP:     mcpsource.New(mcpserver.NewRemoteClient()),
	}
	cache := toolcache.New(sourceStore, compilers, cacheMap, slog.Default())

	credentialResolver := credential.NewResolver(credStore, noopVault{}, credential.Options{})
	approvalCoord := approvalcoord.New(approvalStore, approvalcoord.Options{})

	disp := dispatcher.New(dispatcher.Dependencies{
		Tasks:         taskStore,
		Events:        eventStore,
		Policies:      policyStore,
		Approvals:     approvalCoord,
		Credentials:   credentialResolver,
		ToolCache:     cache,
		BuildDiscover: buildDiscover,
		Logger:        logger,
		Tracer:        tracer,
	})

	var runStore run.Store = runinmem.New()
	workerURL := envOr("SANDBOX_WORKER_URL", "")
	callbackToken := envOr("SANDBOX_CALLBACK_TOKEN", "")
	sandboxRuntime := remote.New(remote.Config{
		WorkerURL:       workerURL,
		CallbackBaseURL: publicURL,
		CallbackToken:   callbackToken,
	})

	rn := runner.New(runner.Dependencies{
		Runs:       runStore,
		Tasks:      taskStore,
		Events:     eventStore,
		Sandbox:    sandboxRuntime,
		Dispatcher: disp,
		Logger:     logger,
		Tracer:     tracer,
	})

	var authenticators []oauth.Authenticator
	upstreamIssuer := envOr("OAUTH_ISSUER", "")
	if upstreamIssuer != "" {
		v, err := oauth.NewVerifier(ctx, upstreamIssuer)
		if err != nil {
			return fmt.Errorf("build oauth verifier: %w", err)
		}
		authenticators = append(authenticators, v)
	}

	var issuer *oauth.Issuer
	if envOr("OAUTH_ANONYMOUS_ENABLED", "false") == "true" {
		keyPath := envOr("OAUTH_SIGNING_KEY_PATH", "./gateway-oauth-signing-key.pem")
		signingKey, err := oauth.LoadOrGenerateSigningKey(keyPath)
		if err != nil {
			return fmt.Errorf("load oauth signing key: %w", err)
		}
		issuer, err = oauth.NewIssuer(publicURL, signingKey)
		if err != nil {
			return fmt.Errorf("build oauth issuer: %w", err)
		}
		authenticators = append(authenticators, issuer)
	}

	mcpSrv := mcpserver.New("sandboxgw-gateway", "1.0.0", rn)
	streamableHandler := mcpserver.NewStreamableHTTPHandler(mcpSrv)

	router := httpapi.NewRouter(httpapi.Config{
		MCPHandler:    streamableHandler,
		Authenticator: oauth.Chain(authenticators...),
		ResourceMetadata: oauth.ProtectedResourceMetadata{
			Resource:             publicURL + "/mcp",
			AuthorizationServers: authServerList(upstreamIssuer, issuer, publicURL),
			BearerMethods:        []string{"header"},
		},
		UpstreamMetadataURL: upstreamMetadataURL(upstreamIssuer),
		Issuer:              issuer,
		RemoteRuntime:       sandboxRuntime,
		CallbackToken:       callbackToken,
		Logger:              logger,
		Tracer:              tracer,
	})

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("starting gateway on %s (public_url=%s)", addr, publicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func upstreamMetadataURL(issuer string) string {
	if issuer == "" {
		return ""
	}
	return issuer + "/.well-known/oauth-authorization-server"
}

func authServerList(upstreamIssuer string, issuer *oauth.Issuer, publicURL string) []string {
	var servers []string
	if upstreamIssuer != "" {
		servers = append(servers, upstreamIssuer)
	}
	if issuer != nil {
		servers = append(servers, publicURL)
	}
	return servers
}
