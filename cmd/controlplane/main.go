// Command controlplane runs the VE platform control plane: the tenant-facing
// HTTP API and the Temporal worker hosting the orchestration workflows.
//
// # Configuration
//
// Options load from an optional YAML file (-config) merged with environment
// overrides:
//
//	HTTP_ADDR                  - API listen address (default ":8000")
//	TEMPORAL_HOST_PORT         - Temporal frontend (default "localhost:7233")
//	TEMPORAL_NAMESPACE         - Temporal namespace (default "default")
//	TASK_QUEUE                 - worker task queue (default "ve-task-queue")
//	AGENT_GATEWAY_URL          - shared agent gateway endpoint
//	MONGO_URI / MONGO_DATABASE - task store
//	REDIS_ADDR                 - real-time publisher backend
//	AGENT_NAMESPACE            - Kubernetes namespace for routes/policies
//	ANTHROPIC_API_KEY          - delegation decision model
//	OPENAI_API_KEY             - memory embeddings (optional)
//	MAX_DELEGATION_DEPTH, MAX_ESCALATION_ATTEMPTS,
//	MAX_CUSTOMER_DELEGATIONS_PER_HOUR, MAX_AGENT_DELEGATIONS_PER_HOUR
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	temporalclient "go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"goa.design/clue/log"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/veplatform/control-plane/api"
	"github.com/veplatform/control-plane/audit"
	"github.com/veplatform/control-plane/breaker"
	"github.com/veplatform/control-plane/config"
	"github.com/veplatform/control-plane/decision"
	"github.com/veplatform/control-plane/fabric"
	"github.com/veplatform/control-plane/gateway"
	"github.com/veplatform/control-plane/memory"
	"github.com/veplatform/control-plane/orchestration"
	"github.com/veplatform/control-plane/publish"
	"github.com/veplatform/control-plane/roster"
	storemongo "github.com/veplatform/control-plane/store/mongo"
	"github.com/veplatform/control-plane/tenancy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML configuration file")
		debug      = flag.Bool("debug", false, "enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Task store.
	mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mongoClient, err := mongo.Connect(mongoCtx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	taskStore, err := storemongo.New(storemongo.Options{Client: mongoClient, Database: cfg.MongoDatabase})
	if err != nil {
		return fmt.Errorf("create task store: %w", err)
	}
	auditor := audit.New(taskStore)

	// Real-time publisher.
	var publisher publish.Publisher = publish.Noop()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "redis unreachable, real-time updates disabled"}, log.KV{K: "err", V: err.Error()})
	} else {
		pulsePub, err := publish.NewPulse(publish.PulseOptions{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		publisher = pulsePub
	}

	// Tenant access fabric. The control plane still runs without a cluster;
	// hires then skip the grant like any other local development setup.
	var accessFabric *fabric.Service
	if k8sCfg, err := kubernetesConfig(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "kubernetes unavailable, access fabric disabled"}, log.KV{K: "err", V: err.Error()})
	} else {
		dyn, err := dynamic.NewForConfig(k8sCfg)
		if err != nil {
			return fmt.Errorf("create dynamic client: %w", err)
		}
		accessFabric, err = fabric.New(fabric.Options{
			Client:           dyn,
			Namespace:        cfg.AgentNamespace,
			GatewayName:      cfg.GatewayName,
			GatewayNamespace: cfg.GatewayNamespace,
			Audit:            auditor,
		})
		if err != nil {
			return fmt.Errorf("create access fabric: %w", err)
		}
	}

	// Agent invocation client with team context and leakage scanning.
	team, err := roster.New(taskStore, taskStore)
	if err != nil {
		return fmt.Errorf("create roster: %w", err)
	}
	gatewayClient, err := gateway.New(gateway.Options{
		BaseURL:  cfg.GatewayURL,
		Timeout:  cfg.GatewayTimeout,
		Detector: tenancy.NewLeakageDetector(),
		Team:     team,
		Audit:    auditor,
	})
	if err != nil {
		return fmt.Errorf("create gateway client: %w", err)
	}

	// Delegation decision stack.
	var decider orchestration.Decider
	if cfg.AnthropicAPIKey != "" {
		d, err := decision.NewDeciderFromAPIKey(cfg.AnthropicAPIKey, cfg.DecisionModel)
		if err != nil {
			return fmt.Errorf("create decider: %w", err)
		}
		decider = d
	} else {
		log.Warn(ctx, log.KV{K: "msg", V: "no anthropic key, delegation decisions use the fallback"})
		decider = fallbackDecider{}
	}

	// Workflow engine client with OTEL tracing.
	tracing, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return fmt.Errorf("configure temporal tracing: %w", err)
	}
	temporal, err := temporalclient.Dial(temporalclient.Options{
		HostPort:     cfg.TemporalHostPort,
		Namespace:    cfg.TemporalNamespace,
		Interceptors: []interceptor.ClientInterceptor{tracing},
	})
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer temporal.Close()

	acts := &orchestration.Activities{
		Store:     taskStore,
		Gateway:   gatewayClient,
		Publisher: publisher,
		Decider:   decider,
		Router:    decision.NewRouter(gatewayClient, cfg.BootstrapAgent),
		Planner:   decision.NewPlanner(gatewayClient),
		Breaker: breaker.New(breaker.Limits{
			MaxDepth:            cfg.MaxDelegationDepth,
			MaxCustomerPerHour:  cfg.MaxCustomerDelegationsPerHour,
			MaxAgentTypePerHour: cfg.MaxAgentDelegationsPerHour,
		}),
	}

	w := orchestration.NewWorker(temporal, cfg.TaskQueue, acts)
	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer w.Stop()

	taskRouter, err := orchestration.NewTaskRouter(orchestration.RouterOptions{
		Temporal:      temporal,
		Store:         taskStore,
		TaskQueue:     cfg.TaskQueue,
		MaxEscalation: cfg.MaxEscalationAttempts,
	})
	if err != nil {
		return fmt.Errorf("create task router: %w", err)
	}

	// Scoped agent memory. The embedder is optional; without it the store
	// ranks by token overlap.
	var embedder memory.Embedder
	if cfg.OpenAIAPIKey != "" {
		e, err := memory.NewOpenAIEmbedderFromAPIKey(cfg.OpenAIAPIKey)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
		embedder = e
	}

	serverOpts := api.Options{
		Orchestrator: taskRouter,
		Store:        taskStore,
		Catalog:      taskStore,
		Invoker:      gatewayClient,
		Memory:       memory.NewInMem(embedder),
		Audit:        auditor,
	}
	if accessFabric != nil {
		serverOpts.Access = accessFabric
	}
	server, err := api.New(serverOpts)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, log.KV{K: "msg", V: "control plane listening"}, log.KV{K: "addr", V: cfg.HTTPAddr})
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info(ctx, log.KV{K: "msg", V: "shutting down"}, log.KV{K: "signal", V: sig.String()})
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	return nil
}

// kubernetesConfig prefers the in-cluster service account and falls back to
// the local kubeconfig for development.
func kubernetesConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loading := clientcmd.NewDefaultClientConfigLoadingRules()
	return clientcmd.BuildConfigFromFlags("", loading.GetDefaultFilename())
}

// fallbackDecider answers with the low-confidence handle decision when no
// model is configured.
type fallbackDecider struct{}

func (fallbackDecider) Decide(_ context.Context, _ decision.DecideInput) decision.Decision {
	return decision.Fallback("no decision model configured")
}
