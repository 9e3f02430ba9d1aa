// Command assistant answers one natural-language question about the caller's
// email, calendar and contacts and prints the response envelope as JSON.
//
// Usage:
//
//	assistant [flags] <question...>
//	echo "what's urgent?" | assistant [flags]
//
// With -demo the pipeline runs against a seeded in-memory mailbox instead of
// live providers, which needs no credentials. With -eval the binary grades
// the built-in corpus and prints the evaluation report instead of an answer.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ezhong0/aiassistant-sub012/ai"
	"github.com/ezhong0/aiassistant-sub012/auth"
	"github.com/ezhong0/aiassistant-sub012/core"
	"github.com/ezhong0/aiassistant-sub012/eval"
	"github.com/ezhong0/aiassistant-sub012/orchestration"
	"github.com/ezhong0/aiassistant-sub012/providers"
	"github.com/ezhong0/aiassistant-sub012/resilience"
	"github.com/ezhong0/aiassistant-sub012/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		userID     = flag.String("user", "local-user", "user the request runs as")
		verbosity  = flag.String("verbosity", "", "answer verbosity: short, normal or verbose")
		trace      = flag.Bool("trace", false, "include the execution trace in the output")
		demo       = flag.Bool("demo", false, "run against a seeded in-memory mailbox")
		runEval    = flag.Bool("eval", false, "grade the built-in corpus and print the report")
		evalMode   = flag.String("eval-mode", "full", "evaluation mode: full or cached")
	)
	flag.Parse()

	if err := run(*configPath, *userID, *verbosity, *trace, *demo, *runEval, *evalMode, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "assistant:", err)
		os.Exit(1)
	}
}

func run(configPath, userID, verbosity string, trace, demo, runEval bool, evalMode string, args []string) error {
	var opts []core.Option
	if configPath != "" {
		opts = append(opts, core.WithConfigFile(configPath))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return err
	}

	logger := core.NewJSONLogger(cfg.Name, core.ParseLogLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runEval {
		return runEvaluation(ctx, logger, evalMode)
	}

	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		query, err = readQuery(os.Stdin)
		if err != nil {
			return err
		}
	}
	if query == "" {
		return errors.New("no question given (pass it as arguments or on stdin)")
	}

	var orchestrator *orchestration.Orchestrator
	if demo {
		orchestrator = eval.NewSyntheticPipeline()
		orchestrator.SetLogger(logger)
	} else {
		orchestrator, err = buildAssistant(cfg, logger)
		if err != nil {
			return err
		}
	}

	envelope, err := orchestrator.Process(ctx, newRequest(userID, query, verbosity, trace))
	if err != nil {
		return err
	}
	return printJSON(envelope)
}

func newRequest(userID, query, verbosity string, trace bool) *orchestration.Request {
	return &orchestration.Request{
		UserID:  userID,
		Message: query,
		Options: &orchestration.RequestOptions{
			Verbosity:    verbosity,
			IncludeTrace: trace,
		},
	}
}

func readQuery(in *os.File) (string, error) {
	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	// Only consume stdin when it is piped; an interactive terminal with no
	// arguments is a usage error, not a prompt.
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	var lines []string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(lines, " ")), nil
}

func runEvaluation(ctx context.Context, logger core.Logger, mode string) error {
	var m eval.Mode
	switch mode {
	case "full":
		m = eval.ModeFull
	case "cached":
		m = eval.ModeCached
	default:
		return fmt.Errorf("unknown eval mode %q (want full or cached)", mode)
	}

	evaluator := eval.New(eval.NewSyntheticPipeline(), eval.WithLogger(logger))
	report, err := evaluator.Run(ctx, m, eval.Corpus())
	if err != nil {
		return err
	}
	return printJSON(report)
}

// buildAssistant wires the production pipeline: HTTP provider transports
// behind OAuth token management, circuit breakers and retries, the shared
// rate-limited LLM client, and Redis-backed caches when configured.
func buildAssistant(cfg *core.Config, logger core.Logger) (*orchestration.Orchestrator, error) {
	var tel core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		tel = telemetry.NewOTelProvider(cfg.Telemetry.ServiceName)
	}

	tokenStore, err := newTokenStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	tokens := auth.NewTokenProvider(tokenStore, map[string]auth.OAuthEndpoint{
		providers.ServiceEmail: {
			ClientID:     cfg.Providers.Email.ClientID,
			ClientSecret: cfg.Providers.Email.ClientSecret,
			TokenURL:     cfg.Providers.Email.TokenURL,
		},
		providers.ServiceCalendar: {
			ClientID:     cfg.Providers.Calendar.ClientID,
			ClientSecret: cfg.Providers.Calendar.ClientSecret,
			TokenURL:     cfg.Providers.Calendar.TokenURL,
		},
		providers.ServiceContacts: {
			ClientID:     cfg.Providers.Contacts.ClientID,
			ClientSecret: cfg.Providers.Contacts.ClientSecret,
			TokenURL:     cfg.Providers.Contacts.TokenURL,
		},
	}, auth.WithLogger(logger), auth.WithTelemetry(tel))

	transport := providers.NewHTTPTransport(map[string]string{
		providers.ServiceEmail:    cfg.Providers.Email.BaseURL,
		providers.ServiceCalendar: cfg.Providers.Calendar.BaseURL,
		providers.ServiceContacts: cfg.Providers.Contacts.BaseURL,
	}, cfg.Providers.Email.Timeout)
	transport.SetLogger(logger)

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.Resilience.RetryMaxAttempts
	retryCfg.InitialDelay = cfg.Resilience.RetryInitialDelay
	retryCfg.MaxDelay = cfg.Resilience.RetryMaxDelay

	clientOpts := []providers.APIClientOption{
		providers.WithRetryConfig(retryCfg),
		providers.WithCallTimeout(cfg.Orchestration.NodeTimeout),
		providers.WithLogger(logger),
		providers.WithTelemetry(tel),
	}
	for _, service := range []string{
		providers.ServiceEmail, providers.ServiceCalendar,
		providers.ServiceContacts, providers.ServiceLLM,
	} {
		// Each service is enrolled separately, so the provider name matches
		// the service name rather than a shared identity provider.
		clientOpts = append(clientOpts,
			providers.WithOAuthProvider(service, service),
			providers.WithBreakerConfig(service, &resilience.CircuitBreakerConfig{
				Name:             service,
				FailureThreshold: cfg.Resilience.BreakerFailures,
				FailureWindow:    cfg.Resilience.BreakerWindow,
				CoolOff:          cfg.Resilience.BreakerCoolOff,
				HalfOpenProbes:   cfg.Resilience.BreakerHalfOpenProbes,
			}))
	}
	apiClient := providers.NewAPIClient(transport, tokens, clientOpts...)

	aiClient, err := newAIClient(cfg, logger, tel)
	if err != nil {
		return nil, err
	}

	registry := orchestration.NewStrategyRegistry()
	if err := orchestration.RegisterCatalog(registry); err != nil {
		return nil, err
	}

	planBackend, userBackend, err := newCacheBackends(cfg)
	if err != nil {
		return nil, err
	}

	decomposer := orchestration.NewDecomposer(aiClient, registry,
		orchestration.NewPlanCache(planBackend, cfg.Orchestration.PlanCacheTTL))
	decomposer.SetLogger(logger)
	decomposer.SetTelemetry(tel)

	validator := orchestration.NewPlanValidator(registry, cfg.Orchestration.MaxPlanNodes)
	validator.SetLogger(logger)

	coordinator := orchestration.NewExecutionCoordinator(registry, &orchestration.CoordinatorConfig{
		NodeTimeout:    cfg.Orchestration.NodeTimeout,
		MaxConcurrency: cfg.Orchestration.MaxConcurrency,
		ServiceCaps:    cfg.Orchestration.ServiceCaps,
	})
	coordinator.SetLogger(logger)
	coordinator.SetTelemetry(tel)

	synthesizer := orchestration.NewSynthesizer(aiClient)
	synthesizer.SetLogger(logger)
	synthesizer.SetTelemetry(tel)

	users := orchestration.NewUserContextStore(userBackend, cfg.Orchestration.UserContextTTL,
		enrollmentFetcher(tokenStore))
	users.SetLogger(logger)

	orchestrator := orchestration.NewOrchestrator(
		decomposer,
		validator,
		coordinator,
		synthesizer,
		users,
		apiClient,
		aiClient,
		&orchestration.OrchestratorConfig{
			RequestDeadline:   cfg.Orchestration.RequestDeadline,
			HistoryMaxEntries: cfg.Orchestration.HistoryMaxEntries,
			HistoryMaxTokens:  cfg.Orchestration.HistoryMaxTokens,
			HistorySize:       cfg.Orchestration.HistorySize,
		},
	)
	orchestrator.SetLogger(logger)
	orchestrator.SetTelemetry(tel)
	return orchestrator, nil
}

func newTokenStore(cfg *core.Config, logger core.Logger) (auth.Store, error) {
	if cfg.Redis.URL == "" {
		return auth.NewMemoryStore(), nil
	}
	store, err := auth.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting token store: %w", err)
	}
	store.SetLogger(logger)
	return store, nil
}

func newCacheBackends(cfg *core.Config) (plan, user orchestration.Cache, err error) {
	if cfg.Redis.URL == "" {
		return orchestration.NewMemoryCache(), orchestration.NewMemoryCache(), nil
	}
	if plan, err = orchestration.NewRedisCache(cfg.Redis.URL, "plan"); err != nil {
		return nil, nil, fmt.Errorf("connecting plan cache: %w", err)
	}
	if user, err = orchestration.NewRedisCache(cfg.Redis.URL, "user"); err != nil {
		return nil, nil, fmt.Errorf("connecting user context cache: %w", err)
	}
	return plan, user, nil
}

func newAIClient(cfg *core.Config, logger core.Logger, tel core.Telemetry) (core.AIClient, error) {
	if cfg.AI.Provider == "mock" {
		return ai.NewMockClient(), nil
	}
	inner, err := ai.NewClient(
		ai.WithProvider(cfg.AI.Provider),
		ai.WithAPIKey(cfg.AI.APIKey),
		ai.WithBaseURL(cfg.AI.BaseURL),
		ai.WithModel(cfg.AI.Model),
		ai.WithTemperature(float64(cfg.AI.Temperature)),
		ai.WithMaxTokens(cfg.AI.MaxTokens),
		ai.WithLogger(logger),
		ai.WithTelemetry(tel),
	)
	if err != nil {
		return nil, err
	}
	return ai.NewRateLimitedClient(inner, cfg.AI.RequestsPerSecond, cfg.AI.MaxConcurrent), nil
}

// enrollmentFetcher derives the user's enrolled providers from the token
// store: a provider with a stored grant is enrolled. The org domain comes
// from the environment because no provider exposes it.
func enrollmentFetcher(store auth.Store) func(ctx context.Context, userID string) (*orchestration.UserContext, error) {
	orgDomain := os.Getenv("ASSISTANT_ORG_DOMAIN")
	return func(ctx context.Context, userID string) (*orchestration.UserContext, error) {
		user := &orchestration.UserContext{
			UserID:    userID,
			OrgDomain: orgDomain,
		}
		for _, provider := range []string{
			providers.ServiceEmail, providers.ServiceCalendar, providers.ServiceContacts,
		} {
			_, err := store.Get(ctx, userID, provider)
			switch {
			case err == nil:
				user.EnrolledProviders = append(user.EnrolledProviders, provider)
			case errors.Is(err, core.ErrTokenNotFound):
				// not enrolled
			default:
				return nil, err
			}
		}
		return user, nil
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
