// Package main is the entry point for the polis-sfn binary.
// It serves the synchronous HTTP gateway in front of a workflow engine and
// can run the bundled engine itself.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-sfn/internal/governance"
	"github.com/polisai/polis-sfn/pkg/config"
	"github.com/polisai/polis-sfn/pkg/domain"
	"github.com/polisai/polis-sfn/pkg/gateway"
	"github.com/polisai/polis-sfn/pkg/logging"
	"github.com/polisai/polis-sfn/pkg/telemetry"
	"github.com/polisai/polis-sfn/pkg/template"
	"github.com/polisai/polis-sfn/pkg/workflow"
	"github.com/polisai/polis-sfn/pkg/workflow/local"
	"github.com/polisai/polis-sfn/pkg/workflow/natsinvoker"
	"github.com/polisai/polis-sfn/pkg/workflow/sfnclient"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-sfn
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-sfn",
		Short: "Synchronous HTTP gateway for workflow executions",
		Long: `polis-sfn accepts HTTP requests, starts a synchronous workflow execution
for each one and answers with the execution's output or failure.

Example:
  polis-sfn serve --config gateway.yaml
  polis-sfn engine --config gateway.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the file")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd(), newEngineCmd(), newRenderCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd)
		},
	}
}

func newEngineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engine",
		Short: "Run the bundled workflow engine over HTTP and optionally NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cmd)
		},
	}
}

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <template-file>",
		Short: "Render a mapping template against a request body",
		Args:  cobra.ExactArgs(1),
		RunE:  runRender,
	}
	cmd.Flags().StringP("body", "b", "", "Request body; read from stdin when '-'")
	cmd.Flags().StringToString("var", nil, "Template variables, e.g. --var stageVariables.actionType=create")
	cmd.Flags().Bool("strict", false, "Require a valid JSON body")
	return cmd
}

// setup loads the configuration and builds the process logger.
func setup(cmd *cobra.Command) (*config.Config, *config.FileConfigProvider, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")

	var (
		cfg      *config.Config
		provider *config.FileConfigProvider
		err      error
	)
	if configPath != "" {
		provider, err = config.NewFileConfigProvider(configPath)
		if err != nil {
			return nil, nil, nil, err
		}
		cfg = provider.Current().Config
	} else {
		cfg, err = config.Load("")
		if err != nil {
			return nil, nil, nil, err
		}
	}

	logCfg := cfg.LoggingConfig()
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	logCfg.Pretty = logCfg.Pretty || pretty
	logCfg.Output = cmd.ErrOrStderr()
	logger := logging.NewLogger(logCfg)
	slog.SetDefault(logger)

	return cfg, provider, logger, nil
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	cfg, provider, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if provider != nil {
		defer func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close config provider", "error", err)
			}
		}()
	}

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	metrics := gateway.NewMetrics()
	shutdownMeters, err := telemetry.SetupMeterProvider(metrics.Registry())
	if err != nil {
		_ = shutdownTracing(context.Background())
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownMeters(flushCtx)
		_ = shutdownTracing(flushCtx)
	}()

	invoker, transport, closeInvoker, err := buildInvoker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeInvoker()

	generation := uint64(1)
	if provider != nil {
		generation = provider.Current().Generation
	}
	snapshot, err := cfg.Snapshot(generation)
	if err != nil {
		return err
	}

	timeouts := governance.NewTimeoutManager(cfg.TimeoutConfig())
	handler, err := gateway.NewHandler(gateway.Options{
		Snapshot:  snapshot,
		Invoker:   invoker,
		Transport: transport,
		Timeouts:  timeouts,
		Metrics:   metrics,
		Logger:    gateway.NewStructuredLogger(logger),
	})
	if err != nil {
		return err
	}

	if provider != nil {
		go watchConfig(provider.Subscribe(), handler, metrics, logger)
	}

	server := gateway.NewServer(cfg.Server.Address, gateway.NewRootHandler(handler, metrics), timeouts)
	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener %s: %w", cfg.Server.Address, err)
	}

	logger.Info("Gateway listening",
		"addr", listener.Addr().String(),
		"transport", transport,
		"invocation_timeout", timeouts.Config().InvocationTimeout,
	)
	for _, r := range cfg.Routes {
		logger.Info("API endpoint", "url", cfg.EndpointURL(r), "state_machine_arn", r.StateMachineArn)
	}

	return serveUntilDone(ctx, server, listener, logger)
}

// watchConfig applies route and CORS changes. Transport settings take effect
// on restart.
func watchConfig(updates <-chan config.Update, handler *gateway.Handler, metrics *gateway.Metrics, logger *slog.Logger) {
	for update := range updates {
		if update.Generation <= handler.Snapshot().Generation {
			continue
		}
		snapshot, err := update.Config.Snapshot(update.Generation)
		if err != nil {
			metrics.RecordConfigReload("error")
			logger.Error("Rejected configuration update", "generation", update.Generation, "error", err)
			continue
		}
		handler.Update(snapshot)
		metrics.RecordConfigReload("success")
		logger.Info("Routes updated", "generation", update.Generation, "count", len(snapshot.Routes()))
	}
}

// buildInvoker selects the configured transport. The returned function
// releases its resources.
func buildInvoker(cfg *config.Config, logger *slog.Logger) (workflow.Invoker, string, func(), error) {
	noop := func() {}

	switch cfg.Invoker.Transport {
	case config.TransportHTTP:
		key, err := cfg.SigningKey()
		if err != nil {
			return nil, "", noop, err
		}
		client, err := sfnclient.New(sfnclient.Config{
			Endpoint:   cfg.Invoker.Endpoint,
			RoleArn:    cfg.Invoker.RoleArn,
			SigningKey: key,
			Issuer:     cfg.Invoker.Issuer,
			TokenTTL:   cfg.Invoker.TokenTTL,
		})
		if err != nil {
			return nil, "", noop, err
		}
		return client, config.TransportHTTP, noop, nil

	case config.TransportNATS:
		nc, err := natsinvoker.Connect(cfg.Invoker.NATS.URL, natsName(cfg, "gateway"))
		if err != nil {
			return nil, "", noop, err
		}
		inv, err := natsinvoker.New(nc, cfg.Invoker.NATS.Subject)
		if err != nil {
			nc.Close()
			return nil, "", noop, err
		}
		return inv, config.TransportNATS, drain(nc, logger), nil

	default:
		engine, err := newEngine(cfg, logger)
		if err != nil {
			return nil, "", noop, err
		}
		return engine.Invoker(cfg.Invoker.RoleArn), config.TransportLocal, noop, nil
	}
}

func newEngine(cfg *config.Config, logger *slog.Logger) (*local.Engine, error) {
	machines, err := cfg.Machines()
	if err != nil {
		return nil, err
	}
	authz, err := local.NewAuthorizer(context.Background(), cfg.Policy())
	if err != nil {
		return nil, err
	}
	return local.NewEngine(local.Options{
		Machines:       machines,
		Authorizer:     authz,
		Logger:         logger,
		MaxTransitions: cfg.Engine.MaxTransitions,
	})
}

func runEngine(ctx context.Context, cmd *cobra.Command) error {
	cfg, provider, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if provider != nil {
		defer func() { _ = provider.Close() }()
	}

	shutdownTracing, err := telemetry.SetupProvider(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	key, err := cfg.SigningKey()
	if err != nil {
		return err
	}

	if cfg.Engine.ServeNATS {
		nc, err := natsinvoker.Connect(cfg.Invoker.NATS.URL, natsName(cfg, "engine"))
		if err != nil {
			return err
		}
		defer drain(nc, logger)()
		timeout := governance.NewTimeoutManager(cfg.TimeoutConfig()).Config().InvocationTimeout
		if _, err := natsinvoker.Serve(nc, cfg.Invoker.NATS.Subject, engine.Invoker(cfg.Invoker.RoleArn), timeout, logger); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.Invoker.NATS.Subject, err)
		}
		logger.Info("Engine answering on NATS", "subject", cfg.Invoker.NATS.Subject)
	}

	srv := local.NewServer(engine, local.ServerOptions{
		SigningKey:    key,
		AnonymousRole: cfg.Invoker.RoleArn,
		Logger:        logger,
	})
	server := gateway.NewServer(cfg.Engine.Address, srv, governance.NewTimeoutManager(cfg.TimeoutConfig()))
	listener, err := net.Listen("tcp", cfg.Engine.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener %s: %w", cfg.Engine.Address, err)
	}
	logger.Info("Engine listening", "addr", listener.Addr().String(), "machines", len(cfg.Engine.Machines))

	return serveUntilDone(ctx, server, listener, logger)
}

func runRender(cmd *cobra.Command, args []string) error {
	//nolint:gosec // Template path is supplied by the operator
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}
	body, _ := cmd.Flags().GetString("body")
	vars, _ := cmd.Flags().GetStringToString("var")
	strict, _ := cmd.Flags().GetBool("strict")

	if body == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = string(data)
	}

	out, err := renderTemplate(cmd.Context(), string(src), []byte(body), vars, strict)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

// renderTemplate renders src the way the gateway renders a request
// template. Dotted variable names build nested roots.
func renderTemplate(ctx context.Context, src string, body []byte, vars map[string]string, strict bool) (string, error) {
	tmpl, err := template.Compile("render", src)
	if err != nil {
		return "", err
	}

	req := &domain.InboundRequest{Method: http.MethodPost, Body: body}
	if len(strings.TrimSpace(string(body))) > 0 {
		if doc, err := template.DecodeJSON(body); err == nil {
			req.Document = doc
			req.BodyValid = true
		}
	}

	data := template.Context{Input: template.RequestInput(req), Vars: map[string]any{}}
	for key, value := range vars {
		setVar(data.Vars, strings.Split(key, "."), value)
	}
	if strict {
		data.Require = []string{"input"}
	}

	out, err := tmpl.Execute(ctx, data)
	if err != nil {
		return "", err
	}
	if json.Valid([]byte(out)) {
		return out, nil
	}
	return out, fmt.Errorf("%w: rendered output is not valid JSON", domain.ErrMalformedPayload)
}

func setVar(root map[string]any, path []string, value string) {
	for _, part := range path[:len(path)-1] {
		next, ok := root[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			root[part] = next
		}
		root = next
	}
	root[path[len(path)-1]] = value
}

func serveUntilDone(ctx context.Context, server *http.Server, listener net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func natsName(cfg *config.Config, role string) string {
	if cfg.Invoker.NATS.Name != "" {
		return cfg.Invoker.NATS.Name
	}
	return "polis-sfn-" + role
}

func drain(nc *nats.Conn, logger *slog.Logger) func() {
	return func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("NATS drain failed", "error", err)
		}
	}
}
