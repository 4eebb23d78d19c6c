// Package config provides configuration structures and loading logic for the gateway.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults used when the file leaves a value unset.
const (
	DefaultAddress         = ":8080"
	DefaultEngineAddress   = ":8083"
	DefaultStage           = "prod"
	DefaultStateMachineArn = "arn:aws:states:us-east-1:000000000000:stateMachine:SyncStateMachine"
	DefaultRoleArn         = "arn:aws:iam::000000000000:role/SyncStateMachineApiRole"
	DefaultIssuer          = "polis-sfn"
	DefaultServiceName     = "polis-sfn"
	DefaultNATSSubject     = "sfn.start-sync-execution"
)

// Invoker transports.
const (
	TransportHTTP  = "http"
	TransportNATS  = "nats"
	TransportLocal = "local"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Routes    []RouteConfig   `yaml:"routes"`
	CORS      CORSConfig      `yaml:"cors"`
	Invoker   InvokerConfig   `yaml:"invoker"`
	Engine    EngineConfig    `yaml:"engine"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`

	// baseDir resolves relative template and definition files.
	baseDir string
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address string `yaml:"address"`
	// PublicURL is the externally visible base URL logged at startup.
	PublicURL string `yaml:"public_url"`
	Stage     string `yaml:"stage"`
}

// RouteConfig declares one bridged endpoint.
type RouteConfig struct {
	Name            string `yaml:"name"`
	Path            string `yaml:"path"`
	Method          string `yaml:"method"`
	StateMachineArn string `yaml:"state_machine_arn"`
	ActionType      string `yaml:"action_type"`
	// Passthrough admits content types outside content_types.
	Passthrough    bool              `yaml:"passthrough"`
	// RequireBody rejects absent or non-JSON bodies with 400.
	RequireBody    bool              `yaml:"require_body"`
	ContentTypes   []string          `yaml:"content_types"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes"`
	SuccessStatus  int               `yaml:"success_status"`
	FailureStatus  int               `yaml:"failure_status"`
	StageVariables map[string]string `yaml:"stage_variables"`
	Templates      TemplatesConfig   `yaml:"templates"`
}

// TemplatesConfig holds mapping templates inline or by file. Inline wins.
type TemplatesConfig struct {
	Request     string `yaml:"request"`
	RequestFile string `yaml:"request_file"`
	Success     string `yaml:"success"`
	SuccessFile string `yaml:"success_file"`
	Failure     string `yaml:"failure"`
	FailureFile string `yaml:"failure_file"`
}

// CORSConfig holds the CORS response headers.
type CORSConfig struct {
	AllowOrigin      string   `yaml:"allow_origin"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAgeSeconds    int      `yaml:"max_age_seconds"`
}

// InvokerConfig selects and configures the workflow transport.
type InvokerConfig struct {
	Transport string `yaml:"transport"`
	// Endpoint is the engine base URL for the http transport.
	Endpoint       string        `yaml:"endpoint"`
	RoleArn        string        `yaml:"role_arn"`
	SigningKey     string        `yaml:"signing_key"`
	SigningKeyFile string        `yaml:"signing_key_file"`
	Issuer         string        `yaml:"issuer"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	NATS           NATSConfig    `yaml:"nats"`
}

// NATSConfig configures the request/reply transport.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// EngineConfig configures the bundled engine used by the local transport and
// the engine command.
type EngineConfig struct {
	Address        string          `yaml:"address"`
	Machines       []MachineConfig `yaml:"machines"`
	Policy         PolicyConfig    `yaml:"policy"`
	MaxTransitions int             `yaml:"max_transitions"`
	// ServeNATS also answers invocations on Invoker.NATS.Subject.
	ServeNATS bool `yaml:"serve_nats"`
}

// MachineConfig declares one state machine.
type MachineConfig struct {
	Arn            string `yaml:"arn"`
	DefinitionFile string `yaml:"definition_file"`
	// Definition is an inline JSON or YAML definition.
	Definition           string `yaml:"definition"`
	LogLevel             string `yaml:"log_level"`
	IncludeExecutionData bool   `yaml:"include_execution_data"`
}

// PolicyConfig maps role names to statements. An empty policy grants the
// invoker role StartSyncExecution on every declared machine.
type PolicyConfig map[string][]StatementConfig

// StatementConfig grants or denies actions on resources.
type StatementConfig struct {
	Effect    string   `yaml:"effect"`
	Actions   []string `yaml:"actions"`
	Resources []string `yaml:"resources"`
}

// TimeoutsConfig bounds the invocation and the HTTP server.
type TimeoutsConfig struct {
	Invocation time.Duration `yaml:"invocation"`
	Read       time.Duration `yaml:"read"`
	Write      time.Duration `yaml:"write"`
	Idle       time.Duration `yaml:"idle"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers"`
	// Redaction maps span attribute names to drop, mask, hash or redact.
	Redaction map[string]string `yaml:"redaction"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration of the original deployment: POST
// /create bridged to one EXPRESS machine on the bundled engine.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address: DefaultAddress,
			Stage:   DefaultStage,
		},
		Invoker: InvokerConfig{
			Transport: TransportLocal,
			RoleArn:   DefaultRoleArn,
			Issuer:    DefaultIssuer,
			NATS:      NATSConfig{Subject: DefaultNATSSubject},
		},
		Engine: EngineConfig{
			Address: DefaultEngineAddress,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfg.baseDir = filepath.Dir(abs)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("SFN_GATEWAY_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("SFN_GATEWAY_PUBLIC_URL"); val != "" {
		cfg.Server.PublicURL = val
	}

	if val := os.Getenv("SFN_GATEWAY_TRANSPORT"); val != "" {
		cfg.Invoker.Transport = val
	}
	if val := os.Getenv("SFN_GATEWAY_ENDPOINT"); val != "" {
		cfg.Invoker.Endpoint = val
	}
	if val := os.Getenv("SFN_GATEWAY_ROLE_ARN"); val != "" {
		cfg.Invoker.RoleArn = val
	}
	if val := os.Getenv("SFN_GATEWAY_SIGNING_KEY"); val != "" {
		cfg.Invoker.SigningKey = val
	}
	if val := os.Getenv("SFN_GATEWAY_NATS_URL"); val != "" {
		cfg.Invoker.NATS.URL = val
	}

	// Applies to every route that names no machine of its own.
	if val := os.Getenv("SFN_GATEWAY_STATE_MACHINE_ARN"); val != "" {
		if len(cfg.Routes) == 0 {
			cfg.Routes = []RouteConfig{{}}
		}
		for i := range cfg.Routes {
			if cfg.Routes[i].StateMachineArn == "" {
				cfg.Routes[i].StateMachineArn = val
			}
		}
	}

	if val := os.Getenv("SFN_GATEWAY_INVOCATION_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("SFN_GATEWAY_INVOCATION_TIMEOUT: %w", err)
		}
		cfg.Timeouts.Invocation = d
	}

	if val := os.Getenv("SFN_GATEWAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("SFN_GATEWAY_OTLP_INSECURE"); val != "" {
		insecure, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("SFN_GATEWAY_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = insecure
	}

	if val := os.Getenv("SFN_GATEWAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}

	// The default route targets the first declared machine.
	if len(c.Routes) == 0 {
		c.Routes = []RouteConfig{{}}
	}
	seen := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.StateMachineArn == "" {
			r.StateMachineArn = c.Engine.Machines[0].Arn
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("route %d: %w", i, err)
		}
		if seen[r.Path] {
			return fmt.Errorf("route %d: duplicate path %q", i, r.Path)
		}
		seen[r.Path] = true
	}

	if err := c.Invoker.Validate(); err != nil {
		return fmt.Errorf("invoker configuration: %w", err)
	}

	if err := c.Timeouts.Validate(); err != nil {
		return fmt.Errorf("timeouts configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	// Set defaults if not provided
	if strings.TrimSpace(c.Address) == "" {
		c.Address = DefaultAddress
	}
	if strings.TrimSpace(c.Stage) == "" {
		c.Stage = DefaultStage
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public_url %q must be an absolute URL", c.PublicURL)
		}
	}
	return nil
}

// Validate performs validation of a route declaration
func (c *RouteConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "/create"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	if c.StateMachineArn == "" {
		return fmt.Errorf("state_machine_arn is required")
	}
	return nil
}

// Validate performs validation of invoker configuration
func (c *InvokerConfig) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = TransportLocal
	}
	if c.RoleArn == "" {
		c.RoleArn = DefaultRoleArn
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("token_ttl must not be negative")
	}

	switch c.Transport {
	case TransportLocal:
	case TransportHTTP:
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("http transport requires an absolute endpoint, got %q", c.Endpoint)
		}
	case TransportNATS:
		if strings.TrimSpace(c.NATS.URL) == "" {
			return fmt.Errorf("nats transport requires nats.url")
		}
	default:
		return fmt.Errorf("unknown transport %q, supported: %s, %s, %s", c.Transport, TransportHTTP, TransportNATS, TransportLocal)
	}
	return nil
}

// Validate performs validation of engine configuration
func (c *EngineConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = DefaultEngineAddress
	}
	if len(c.Machines) == 0 {
		c.Machines = []MachineConfig{{Arn: DefaultStateMachineArn, LogLevel: "ALL", IncludeExecutionData: true}}
	}
	for i, m := range c.Machines {
		if strings.TrimSpace(m.Arn) == "" {
			return fmt.Errorf("machine %d: arn is required", i)
		}
		if m.Definition != "" && m.DefinitionFile != "" {
			return fmt.Errorf("machine %s: definition and definition_file are mutually exclusive", m.Arn)
		}
	}
	for role, statements := range c.Policy {
		for i, st := range statements {
			if st.Effect != "Allow" && st.Effect != "Deny" {
				return fmt.Errorf("policy %s statement %d: effect must be Allow or Deny", role, i)
			}
		}
	}
	if c.MaxTransitions < 0 {
		return fmt.Errorf("max_transitions must not be negative")
	}
	return nil
}

// Validate performs validation of timeout configuration
func (c *TimeoutsConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"invocation": c.Invocation,
		"read":       c.Read,
		"write":      c.Write,
		"idle":       c.Idle,
	} {
		if d < 0 {
			return fmt.Errorf("%s timeout must not be negative", name)
		}
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = DefaultServiceName
	}
	for key, strategy := range c.Redaction {
		switch strings.ToLower(strategy) {
		case "", "drop", "mask", "hash", "redact", "replace":
		default:
			return fmt.Errorf("redaction %s: unknown strategy %q", key, strategy)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// EndpointURL is the URL of a route as clients reach it.
func (c *Config) EndpointURL(route RouteConfig) string {
	base := strings.TrimRight(c.Server.PublicURL, "/")
	if base == "" {
		host, port := splitAddress(c.Server.Address)
		base = "http://" + host + ":" + port
	}
	return base + route.Path
}

func splitAddress(addr string) (string, string) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return addr, "80"
	}
	host, port := addr[:i], addr[i+1:]
	if host == "" || host == "0.0.0.0" || host == "[::]" {
		host = "localhost"
	}
	return host, port
}

// resolve makes a file reference relative to the configuration file.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.baseDir == "" {
		return path
	}
	return filepath.Join(c.baseDir, path)
}
