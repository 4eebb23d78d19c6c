package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/polisai/polis-sfn/internal/governance"
	"github.com/polisai/polis-sfn/pkg/gateway"
	"github.com/polisai/polis-sfn/pkg/logging"
	"github.com/polisai/polis-sfn/pkg/telemetry"
	"github.com/polisai/polis-sfn/pkg/workflow/local"
)

// RouteSpecs converts the route declarations, reading template files.
func (c *Config) RouteSpecs() ([]gateway.RouteSpec, error) {
	specs := make([]gateway.RouteSpec, 0, len(c.Routes))
	for _, r := range c.Routes {
		request, err := c.templateSource(r.Templates.Request, r.Templates.RequestFile)
		if err != nil {
			return nil, fmt.Errorf("route %s: request template: %w", r.Path, err)
		}
		success, err := c.templateSource(r.Templates.Success, r.Templates.SuccessFile)
		if err != nil {
			return nil, fmt.Errorf("route %s: success template: %w", r.Path, err)
		}
		failure, err := c.templateSource(r.Templates.Failure, r.Templates.FailureFile)
		if err != nil {
			return nil, fmt.Errorf("route %s: failure template: %w", r.Path, err)
		}

		specs = append(specs, gateway.RouteSpec{
			Name:            r.Name,
			Path:            r.Path,
			Method:          r.Method,
			StateMachineArn: r.StateMachineArn,
			ActionType:      r.ActionType,
			Passthrough:     r.Passthrough,
			RequireBody:     r.RequireBody,
			ContentTypes:    r.ContentTypes,
			MaxBodyBytes:    r.MaxBodyBytes,
			SuccessStatus:   r.SuccessStatus,
			FailureStatus:   r.FailureStatus,
			StageVariables:  r.StageVariables,
			RequestTemplate: request,
			SuccessTemplate: success,
			FailureTemplate: failure,
		})
	}
	return specs, nil
}

// Snapshot compiles the routes into a gateway route table.
func (c *Config) Snapshot(generation uint64) (*gateway.Snapshot, error) {
	specs, err := c.RouteSpecs()
	if err != nil {
		return nil, err
	}
	routes := make([]*gateway.Route, 0, len(specs))
	for _, spec := range specs {
		route, err := gateway.NewRoute(spec)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return gateway.NewSnapshot(generation, c.CORSConfig(), routes...)
}

// CORSConfig fills unset CORS fields with the gateway defaults.
func (c *Config) CORSConfig() gateway.CORSConfig {
	cors := gateway.DefaultCORS()
	if c.CORS.AllowOrigin != "" {
		cors.AllowOrigin = c.CORS.AllowOrigin
	}
	if len(c.CORS.AllowMethods) > 0 {
		cors.AllowMethods = c.CORS.AllowMethods
	}
	if len(c.CORS.AllowHeaders) > 0 {
		cors.AllowHeaders = c.CORS.AllowHeaders
	}
	cors.AllowCredentials = c.CORS.AllowCredentials
	cors.MaxAgeSeconds = c.CORS.MaxAgeSeconds
	return cors
}

// Machines loads the engine's state machine definitions.
func (c *Config) Machines() ([]local.Machine, error) {
	machines := make([]local.Machine, 0, len(c.Engine.Machines))
	for _, m := range c.Engine.Machines {
		machine := local.Machine{Arn: m.Arn}

		switch {
		case m.DefinitionFile != "":
			def, err := local.LoadDefinition(c.resolve(m.DefinitionFile))
			if err != nil {
				return nil, fmt.Errorf("machine %s: %w", m.Arn, err)
			}
			machine.Definition = def
		case strings.TrimSpace(m.Definition) != "":
			def, err := local.ParseDefinition([]byte(m.Definition))
			if err != nil {
				return nil, fmt.Errorf("machine %s: %w", m.Arn, err)
			}
			machine.Definition = def
		}

		if m.LogLevel != "" {
			level, err := local.ParseLogLevel(m.LogLevel)
			if err != nil {
				return nil, fmt.Errorf("machine %s: %w", m.Arn, err)
			}
			machine.Logging.Level = level
		}
		machine.Logging.IncludeExecutionData = m.IncludeExecutionData

		machines = append(machines, machine)
	}
	return machines, nil
}

// Policy returns the engine's authorization policy. Without one, the
// invoker role may start synchronous executions of the declared machines.
func (c *Config) Policy() local.Policy {
	if len(c.Engine.Policy) == 0 {
		arns := make([]string, 0, len(c.Engine.Machines))
		for _, m := range c.Engine.Machines {
			arns = append(arns, m.Arn)
		}
		return local.DefaultPolicy(c.Invoker.RoleArn, arns...)
	}

	policy := make(local.Policy, len(c.Engine.Policy))
	for role, statements := range c.Engine.Policy {
		out := make([]local.Statement, 0, len(statements))
		for _, st := range statements {
			out = append(out, local.Statement{
				Effect:    local.Effect(st.Effect),
				Actions:   st.Actions,
				Resources: st.Resources,
			})
		}
		policy[role] = out
	}
	return policy
}

// SigningKey returns the credential signing key, inline or from a file.
func (c *Config) SigningKey() ([]byte, error) {
	if c.Invoker.SigningKey != "" {
		return []byte(c.Invoker.SigningKey), nil
	}
	if c.Invoker.SigningKeyFile == "" {
		return nil, nil
	}
	//nolint:gosec // Key file path is controlled by admin/operator
	data, err := os.ReadFile(c.resolve(c.Invoker.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}

// TimeoutConfig converts the timeouts section.
func (c *Config) TimeoutConfig() governance.TimeoutConfig {
	return governance.TimeoutConfig{
		InvocationTimeout: c.Timeouts.Invocation,
		ReadTimeout:       c.Timeouts.Read,
		WriteTimeout:      c.Timeouts.Write,
		IdleTimeout:       c.Timeouts.Idle,
	}
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName:  c.Telemetry.ServiceName,
		Endpoint:     c.Telemetry.OTLPEndpoint,
		Environment:  c.Telemetry.Environment,
		Insecure:     c.Telemetry.Insecure,
		Headers:      c.Telemetry.Headers,
		ResourceTags: map[string]string{"gateway.stage": c.Server.Stage},
		Redaction:    telemetry.RedactionPolicy(c.Telemetry.Redaction),
	}
}

// LoggingConfig converts the logging section.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Pretty: c.Logging.Pretty}
}

func (c *Config) templateSource(inline, file string) (string, error) {
	if strings.TrimSpace(inline) != "" || file == "" {
		return inline, nil
	}
	//nolint:gosec // Template path is controlled by admin/operator
	data, err := os.ReadFile(c.resolve(file))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
