package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2/ast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Setup step names, as reported by StepError.
const (
	StepResolveOutputs      = "resolve-outputs"
	StepLoadSchema          = "load-schema"
	StepClearTables         = "clear-tables"
	StepProvisionStandard   = "provision-standard"
	StepProvisionPrivileged = "provision-privileged"
)

// Clients are the managed services the orchestrator talks to.
type Clients struct {
	Stacks     StackDescriber
	Identities IdentityProvider
	Passwords  RandomPasswordAPI
	Tables     TableAPI
	Templates  TemplateEvaluator
	Schemas    SchemaSource
	// SigningKeys overrides the JWKS endpoint of the user pool when token
	// verification is enabled.
	SigningKeys SigningKeyProvider
}

// Suite is the result of a successful setup. It is shared read-only by
// every test of the run.
type Suite struct {
	RunID      string
	Env        Environment
	Standard   Identity
	Privileged Identity
	// Schema is nil unless schema validation is enabled.
	Schema *ast.Schema
}

// StepError names the setup step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("setup step %q failed: %s", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Orchestrator prepares the deployment for a test run.
type Orchestrator struct {
	cfg        *Config
	clients    Clients
	tracer     trace.Tracer
	httpClient *http.Client
}

// NewOrchestrator returns an orchestrator using the given clients.
func NewOrchestrator(cfg *Config, clients Clients) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		clients:    clients,
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeoutDuration},
	}
}

// step runs fn inside a span and a log event. Errors are wrapped in a
// StepError.
func (o *Orchestrator) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "Setup "+name, trace.WithAttributes(attribute.String("harness.step", name)))
	defer span.End()

	ctx, ev := startEvent(ctx, name)
	start := time.Now()
	err := fn(ctx)
	promStepDurations.WithLabelValues(name).Observe(time.Since(start).Seconds())
	ev.finish(err)

	if err != nil {
		promStepErrorCounter.WithLabelValues(name).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StepError{Step: name, Err: err}
	}
	return nil
}

// Setup resolves the deployment, clears the tables and provisions both
// identities. The first failing step aborts the setup.
func (o *Orchestrator) Setup(ctx context.Context) (*Suite, error) {
	suite := &Suite{
		RunID: uuid.Must(uuid.NewV4()).String(),
	}
	ctx = WithRunID(ctx, suite.RunID)
	log.WithField("run", suite.RunID).Info("starting setup")

	err := o.step(ctx, StepResolveOutputs, func(ctx context.Context) error {
		env, err := o.resolve(ctx)
		suite.Env = env
		return err
	})
	if err != nil {
		return nil, err
	}

	if o.cfg.ValidateSchema {
		err = o.step(ctx, StepLoadSchema, func(ctx context.Context) error {
			schema, err := LoadSchema(ctx, o.clients.Schemas, suite.Env.APIID)
			if err != nil {
				return err
			}
			suite.Schema = schema
			return ValidateOperations(schema, Operations()...)
		})
		if err != nil {
			return nil, err
		}
	}

	err = o.step(ctx, StepClearTables, func(ctx context.Context) error {
		_, err := o.tableClearer().ClearTables(ctx, suite.Env.Tables)
		return err
	})
	if err != nil {
		return nil, err
	}

	provisioner := o.Provisioner(suite.Env)
	err = o.step(ctx, StepProvisionStandard, func(ctx context.Context) error {
		identity, err := provisioner.Provision(ctx, IdentitySpec{
			Username: o.cfg.Identities.StandardUsername,
			Role:     RoleStandard,
		})
		if err != nil {
			return err
		}
		suite.Standard = *identity
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.step(ctx, StepProvisionPrivileged, func(ctx context.Context) error {
		identity, err := provisioner.Provision(ctx, IdentitySpec{
			Username:   o.cfg.Identities.PrivilegedUsername,
			Role:       RolePrivileged,
			AdminGroup: o.cfg.Identities.AdminGroup,
		})
		if err != nil {
			return err
		}
		suite.Privileged = *identity
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"run":        suite.RunID,
		"api":        suite.Env.APIURL,
		"standard":   suite.Standard.String(),
		"privileged": suite.Privileged.String(),
	}).Info("setup complete")
	return suite, nil
}

// Environment resolves the stack outputs only.
func (o *Orchestrator) Environment(ctx context.Context) (Environment, error) {
	var env Environment
	err := o.step(ctx, StepResolveOutputs, func(ctx context.Context) error {
		var err error
		env, err = o.resolve(ctx)
		return err
	})
	return env, err
}

// ClearTables drains every table of the environment.
func (o *Orchestrator) ClearTables(ctx context.Context, env Environment) (map[string]int, error) {
	var deleted map[string]int
	err := o.step(ctx, StepClearTables, func(ctx context.Context) error {
		var err error
		deleted, err = o.tableClearer().ClearTables(ctx, env.Tables)
		return err
	})
	return deleted, err
}

// Teardown deletes both identities. Runs do not call it, the next setup
// recreates them.
func (o *Orchestrator) Teardown(ctx context.Context, env Environment) error {
	p := o.Provisioner(env)
	var errs []error
	for _, username := range []string{o.cfg.Identities.StandardUsername, o.cfg.Identities.PrivilegedUsername} {
		deleted, err := p.EnsureAbsent(ctx, username)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log.WithFields(log.Fields{"username": username, "deleted": deleted}).Info("identity removed")
	}
	return errors.Join(errs...)
}

// TemplateRunner returns a runner for the configured templates and fixtures.
func (o *Orchestrator) TemplateRunner() *TemplateRunner {
	return &TemplateRunner{
		API:          o.clients.Templates,
		TemplatesDir: o.cfg.TemplatesDir,
		FixturesDir:  o.cfg.FixturesDir,
	}
}

// Provisioner returns the identity provisioner of the environment.
func (o *Orchestrator) Provisioner(env Environment) *Provisioner {
	p := &Provisioner{
		API:         o.clients.Identities,
		Passwords:   &SecretsManagerPasswords{API: o.clients.Passwords},
		Policy:      o.cfg.PasswordPolicy,
		UserPoolID:  env.UserPoolID,
		ClientID:    env.UserPoolClientID,
		EmailDomain: o.cfg.Identities.EmailDomain,
	}
	if o.cfg.VerifyTokens {
		p.Verifier = NewCognitoTokenVerifier(env.Region, env.UserPoolID, env.UserPoolClientID, o.httpClient)
		if o.clients.SigningKeys != nil {
			p.Verifier.Keys = o.clients.SigningKeys
		}
	}
	return p
}

func (o *Orchestrator) resolve(ctx context.Context) (Environment, error) {
	outputs, err := ResolveOutputs(ctx, o.clients.Stacks, o.cfg.StackNames()...)
	if err != nil {
		return Environment{}, err
	}
	return NewEnvironment(outputs, o.cfg)
}

func (o *Orchestrator) tableClearer() *TableClearer {
	return &TableClearer{API: o.clients.Tables}
}
