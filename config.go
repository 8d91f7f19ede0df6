package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"
)

var Version = "dev"

// OutputKeys names the stack outputs holding each resource identifier.
type OutputKeys struct {
	APIURL           string `json:"api-url"`
	APIID            string `json:"api-id"`
	UserPoolID       string `json:"user-pool-id"`
	UserPoolClientID string `json:"user-pool-client-id"`
}

// TableConfig identifies a table to clear before the run. The table name is
// read from the stack output named Output unless Name is set. KeyAttributes
// are looked up with DescribeTable when empty.
type TableConfig struct {
	Output        string   `json:"output"`
	Name          string   `json:"name"`
	KeyAttributes []string `json:"key-attributes"`
}

// IdentitiesConfig contains the usernames of the two ephemeral identities.
type IdentitiesConfig struct {
	StandardUsername   string `json:"standard-username"`
	PrivilegedUsername string `json:"privileged-username"`
	AdminGroup         string `json:"admin-group"`
	EmailDomain        string `json:"email-domain"`
}

// Config contains the harness configuration
type Config struct {
	StackName           string           `json:"stack-name"`
	AuthStackName       string           `json:"auth-stack-name"`
	Region              string           `json:"region"`
	AWSEndpoint         string           `json:"aws-endpoint"`
	OutputKeys          OutputKeys       `json:"output-keys"`
	Tables              []TableConfig    `json:"tables"`
	Identities          IdentitiesConfig `json:"identities"`
	PasswordPolicy      PasswordPolicy   `json:"password-policy"`
	TemplatesDir        string           `json:"templates-dir"`
	FixturesDir         string           `json:"fixtures-dir"`
	HTTPTimeout         string           `json:"http-timeout"`
	HTTPTimeoutDuration time.Duration    `json:"-"`
	MaxResponseSize     int64            `json:"max-response-size"`
	ValidateSchema      bool             `json:"validate-schema"`
	VerifyTokens        bool             `json:"verify-tokens"`
	LogLevel            log.Level        `json:"loglevel"`
	Telemetry           TelemetryConfig  `json:"telemetry"`
	Metrics             MetricsConfig    `json:"metrics"`

	configFiles []string
}

// envOverrides are applied on top of the config files.
type envOverrides struct {
	StackName      string `env:"HARNESS_STACK_NAME"`
	AuthStackName  string `env:"HARNESS_AUTH_STACK_NAME"`
	Region         string `env:"HARNESS_REGION"`
	AWSEndpoint    string `env:"HARNESS_AWS_ENDPOINT"`
	LogLevel       string `env:"HARNESS_LOG_LEVEL"`
	OTelEndpoint   string `env:"HARNESS_OTEL_ENDPOINT"`
	PushgatewayURL string `env:"HARNESS_PUSHGATEWAY_URL"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		StackName:     "serverless-graphql-api",
		AuthStackName: "serverless-graphql-api-auth",
		OutputKeys: OutputKeys{
			APIURL:           "APIEndpoint",
			APIID:            "APIId",
			UserPoolID:       "UserPoolId",
			UserPoolClientID: "UserPoolClientId",
		},
		Tables: []TableConfig{
			{Output: "LocationsTable"},
			{Output: "ResourcesTable"},
			{Output: "BookingsTable"},
		},
		Identities: IdentitiesConfig{
			StandardUsername:   "harness-user",
			PrivilegedUsername: "harness-admin",
			AdminGroup:         "apiAdmins",
			EmailDomain:        "example.com",
		},
		PasswordPolicy: PasswordPolicy{
			ExcludeCharacters:       `/@"'\`,
			RequireEachIncludedType: true,
		},
		TemplatesDir:    "mapping_templates",
		FixturesDir:     "testdata/contexts",
		HTTPTimeout:     "10s",
		MaxResponseSize: 1024 * 1024,
		LogLevel:        log.InfoLevel,
	}
}

// Load loads all the config files, then applies the environment overrides.
func (c *Config) Load() error {
	for _, configFile := range c.configFiles {
		if err := c.loadFile(configFile); err != nil {
			return err
		}
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	c.applyOverrides(overrides)

	log.SetLevel(c.LogLevel)

	var err error
	c.HTTPTimeoutDuration, err = time.ParseDuration(c.HTTPTimeout)
	if err != nil {
		return fmt.Errorf("invalid http timeout: %w", err)
	}

	return c.Validate()
}

func (c *Config) loadFile(configFile string) error {
	f, err := os.Open(configFile)
	if err != nil {
		return err
	}
	defer f.Close()

	// tables are replaced as a whole, decoding must not reuse the elements
	tables := c.Tables
	c.Tables = nil
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("error decoding config file %q: %w", configFile, err)
	}
	if c.Tables == nil {
		c.Tables = tables
	}
	return nil
}

func (c *Config) applyOverrides(o envOverrides) {
	if o.StackName != "" {
		c.StackName = o.StackName
	}
	if o.AuthStackName != "" {
		c.AuthStackName = o.AuthStackName
	}
	if o.Region != "" {
		c.Region = o.Region
	}
	if o.AWSEndpoint != "" {
		c.AWSEndpoint = o.AWSEndpoint
	}
	if o.OTelEndpoint != "" {
		c.Telemetry.Endpoint = o.OTelEndpoint
	}
	if o.PushgatewayURL != "" {
		c.Metrics.PushgatewayURL = o.PushgatewayURL
	}
	if level, err := log.ParseLevel(o.LogLevel); err == nil {
		c.LogLevel = level
	} else if o.LogLevel != "" {
		log.WithField("loglevel", o.LogLevel).Warn("invalid loglevel")
	}
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StackName) == "" {
		errs = append(errs, errors.New("stack-name is required"))
	}
	if strings.TrimSpace(c.AuthStackName) == "" {
		errs = append(errs, errors.New("auth-stack-name is required"))
	}
	if len(c.Tables) == 0 {
		errs = append(errs, errors.New("at least one table is required"))
	}
	for i, t := range c.Tables {
		if t.Output == "" && t.Name == "" {
			errs = append(errs, fmt.Errorf("table %d: output or name is required", i))
		}
	}
	if c.Identities.StandardUsername == "" || c.Identities.PrivilegedUsername == "" {
		errs = append(errs, errors.New("both identity usernames are required"))
	}
	if c.Identities.StandardUsername == c.Identities.PrivilegedUsername {
		errs = append(errs, errors.New("identity usernames must differ"))
	}
	return errors.Join(errs...)
}

// StackNames returns the stacks to resolve, in merge order.
func (c *Config) StackNames() []string {
	return []string{c.StackName, c.AuthStackName}
}

// GetConfig returns the harness configuration built from the defaults, the
// given files and the environment.
func GetConfig(configFiles []string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configFiles = configFiles
	err := cfg.Load()
	return &cfg, err
}

type arrayFlags []string

func (a *arrayFlags) String() string {
	return strings.Join(*a, ",")
}

func (a *arrayFlags) Set(value string) error {
	*a = append(*a, value)
	return nil
}

func (a *arrayFlags) Type() string {
	return "stringArray"
}
