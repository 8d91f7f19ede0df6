package harness

import (
	"errors"
	"fmt"
)

// Table is a resolved table to clear before a run.
type Table struct {
	Name          string
	KeyAttributes []string
}

// Environment is the resolved deployment under test. It is built once during
// setup and only read afterwards.
type Environment struct {
	APIURL           string
	APIID            string
	UserPoolID       string
	UserPoolClientID string
	Region           string
	Tables           []Table
	Outputs          Outputs
}

// NewEnvironment resolves the endpoints and identifiers named by the config
// from the merged stack outputs.
func NewEnvironment(outputs Outputs, cfg *Config) (Environment, error) {
	e := Environment{
		Region:  cfg.Region,
		Outputs: outputs,
	}

	var errs []error
	lookup := func(dst *string, key string) {
		v, err := outputs.Lookup(key)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	lookup(&e.APIURL, cfg.OutputKeys.APIURL)
	lookup(&e.UserPoolID, cfg.OutputKeys.UserPoolID)
	lookup(&e.UserPoolClientID, cfg.OutputKeys.UserPoolClientID)
	// the API id is only needed for schema validation
	if cfg.OutputKeys.APIID != "" {
		e.APIID, _ = outputs.Get(cfg.OutputKeys.APIID)
	}
	if cfg.ValidateSchema && e.APIID == "" {
		errs = append(errs, fmt.Errorf("%w: %q", ErrOutputNotFound, cfg.OutputKeys.APIID))
	}

	for _, t := range cfg.Tables {
		name := t.Name
		if name == "" {
			lookup(&name, t.Output)
		}
		if name == "" {
			continue
		}
		e.Tables = append(e.Tables, Table{
			Name:          name,
			KeyAttributes: append([]string(nil), t.KeyAttributes...),
		})
	}

	if err := errors.Join(errs...); err != nil {
		return Environment{}, fmt.Errorf("incomplete environment: %w", err)
	}
	return e, nil
}

// TableNames returns the names of the tables cleared before a run.
func (e Environment) TableNames() []string {
	names := make([]string, 0, len(e.Tables))
	for _, t := range e.Tables {
		names = append(names, t.Name)
	}
	return names
}
