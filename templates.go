package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
)

// TemplateEvaluator is the subset of the AppSync client used to evaluate
// resolver mapping templates.
type TemplateEvaluator interface {
	EvaluateMappingTemplate(ctx context.Context, params *appsync.EvaluateMappingTemplateInput, optFns ...func(*appsync.Options)) (*appsync.EvaluateMappingTemplateOutput, error)
}

// FixtureContext pairs resolver arguments with the expected result. The raw
// document is sent as the evaluation context.
type FixtureContext struct {
	Arguments map[string]interface{} `json:"arguments"`
	Result    map[string]interface{} `json:"result"`

	raw []byte
}

// LoadFixtureContext reads a fixture context from a JSON file.
func LoadFixtureContext(path string) (*FixtureContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading fixture: %w", err)
	}
	return ParseFixtureContext(data)
}

// ParseFixtureContext decodes a fixture context.
func ParseFixtureContext(data []byte) (*FixtureContext, error) {
	var f FixtureContext
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error decoding fixture: %w", err)
	}
	if f.Arguments == nil {
		return nil, errors.New("fixture has no arguments")
	}
	f.raw = append([]byte(nil), data...)
	return &f, nil
}

// JSON returns the fixture as sent to the evaluation API.
func (f *FixtureContext) JSON() string {
	return string(f.raw)
}

// TemplateCase evaluates the request and response templates of one resolver
// against a fixture context.
type TemplateCase struct {
	Name             string
	Fixture          string
	RequestTemplate  string
	ResponseTemplate string
	// KeyField is the key attribute the request template must set from the
	// argument of the same name.
	KeyField  string
	Operation string
}

// DefaultTemplateCases returns the cases for the mapping templates of the
// API.
func DefaultTemplateCases() []TemplateCase {
	return []TemplateCase{
		{
			Name:             "create_location",
			Fixture:          "location.json",
			RequestTemplate:  "create_location_request.vtl",
			ResponseTemplate: "create_location_response.vtl",
			KeyField:         "locationid",
			Operation:        "PutItem",
		},
		{
			Name:             "create_resource",
			Fixture:          "resource.json",
			RequestTemplate:  "create_resource_request.vtl",
			ResponseTemplate: "create_resource_response.vtl",
			KeyField:         "resourceid",
			Operation:        "PutItem",
		},
	}
}

// EvaluationError is returned when the evaluation API reports an error in
// the template.
type EvaluationError struct {
	Template string
	Message  string
	Logs     []string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("error evaluating template %q: %s", e.Template, e.Message)
}

// TemplateRunner evaluates template cases read from disk.
type TemplateRunner struct {
	API          TemplateEvaluator
	TemplatesDir string
	FixturesDir  string
}

// Evaluate evaluates the named template with the fixture and decodes the
// result.
func (r *TemplateRunner) Evaluate(ctx context.Context, template string, fixture *FixtureContext) (map[string]interface{}, error) {
	body, err := os.ReadFile(filepath.Join(r.TemplatesDir, template))
	if err != nil {
		return nil, fmt.Errorf("error reading template: %w", err)
	}

	res, err := r.API.EvaluateMappingTemplate(ctx, &appsync.EvaluateMappingTemplateInput{
		Template: aws.String(string(body)),
		Context:  aws.String(fixture.JSON()),
	})
	if err != nil {
		return nil, fmt.Errorf("error evaluating template %q: %w", template, err)
	}
	if res.Error != nil {
		return nil, &EvaluationError{Template: template, Message: aws.ToString(res.Error.Message), Logs: res.Logs}
	}
	if res.EvaluationResult == nil {
		return nil, fmt.Errorf("template %q evaluated to nothing", template)
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(*res.EvaluationResult), &out); err != nil {
		return nil, fmt.Errorf("template %q did not evaluate to a JSON object: %w", template, err)
	}
	return out, nil
}

// Run evaluates both templates of the case and compares them with the
// fixture.
func (r *TemplateRunner) Run(ctx context.Context, c TemplateCase) error {
	fixture, err := LoadFixtureContext(filepath.Join(r.FixturesDir, c.Fixture))
	if err != nil {
		return err
	}

	request, err := r.Evaluate(ctx, c.RequestTemplate, fixture)
	if err != nil {
		return err
	}
	if err := CheckRequestMapping(request, fixture, c); err != nil {
		return err
	}

	response, err := r.Evaluate(ctx, c.ResponseTemplate, fixture)
	if err != nil {
		return err
	}
	return CompareResult(fixture.Result, response)
}

// RunCases runs every case sequentially and returns all the results.
func (r *TemplateRunner) RunCases(ctx context.Context, cases []TemplateCase) []CheckResult {
	results := make([]CheckResult, 0, len(cases))
	for _, c := range cases {
		start := time.Now()
		err := r.Run(ctx, c)
		results = append(results, CheckResult{Name: c.Name, Err: err, Duration: time.Since(start)})

		promCheckCounter.WithLabelValues("template:"+c.Name, checkResult(err)).Inc()
		entry := log.WithField("template_case", c.Name)
		if err != nil {
			entry.WithError(err).Error("template case failed")
		} else {
			entry.Info("template case passed")
		}
	}
	return results
}

// CheckRequestMapping verifies the evaluated request template: the
// operation matches and key.<KeyField>.S equals the argument of the same
// name.
func CheckRequestMapping(evaluated map[string]interface{}, fixture *FixtureContext, c TemplateCase) error {
	if op, _ := evaluated["operation"].(string); op != c.Operation {
		return fmt.Errorf("expected operation %q, got %q", c.Operation, op)
	}
	if c.KeyField == "" {
		return nil
	}

	want, ok := fixture.Arguments[c.KeyField]
	if !ok {
		return fmt.Errorf("fixture has no argument %q", c.KeyField)
	}
	key, _ := evaluated["key"].(map[string]interface{})
	attr, _ := key[c.KeyField].(map[string]interface{})
	got, ok := attr["S"]
	if !ok {
		return fmt.Errorf("key.%s.S is missing", c.KeyField)
	}
	if !cmp.Equal(want, got) {
		return fmt.Errorf("key.%s.S: %s", c.KeyField, cmp.Diff(want, got))
	}
	return nil
}

// CompareResult verifies that every key of the expected result has the same
// value in the evaluated output.
func CompareResult(expected, evaluated map[string]interface{}) error {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		got, ok := evaluated[k]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: missing", k))
			continue
		}
		if diff := cmp.Diff(expected[k], got); diff != "" {
			mismatches = append(mismatches, fmt.Sprintf("%s: (-want +got)\n%s", k, diff))
		}
	}
	if len(mismatches) > 0 {
		return fmt.Errorf("result mismatch:\n%s", strings.Join(mismatches, "\n"))
	}
	return nil
}
