package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrStackNotFound is returned when a stack does not exist.
	ErrStackNotFound = errors.New("stack not found")
	// ErrOutputNotFound is returned when a required output is missing.
	ErrOutputNotFound = errors.New("output not found")
)

// StackDescriber is the subset of the CloudFormation client used to read
// stack outputs.
type StackDescriber interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// StackOutput represents a CloudFormation stack output
type StackOutput struct {
	Key   string
	Value string
}

// StackOutputs are the outputs of a single stack, in the order CloudFormation
// returned them.
type StackOutputs struct {
	StackName string
	Outputs   []StackOutput
}

// Collision records an output key emitted by more than one stack. The value
// of the later stack wins.
type Collision struct {
	Key           string
	Stack         string
	Value         string
	PreviousStack string
	PreviousValue string
}

// Outputs is the merged, read-only map of stack outputs.
type Outputs struct {
	values     map[string]string
	sources    map[string]string
	collisions []Collision
}

// NewOutputs merges the outputs of the given stacks in order. When two
// stacks emit the same key the last one wins and the collision is recorded.
func NewOutputs(stacks ...StackOutputs) Outputs {
	o := Outputs{
		values:  make(map[string]string),
		sources: make(map[string]string),
	}
	for _, stack := range stacks {
		for _, out := range stack.Outputs {
			if prev, ok := o.values[out.Key]; ok {
				o.collisions = append(o.collisions, Collision{
					Key:           out.Key,
					Stack:         stack.StackName,
					Value:         out.Value,
					PreviousStack: o.sources[out.Key],
					PreviousValue: prev,
				})
			}
			o.values[out.Key] = out.Value
			o.sources[out.Key] = stack.StackName
		}
	}
	return o
}

// Get returns the value of the output named key.
func (o Outputs) Get(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Lookup returns the value of the output named key or ErrOutputNotFound.
func (o Outputs) Lookup(key string) (string, error) {
	v, ok := o.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrOutputNotFound, key)
	}
	return v, nil
}

// Source returns the stack the output named key was read from.
func (o Outputs) Source(key string) string {
	return o.sources[key]
}

// Keys returns the sorted output keys.
func (o Outputs) Keys() []string {
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of outputs.
func (o Outputs) Len() int {
	return len(o.values)
}

// Collisions returns the keys overwritten while merging.
func (o Outputs) Collisions() []Collision {
	return append([]Collision(nil), o.collisions...)
}

// MarshalJSON marshals the outputs as a flat key/value object.
func (o Outputs) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.values)
}

// DescribeStackOutputs returns the outputs of the named stack.
func DescribeStackOutputs(ctx context.Context, api StackDescriber, stackName string) (StackOutputs, error) {
	res, err := api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist") {
			return StackOutputs{}, fmt.Errorf("%w: %q", ErrStackNotFound, stackName)
		}
		return StackOutputs{}, fmt.Errorf("error describing stack %q: %w", stackName, err)
	}
	if len(res.Stacks) == 0 {
		return StackOutputs{}, fmt.Errorf("%w: %q", ErrStackNotFound, stackName)
	}

	result := StackOutputs{StackName: stackName}
	for _, stack := range res.Stacks {
		for _, out := range stack.Outputs {
			result.Outputs = append(result.Outputs, StackOutput{
				Key:   aws.ToString(out.OutputKey),
				Value: aws.ToString(out.OutputValue),
			})
		}
	}
	return result, nil
}

// ResolveOutputs describes the given stacks and merges their outputs in the
// order the stacks were given.
func ResolveOutputs(ctx context.Context, api StackDescriber, stackNames ...string) (Outputs, error) {
	results := make([]StackOutputs, len(stackNames))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range stackNames {
		i, name := i, name
		g.Go(func() error {
			out, err := DescribeStackOutputs(gctx, api, name)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outputs{}, err
	}

	outputs := NewOutputs(results...)
	for _, c := range outputs.Collisions() {
		log.WithFields(log.Fields{
			"key":            c.Key,
			"stack":          c.Stack,
			"previous_stack": c.PreviousStack,
		}).Warn("stack output overwritten by a later stack")
	}
	AddFields(ctx, EventFields{
		"stacks":  stackNames,
		"outputs": outputs.Len(),
	})
	return outputs, nil
}
