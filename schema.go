package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/aws/aws-sdk-go-v2/service/appsync/types"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// SchemaSource is the subset of the AppSync client used to fetch the schema
// of the API under test.
type SchemaSource interface {
	GetIntrospectionSchema(ctx context.Context, params *appsync.GetIntrospectionSchemaInput, optFns ...func(*appsync.Options)) (*appsync.GetIntrospectionSchemaOutput, error)
}

// appsyncPrelude declares the AppSync scalars and directives that exported
// schemas use without declaring.
var appsyncPrelude = []struct {
	directive bool
	name      string
	decl      string
}{
	{false, "AWSDate", "scalar AWSDate"},
	{false, "AWSTime", "scalar AWSTime"},
	{false, "AWSDateTime", "scalar AWSDateTime"},
	{false, "AWSTimestamp", "scalar AWSTimestamp"},
	{false, "AWSEmail", "scalar AWSEmail"},
	{false, "AWSJSON", "scalar AWSJSON"},
	{false, "AWSURL", "scalar AWSURL"},
	{false, "AWSPhone", "scalar AWSPhone"},
	{false, "AWSIPAddress", "scalar AWSIPAddress"},
	{true, "aws_subscribe", "directive @aws_subscribe(mutations: [String]) on FIELD_DEFINITION"},
	{true, "aws_auth", "directive @aws_auth(cognito_groups: [String]) on FIELD_DEFINITION"},
	{true, "aws_api_key", "directive @aws_api_key on FIELD_DEFINITION | OBJECT"},
	{true, "aws_iam", "directive @aws_iam on FIELD_DEFINITION | OBJECT"},
	{true, "aws_oidc", "directive @aws_oidc on FIELD_DEFINITION | OBJECT"},
	{true, "aws_lambda", "directive @aws_lambda on FIELD_DEFINITION | OBJECT"},
	{true, "aws_cognito_user_pools", "directive @aws_cognito_user_pools(cognito_groups: [String]) on FIELD_DEFINITION | OBJECT"},
}

// ParseSchema parses an AppSync SDL schema. The AppSync scalars and
// directives are declared unless the schema already declares them.
func ParseSchema(name, sdl string) (*ast.Schema, error) {
	src := &ast.Source{Name: name, Input: sdl}
	doc, err := parser.ParseSchema(src)
	if err != nil {
		return nil, fmt.Errorf("error parsing schema %q: %w", name, err)
	}

	var prelude []string
	for _, p := range appsyncPrelude {
		declared := doc.Definitions.ForName(p.name) != nil
		if p.directive {
			declared = doc.Directives.ForName(p.name) != nil
		}
		if !declared {
			prelude = append(prelude, p.decl)
		}
	}

	schema, err := gqlparser.LoadSchema(
		&ast.Source{Name: "appsync-prelude", Input: strings.Join(prelude, "\n"), BuiltIn: true},
		src,
	)
	if err != nil {
		return nil, fmt.Errorf("error parsing schema %q: %w", name, err)
	}
	return schema, nil
}

// LoadSchema fetches the SDL schema of the API and parses it.
func LoadSchema(ctx context.Context, src SchemaSource, apiID string) (*ast.Schema, error) {
	res, err := src.GetIntrospectionSchema(ctx, &appsync.GetIntrospectionSchemaInput{
		ApiId:             aws.String(apiID),
		Format:            types.OutputTypeSdl,
		IncludeDirectives: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching schema of API %q: %w", apiID, err)
	}
	return ParseSchema(apiID, string(res.Schema))
}

// ValidateOperations validates the documents against the schema.
func ValidateOperations(schema *ast.Schema, operations ...Operation) error {
	var errs []error
	for _, op := range operations {
		_, gqlErrs := gqlparser.LoadQuery(schema, op.Document)
		if len(gqlErrs) > 0 {
			errs = append(errs, fmt.Errorf("operation %q: %w", op.Name, gqlErrs))
		}
	}
	return errors.Join(errs...)
}
