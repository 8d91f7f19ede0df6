package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	appsynctypes "github.com/aws/aws-sdk-go-v2/service/appsync/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/gofrs/uuid"
)

// fakeStacks serves DescribeStacks from a fixed set of stacks.
type fakeStacks struct {
	stacks map[string]map[string]string
	err    error

	mu    sync.Mutex
	calls []string
}

func (f *fakeStacks) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	name := aws.ToString(params.StackName)
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	outputs, ok := f.stacks[name]
	if !ok {
		return nil, &smithy.GenericAPIError{
			Code:    "ValidationError",
			Message: fmt.Sprintf("Stack with id %s does not exist", name),
		}
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	stack := cftypes.Stack{StackName: aws.String(name)}
	for _, k := range keys {
		stack.Outputs = append(stack.Outputs, cftypes.Output{
			OutputKey:   aws.String(k),
			OutputValue: aws.String(outputs[k]),
		})
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{stack}}, nil
}

// fakeUser is a user of fakeCognito.
type fakeUser struct {
	password  string
	sub       string
	confirmed bool
	groups    []string
}

// fakeCognito is an in-memory user pool. Tokens are minted by issue.
type fakeCognito struct {
	issue     func(sub, username string, groups []string) string
	deleteErr error
	signUpErr error

	mu      sync.Mutex
	users   map[string]*fakeUser
	deletes int
}

func newFakeCognito(issue func(sub, username string, groups []string) string) *fakeCognito {
	return &fakeCognito{issue: issue, users: make(map[string]*fakeUser)}
}

func (f *fakeCognito) AdminDeleteUser(ctx context.Context, params *cip.AdminDeleteUserInput, optFns ...func(*cip.Options)) (*cip.AdminDeleteUserOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	username := aws.ToString(params.Username)
	if _, ok := f.users[username]; !ok {
		return nil, &ciptypes.UserNotFoundException{Message: aws.String("User does not exist.")}
	}
	delete(f.users, username)
	f.deletes++
	return &cip.AdminDeleteUserOutput{}, nil
}

func (f *fakeCognito) SignUp(ctx context.Context, params *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signUpErr != nil {
		return nil, f.signUpErr
	}
	username := aws.ToString(params.Username)
	if _, ok := f.users[username]; ok {
		return nil, &ciptypes.UsernameExistsException{Message: aws.String("User already exists")}
	}
	u := &fakeUser{
		password: aws.ToString(params.Password),
		sub:      uuid.Must(uuid.NewV4()).String(),
	}
	f.users[username] = u
	return &cip.SignUpOutput{UserSub: aws.String(u.sub), UserConfirmed: false}, nil
}

func (f *fakeCognito) AdminConfirmSignUp(ctx context.Context, params *cip.AdminConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.AdminConfirmSignUpOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[aws.ToString(params.Username)]
	if !ok {
		return nil, &ciptypes.UserNotFoundException{Message: aws.String("User does not exist.")}
	}
	u.confirmed = true
	return &cip.AdminConfirmSignUpOutput{}, nil
}

func (f *fakeCognito) AdminAddUserToGroup(ctx context.Context, params *cip.AdminAddUserToGroupInput, optFns ...func(*cip.Options)) (*cip.AdminAddUserToGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[aws.ToString(params.Username)]
	if !ok {
		return nil, &ciptypes.UserNotFoundException{Message: aws.String("User does not exist.")}
	}
	u.groups = append(u.groups, aws.ToString(params.GroupName))
	return &cip.AdminAddUserToGroupOutput{}, nil
}

func (f *fakeCognito) InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	username := params.AuthParameters["USERNAME"]
	u, ok := f.users[username]
	if !ok || u.password != params.AuthParameters["PASSWORD"] {
		return nil, &ciptypes.NotAuthorizedException{Message: aws.String("Incorrect username or password.")}
	}
	if !u.confirmed {
		return nil, &ciptypes.UserNotConfirmedException{Message: aws.String("User is not confirmed.")}
	}
	return &cip.InitiateAuthOutput{
		AuthenticationResult: &ciptypes.AuthenticationResultType{
			IdToken:      aws.String(f.issue(u.sub, username, u.groups)),
			AccessToken:  aws.String("access-" + u.sub),
			RefreshToken: aws.String("refresh-" + u.sub),
		},
	}, nil
}

func (f *fakeCognito) user(username string) (*fakeUser, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	return u, ok
}

// fakePasswords returns passwords from a fixed list, then repeats the last.
type fakePasswords struct {
	passwords []string
	err       error

	mu     sync.Mutex
	inputs []*secretsmanager.GetRandomPasswordInput
}

func (f *fakePasswords) GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	i := len(f.inputs) - 1
	if i >= len(f.passwords) {
		i = len(f.passwords) - 1
	}
	return &secretsmanager.GetRandomPasswordOutput{RandomPassword: aws.String(f.passwords[i])}, nil
}

// fakeTables is an in-memory DynamoDB holding string keyed items. Scan pages
// honour Limit and ExclusiveStartKey.
type fakeTables struct {
	keys map[string][]string
	// failDeleteAfter fails DeleteItem once that many items were deleted,
	// when positive.
	failDeleteAfter int

	mu      sync.Mutex
	items   map[string]map[string]map[string]ddbtypes.AttributeValue
	scans   int
	deletes int
}

func newFakeTables() *fakeTables {
	return &fakeTables{
		keys:  make(map[string][]string),
		items: make(map[string]map[string]map[string]ddbtypes.AttributeValue),
	}
}

func (f *fakeTables) create(table string, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[table] = keys
	f.items[table] = make(map[string]map[string]ddbtypes.AttributeValue)
}

func (f *fakeTables) put(table string, attrs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := make(map[string]ddbtypes.AttributeValue, len(attrs))
	for k, v := range attrs {
		item[k] = &ddbtypes.AttributeValueMemberS{Value: v}
	}
	f.items[table][f.identity(table, item)] = item
}

func (f *fakeTables) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items[table])
}

func (f *fakeTables) identity(table string, item map[string]ddbtypes.AttributeValue) string {
	parts := make([]string, 0, len(f.keys[table]))
	for _, k := range f.keys[table] {
		s, _ := item[k].(*ddbtypes.AttributeValueMemberS)
		if s == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, s.Value)
	}
	return strings.Join(parts, "|")
}

func (f *fakeTables) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	table := aws.ToString(params.TableName)
	items, ok := f.items[table]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if params.ExclusiveStartKey != nil {
		start := f.identity(table, params.ExclusiveStartKey)
		i := sort.SearchStrings(ids, start)
		if i < len(ids) && ids[i] == start {
			i++
		}
		ids = ids[i:]
	}

	limit := len(ids)
	if params.Limit != nil && int(*params.Limit) < limit {
		limit = int(*params.Limit)
	}
	out := &dynamodb.ScanOutput{}
	for _, id := range ids[:limit] {
		projected := make(map[string]ddbtypes.AttributeValue)
		for _, k := range params.ExpressionAttributeNames {
			projected[k] = items[id][k]
		}
		out.Items = append(out.Items, projected)
	}
	out.Count = int32(len(out.Items))
	if limit < len(ids) {
		last := items[ids[limit-1]]
		out.LastEvaluatedKey = make(map[string]ddbtypes.AttributeValue)
		for _, k := range f.keys[table] {
			out.LastEvaluatedKey[k] = last[k]
		}
	}
	return out, nil
}

func (f *fakeTables) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeleteAfter > 0 && f.deletes >= f.failDeleteAfter {
		return nil, errors.New("throttled")
	}
	table := aws.ToString(params.TableName)
	if len(params.Key) != len(f.keys[table]) {
		return nil, fmt.Errorf("key must have %d attributes", len(f.keys[table]))
	}
	delete(f.items[table], f.identity(table, params.Key))
	f.deletes++
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTables) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(params.TableName)
	keys, ok := f.keys[table]
	if !ok {
		return nil, &ddbtypes.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	desc := &ddbtypes.TableDescription{TableName: aws.String(table)}
	for i, k := range keys {
		keyType := ddbtypes.KeyTypeHash
		if i > 0 {
			keyType = ddbtypes.KeyTypeRange
		}
		desc.KeySchema = append(desc.KeySchema, ddbtypes.KeySchemaElement{
			AttributeName: aws.String(k),
			KeyType:       keyType,
		})
	}
	return &dynamodb.DescribeTableOutput{Table: desc}, nil
}

// fakeEvaluator evaluates a tiny subset of mapping templates: the request
// templates are recognised by their operation and the response templates
// return the result of the context.
type fakeEvaluator struct {
	errorMessage string

	mu        sync.Mutex
	templates []string
}

func (f *fakeEvaluator) EvaluateMappingTemplate(ctx context.Context, params *appsync.EvaluateMappingTemplateInput, optFns ...func(*appsync.Options)) (*appsync.EvaluateMappingTemplateOutput, error) {
	f.mu.Lock()
	f.templates = append(f.templates, aws.ToString(params.Template))
	f.mu.Unlock()

	if f.errorMessage != "" {
		return &appsync.EvaluateMappingTemplateOutput{
			Error: &appsynctypes.ErrorDetail{Message: aws.String(f.errorMessage)},
			Logs:  []string{"evaluation failed"},
		}, nil
	}

	var fixture struct {
		Arguments map[string]interface{} `json:"arguments"`
		Result    json.RawMessage        `json:"result"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(params.Context)), &fixture); err != nil {
		return nil, &smithy.GenericAPIError{Code: "BadRequestException", Message: err.Error()}
	}

	template := aws.ToString(params.Template)
	if !strings.Contains(template, `"operation"`) {
		return &appsync.EvaluateMappingTemplateOutput{EvaluationResult: aws.String(string(fixture.Result))}, nil
	}

	keyField := "locationid"
	if strings.Contains(template, `"resourceid"`) {
		keyField = "resourceid"
	}
	request := map[string]interface{}{
		"version":   "2017-02-28",
		"operation": "PutItem",
		"key": map[string]interface{}{
			keyField: map[string]interface{}{"S": fixture.Arguments[keyField]},
		},
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	return &appsync.EvaluateMappingTemplateOutput{EvaluationResult: aws.String(string(data))}, nil
}

// fakeSchemas returns a fixed SDL schema.
type fakeSchemas struct {
	sdl string
	err error
}

func (f *fakeSchemas) GetIntrospectionSchema(ctx context.Context, params *appsync.GetIntrospectionSchemaInput, optFns ...func(*appsync.Options)) (*appsync.GetIntrospectionSchemaOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &appsync.GetIntrospectionSchemaOutput{Schema: []byte(f.sdl)}, nil
}
