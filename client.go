package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RequestIDHeader is set on every outgoing GraphQL request.
const RequestIDHeader = "X-Request-Id"

// Client is a GraphQL over HTTP client for the API under test.
type Client struct {
	HTTPClient      *http.Client
	MaxResponseSize int64
	UserAgent       string
}

// ClientOpt is a function used to set a GraphQL client option
type ClientOpt func(*Client)

// NewClient creates a new Client from the given options.
func NewClient(opts ...ClientOpt) *Client {
	c := &Client{
		HTTPClient: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		MaxResponseSize: 1024 * 1024,
		UserAgent:       GenerateUserAgent("check"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithMaxResponseSize sets the max allowed response size. The client will only
// read up to maxResponseSize and if that size is exceeded an error will be
// returned.
func WithMaxResponseSize(maxResponseSize int64) ClientOpt {
	return func(c *Client) {
		c.MaxResponseSize = maxResponseSize
	}
}

// WithUserAgent set the user agent used by the client.
func WithUserAgent(userAgent string) ClientOpt {
	return func(c *Client) {
		c.UserAgent = userAgent
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOpt {
	return func(c *Client) {
		c.HTTPClient = client
	}
}

// WithTimeout sets the timeout of the underlying HTTP client. The client is
// copied, a shared client such as http.DefaultClient is left untouched.
func WithTimeout(timeout time.Duration) ClientOpt {
	return func(c *Client) {
		client := *c.HTTPClient
		client.Timeout = timeout
		c.HTTPClient = &client
	}
}

// Do executes a GraphQL request and returns the decoded response together
// with its HTTP status code. GraphQL errors and non 2xx statuses are part of
// the response, only transport and decoding failures are returned as errors.
func (c *Client) Do(ctx context.Context, url string, request *Request) (*Response, error) {
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(request)
	if err != nil {
		return nil, fmt.Errorf("unable to encode request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}

	if request.Headers != nil {
		httpReq.Header = request.Headers.Clone()
	}
	for k, values := range GetOutgoingRequestHeadersFromContext(ctx) {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Accept", "application/json; charset=utf-8")

	if c.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.UserAgent)
	}
	if httpReq.Header.Get(RequestIDHeader) == "" {
		httpReq.Header.Set(RequestIDHeader, uuid.Must(uuid.NewV4()).String())
	}
	// AppSync user pool authorization expects the raw token, no scheme
	if request.Token != "" {
		httpReq.Header.Set("Authorization", request.Token)
	}

	res, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error during request: %w", err)
	}
	defer res.Body.Close()

	promGraphQLRequestCounter.With(prometheus.Labels{
		"code": fmt.Sprintf("%dXX", res.StatusCode/100),
	}).Inc()

	maxResponseSize := c.MaxResponseSize
	if maxResponseSize == 0 {
		maxResponseSize = math.MaxInt64 - 1
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}
	if int64(len(body)) > maxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", maxResponseSize)
	}

	response := &Response{
		StatusCode: res.StatusCode,
		Body:       body,
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return response, nil
	}

	if err := json.Unmarshal(body, response); err != nil {
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil, fmt.Errorf("error decoding response: %w", err)
		}
		// error pages from the gateway are not always JSON
		return response, nil
	}

	return response, nil
}

// Request executes a GraphQL request and decodes the data into out. Unlike
// Do, a non 2xx status or a GraphQL error is returned as an error.
func (c *Client) Request(ctx context.Context, url string, request *Request, out interface{}) error {
	res, err := c.Do(ctx, url, request)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: res.StatusCode, Errors: res.Errors}
	}
	if len(res.Errors) > 0 {
		return res.Errors
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		return fmt.Errorf("error decoding response data: %w", err)
	}
	return nil
}

// Request is a GraphQL request.
type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Headers       http.Header            `json:"-"`
	// Token is sent as the Authorization header when set.
	Token string `json:"-"`
}

// NewRequest creates a new GraphQL requests from the provided body.
func NewRequest(body string) *Request {
	return &Request{
		Query: body,
	}
}

// WithOperationName sets the operation name of the request.
func (r *Request) WithOperationName(operationName string) *Request {
	r.OperationName = operationName
	return r
}

// WithVariables sets the variables of the request.
func (r *Request) WithVariables(variables map[string]interface{}) *Request {
	r.Variables = variables
	return r
}

// WithToken authenticates the request with the given bearer token.
func (r *Request) WithToken(token string) *Request {
	r.Token = token
	return r
}

// Response is a GraphQL response
type Response struct {
	StatusCode int             `json:"-"`
	Body       []byte          `json:"-"`
	Data       json.RawMessage `json:"data"`
	Errors     GraphqlErrors   `json:"errors"`
}

// Field returns the value found under data following the given path. The
// second return value is false if any element of the path is missing. A
// field present with a null value returns (nil, true).
func (r *Response) Field(path ...string) (interface{}, bool) {
	if len(r.Data) == 0 {
		return nil, false
	}
	var current interface{}
	if err := json.Unmarshal(r.Data, &current); err != nil {
		return nil, false
	}
	for _, p := range path {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// IsNull returns true if the field at path is absent or null.
func (r *Response) IsNull(path ...string) bool {
	v, ok := r.Field(path...)
	return !ok || v == nil
}

// ErrorType returns the errorType of the i-th error, or "" if there is none.
func (r *Response) ErrorType(i int) string {
	if i < 0 || i >= len(r.Errors) {
		return ""
	}
	return r.Errors[i].ErrorType
}

// GraphqlErrors represents a list of GraphQL errors, as returned in a GraphQL
// response.
type GraphqlErrors []GraphqlError

// GraphqlError is a single GraphQL error. AppSync reports the error class in
// errorType.
type GraphqlError struct {
	Message    string                 `json:"message"`
	ErrorType  string                 `json:"errorType,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Error returns a string representation of the error list
func (e GraphqlErrors) Error() string {
	var errs []string
	for _, err := range e {
		if err.ErrorType != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", err.ErrorType, err.Message))
			continue
		}
		errs = append(errs, err.Message)
	}
	return strings.Join(errs, ",")
}

// HTTPStatusError is returned by Client.Request for non 2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Errors     GraphqlErrors
}

func (e *HTTPStatusError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Errors.Error())
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

func GenerateUserAgent(operation string) string {
	return fmt.Sprintf("Harness/%s (%s)", Version, operation)
}
