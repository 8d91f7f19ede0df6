package testsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v4"
	"github.com/graph-gophers/graphql-go"
)

// AdminGroup is the group allowed to run mutations.
const AdminGroup = "apiAdmins"

const locationsSchema = `
	schema {
		query: Query
		mutation: Mutation
	}

	type Query {
		getAllLocations: [Location!]!
		getLocation(locationid: ID!): Location
	}

	type Mutation {
		createLocation(name: String!, description: String!, imageUrl: String!): Location
	}

	type Location {
		locationid: ID!
		name: String!
		description: String!
		imageUrl: String!
		timestamp: String!
	}`

type location struct {
	LocationID  graphql.ID
	Name        string
	Description string
	ImageURL    string
	Timestamp   string
}

type claimsContextKey struct{}

type unauthorizedError struct {
	field    string
	typeName string
}

func (e unauthorizedError) Error() string {
	return fmt.Sprintf("Not Authorized to access %s on type %s", e.field, e.typeName)
}

func (e unauthorizedError) Extensions() map[string]interface{} {
	return map[string]interface{}{"errorType": "Unauthorized"}
}

type locationsResolver struct {
	mu        sync.Mutex
	locations []*location
}

func (r *locationsResolver) GetAllLocations() []*location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*location(nil), r.locations...)
}

func (r *locationsResolver) GetLocation(args struct{ LocationID graphql.ID }) *location {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.locations {
		if l.LocationID == args.LocationID {
			return l
		}
	}
	return nil
}

func (r *locationsResolver) CreateLocation(ctx context.Context, args struct {
	Name        string
	Description string
	ImageURL    string
}) (*location, error) {
	claims, _ := ctx.Value(claimsContextKey{}).(jwt.MapClaims)
	if !inGroup(claims, AdminGroup) {
		return nil, unauthorizedError{field: "createLocation", typeName: "Mutation"}
	}

	l := &location{
		LocationID:  graphql.ID(uuid.Must(uuid.NewV4()).String()),
		Name:        args.Name,
		Description: args.Description,
		ImageURL:    args.ImageURL,
		Timestamp:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	r.mu.Lock()
	r.locations = append(r.locations, l)
	r.mu.Unlock()
	return l, nil
}

func inGroup(claims jwt.MapClaims, group string) bool {
	groups, _ := claims["cognito:groups"].([]interface{})
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// RecordedRequest is a request received by the server.
type RecordedRequest struct {
	Authorization string
	RunID         string
	UserAgent     string
	StatusCode    int
	Written       int64
	Duration      time.Duration
}

// LocationsServer is a fake of the Locations API. It behaves like AppSync
// with user pool authorization: requests need a valid token in the
// Authorization header and only members of AdminGroup can create locations.
type LocationsServer struct {
	*httptest.Server

	schema   *graphql.Schema
	secret   []byte
	mu       sync.Mutex
	requests []RecordedRequest
}

// NewLocationsServer starts a fake Locations API holding one location.
func NewLocationsServer() *LocationsServer {
	resolver := &locationsResolver{
		locations: []*location{
			{
				LocationID:  "1234567890",
				Name:        "Location Name",
				Description: "Location Description",
				ImageURL:    "https://www.example.com/image.jpg",
				Timestamp:   "2023-01-01T00:00:00.000Z",
			},
		},
	}
	s := &LocationsServer{
		schema: graphql.MustParseSchema(locationsSchema, resolver, graphql.UseFieldResolvers()),
		secret: []byte(uuid.Must(uuid.NewV4()).String()),
	}
	s.Server = httptest.NewServer(s.record(http.HandlerFunc(s.serveGraphQL)))
	return s
}

// IssueToken returns an ID token accepted by the server.
func (s *LocationsServer) IssueToken(subject, username string, groups ...string) string {
	g := make([]interface{}, 0, len(groups))
	for _, group := range groups {
		g = append(g, group)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":              subject,
		"token_use":        "id",
		"cognito:username": username,
		"cognito:groups":   g,
		"exp":              time.Now().Add(time.Hour).Unix(),
		"iat":              time.Now().Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

// Requests returns the requests received so far.
func (s *LocationsServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *LocationsServer) record(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(h, w, r)
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Authorization: r.Header.Get("Authorization"),
			RunID:         r.Header.Get("X-Harness-Run"),
			UserAgent:     r.UserAgent(),
			StatusCode:    m.Code,
			Written:       m.Written,
			Duration:      m.Duration,
		})
		s.mu.Unlock()
	})
}

type appsyncError struct {
	Message   string        `json:"message"`
	ErrorType string        `json:"errorType,omitempty"`
	Path      []interface{} `json:"path,omitempty"`
}

type appsyncResponse struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []appsyncError  `json:"errors,omitempty"`
}

func (s *LocationsServer) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authorize(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, appsyncResponse{Errors: []appsyncError{{
			ErrorType: "UnauthorizedException",
			Message:   "Valid authorization header not provided.",
		}}})
		return
	}

	var params struct {
		Query         string                 `json:"query"`
		OperationName string                 `json:"operationName"`
		Variables     map[string]interface{} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, appsyncResponse{Errors: []appsyncError{{
			ErrorType: "MalformedHttpRequestException",
			Message:   err.Error(),
		}}})
		return
	}

	ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
	res := s.schema.Exec(ctx, params.Query, params.OperationName, params.Variables)

	// AppSync reports the error class at the top level of each error
	out := appsyncResponse{Data: res.Data}
	if out.Data == nil {
		out.Data = json.RawMessage("null")
	}
	for _, e := range res.Errors {
		ae := appsyncError{Message: e.Message, Path: e.Path}
		if t, ok := e.Extensions["errorType"].(string); ok {
			ae.ErrorType = t
		}
		out.Errors = append(out.Errors, ae)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *LocationsServer) authorize(r *http.Request) (jwt.MapClaims, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, errors.New("missing token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
