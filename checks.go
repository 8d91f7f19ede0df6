package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// UnauthorizedErrorType is the errorType of field level authorization
// failures.
const UnauthorizedErrorType = "Unauthorized"

// Check is a single request/assertion against the API under test.
type Check struct {
	Name string
	Run  func(ctx context.Context, client *Client, suite *Suite) error
}

// CheckResult is the outcome of a check.
type CheckResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// AccessChecks returns the access control checks, in the order they run.
func AccessChecks() []Check {
	return []Check{
		{Name: "unauthenticated-introspection", Run: CheckUnauthenticatedIntrospection},
		{Name: "privileged-introspection", Run: CheckPrivilegedIntrospection},
		{Name: "standard-read", Run: CheckStandardRead},
		{Name: "standard-create-denied", Run: CheckStandardCreateDenied},
	}
}

// RunChecks runs every check sequentially and returns all the results. The
// requests carry the run id of the context, or the one of the suite when the
// context has none.
func RunChecks(ctx context.Context, client *Client, suite *Suite, checks []Check) []CheckResult {
	runID, ok := RunIDFromContext(ctx)
	if !ok {
		runID = suite.RunID
		ctx = WithRunID(ctx, runID)
	}

	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		start := time.Now()
		err := c.Run(ctx, client, suite)
		result := CheckResult{Name: c.Name, Err: err, Duration: time.Since(start)}
		results = append(results, result)

		promCheckCounter.WithLabelValues(c.Name, checkResult(err)).Inc()
		entry := log.WithFields(log.Fields{"check": c.Name, "run": runID, "duration": result.Duration.String()})
		if err != nil {
			entry.WithError(err).Error("check failed")
		} else {
			entry.Info("check passed")
		}
	}
	return results
}

// CheckFailures joins the errors of the failed checks.
func CheckFailures(results []CheckResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// CheckUnauthenticatedIntrospection verifies that a request without token is
// rejected with a 401.
func CheckUnauthenticatedIntrospection(ctx context.Context, client *Client, suite *Suite) error {
	req := NewRequest(IntrospectionQuery).WithOperationName("IntrospectionQuery")
	res, err := client.Do(ctx, suite.Env.APIURL, req)
	if err != nil {
		return err
	}
	return expectStatus(res, http.StatusUnauthorized)
}

// CheckPrivilegedIntrospection verifies that the privileged identity can
// introspect the schema.
func CheckPrivilegedIntrospection(ctx context.Context, client *Client, suite *Suite) error {
	req := NewRequest(IntrospectionQuery).
		WithOperationName("IntrospectionQuery").
		WithToken(suite.Privileged.IDToken)
	res, err := client.Do(ctx, suite.Env.APIURL, req)
	if err != nil {
		return err
	}
	if err := expectStatus(res, http.StatusOK); err != nil {
		return err
	}
	if res.IsNull("__schema", "queryType", "fields") {
		return errors.New("data.__schema.queryType.fields is null")
	}
	return nil
}

// CheckStandardRead verifies that the standard identity can list locations.
// Any non 2xx status or GraphQL error fails the check.
func CheckStandardRead(ctx context.Context, client *Client, suite *Suite) error {
	req := NewRequest(GetAllLocationsQuery).
		WithOperationName("getAllLocations").
		WithToken(suite.Standard.IDToken)
	var data struct {
		GetAllLocations []json.RawMessage `json:"getAllLocations"`
	}
	if err := client.Request(ctx, suite.Env.APIURL, req, &data); err != nil {
		return err
	}
	if data.GetAllLocations == nil {
		return errors.New("data.getAllLocations is null")
	}
	return nil
}

// CheckStandardCreateDenied verifies that the standard identity cannot
// create a location: the field is null and the first error is Unauthorized.
func CheckStandardCreateDenied(ctx context.Context, client *Client, suite *Suite) error {
	req := NewRequest(CreateLocationMutation).
		WithOperationName("createLocation").
		WithVariables(createLocationVariables(suite.RunID)).
		WithToken(suite.Standard.IDToken)
	res, err := client.Do(ctx, suite.Env.APIURL, req)
	if err != nil {
		return err
	}
	if err := expectStatus(res, http.StatusOK); err != nil {
		return err
	}
	if !res.IsNull("createLocation") {
		return errors.New("data.createLocation is not null")
	}
	if got := res.ErrorType(0); got != UnauthorizedErrorType {
		return fmt.Errorf("expected errors[0].errorType %q, got %q", UnauthorizedErrorType, got)
	}
	return nil
}

func expectStatus(res *Response, status int) error {
	if res.StatusCode != status {
		return fmt.Errorf("expected status %d, got %d", status, res.StatusCode)
	}
	return nil
}
