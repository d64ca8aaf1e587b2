package bilibili

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

var ErrEmptyPayload = errors.New("bilibili response carried no payload")

// errorReport describes where an upstream call failed. It is what gets persisted to
// the upstream error log.
type errorReport struct {
	Endpoint        string
	Method          string
	Stage           string
	HTTPStatus      int
	Code            int
	Attempt         int
	Retryable       bool
	RequestQuery    string
	ResponseHeaders string
	ResponseBody    string
	Detail          string
	cause           error
}

// APIError is returned for every failed upstream call.
type APIError struct {
	report errorReport
}

func (e *APIError) Error() string {
	return e.report.Detail
}

func (e *APIError) Unwrap() error {
	return e.report.cause
}

func (e *APIError) Stage() string {
	return e.report.Stage
}

func (e *APIError) HTTPStatus() int {
	return e.report.HTTPStatus
}

// Code is the envelope code for api_code failures, zero otherwise.
func (e *APIError) Code() int {
	return e.report.Code
}

func (e *APIError) Endpoint() string {
	return e.report.Endpoint
}

// StageOf returns the stage of an upstream failure wrapped anywhere in err.
func StageOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.report.Stage
	}
	return ""
}

func headerToJSON(header http.Header) string {
	if len(header) == 0 {
		return ""
	}
	normalized := map[string][]string{}
	for key, values := range header {
		copied := make([]string, len(values))
		copy(copied, values)
		normalized[key] = copied
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		return `{"marshalError":"` + strings.ReplaceAll(err.Error(), `"`, `'`) + `"}`
	}
	return string(payload)
}

func shouldRetry(report errorReport) bool {
	if report.HTTPStatus == http.StatusTooManyRequests || report.HTTPStatus == http.StatusRequestTimeout {
		return true
	}
	if report.HTTPStatus >= 500 {
		return true
	}
	if report.Stage == "network" || report.Stage == "read_response" {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(report.Detail))
	for _, fragment := range []string{"timeout", "temporarily", "connection reset", "eof"} {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
