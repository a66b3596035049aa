package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dm-agent/internal/failure"
)

// Graph API error codes with a fixed meaning.
const (
	codeTemporary      = 2
	codeAppThrottled   = 4
	codeUserThrottled  = 17
	codePageThrottled  = 32
	codeTokenInvalid   = 190
	codeCallsThrottled = 613
)

// APIError is a non-2xx Graph API response.
type APIError struct {
	Status    int
	Code      int
	Subcode   int
	Type      string
	Message   string
	FBTraceID string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("graph api %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph api %d: %s", e.Status, e.Message)
}

type graphErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// classify maps a failed response onto a failure kind. Token problems are
// permanent and flag the account; throttling and server errors are retried;
// any other client error is permanent.
func classify(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var parsed graphErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Error.Code
		apiErr.Subcode = parsed.Error.ErrorSubcode
		apiErr.Type = parsed.Error.Type
		apiErr.Message = parsed.Error.Message
		apiErr.FBTraceID = parsed.Error.FBTraceID
	}
	if apiErr.Message == "" {
		apiErr.Message = truncate(strings.TrimSpace(string(body)), 300)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	var kind failure.Kind
	switch {
	case status == http.StatusUnauthorized || apiErr.Code == codeTokenInvalid:
		kind = failure.KindTokenExpired
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		kind = failure.KindTransientUpstream
	case apiErr.Code == codeTemporary, apiErr.Code == codeAppThrottled, apiErr.Code == codeUserThrottled,
		apiErr.Code == codePageThrottled, apiErr.Code == codeCallsThrottled:
		kind = failure.KindTransientUpstream
	default:
		kind = failure.KindPermanentUpstream
	}
	return failure.Wrap(kind, apiErr.Message, apiErr)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
