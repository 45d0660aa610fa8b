package openai

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIError is a non-200 response from the API.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Param      string `json:"param,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (status %d, code %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("openai: %s (status %d)", e.Message, e.StatusCode)
}

// ContentFiltered reports whether the request was rejected by moderation.
func (e *APIError) ContentFiltered() bool {
	switch e.Code {
	case "content_filter", "content_policy_violation", "moderation_blocked":
		return true
	}
	return false
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ParseErrorResponse builds an APIError from a response body. Bodies that are
// not in the {"error": {...}} shape keep their raw text as the message.
func ParseErrorResponse(status int, body []byte) *APIError {
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = status
		return envelope.Error
	}
	return &APIError{StatusCode: status, Type: "http_error", Message: string(body)}
}

// IsContentFiltered reports whether err is a moderation rejection.
func IsContentFiltered(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ContentFiltered()
}
