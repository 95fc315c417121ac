package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestWrap(t *testing.T) {
	originalErr := errors.New("mongo connection failed")
	wrapped := Wrap(originalErr, CodeInternal, "internal error", http.StatusInternalServerError)

	if wrapped.Err != originalErr {
		t.Errorf("expected wrapped error to contain original error")
	}
	if errors.Unwrap(wrapped) != originalErr {
		t.Errorf("Unwrap() should return original error")
	}
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without underlying error",
			appErr:   &AppError{Code: CodeNotFound, Message: "queue item not found"},
			expected: "NOT_FOUND: queue item not found",
		},
		{
			name: "with underlying error",
			appErr: &AppError{
				Code:    CodeThrottled,
				Message: "store throttled",
				Err:     errors.New("request rate too large"),
			},
			expected: "THROTTLED: store throttled (caused by: request rate too large)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appErr.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		name   string
		err    *AppError
		code   string
		status int
	}{
		{"not found", NotFoundWithID("Queue", "default"), CodeNotFound, http.StatusNotFound},
		{"validation", Validation("bad payload", nil), CodeValidation, http.StatusUnprocessableEntity},
		{"invalid input", InvalidInput("queue names required"), CodeInvalidInput, http.StatusBadRequest},
		{"conflict", Conflict("already exists"), CodeConflict, http.StatusConflict},
		{"internal", Internal("boom", cause), CodeInternal, http.StatusInternalServerError},
		{"timeout", Timeout("lock wait", cause), CodeTimeout, http.StatusGatewayTimeout},
		{"throttled", Throttled("too many requests", cause), CodeThrottled, http.StatusTooManyRequests},
		{"unavailable", Unavailable("MongoDB"), CodeUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, tt.err.Code)
			}
			if tt.err.StatusCode() != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, tt.err.StatusCode())
			}
		})
	}
}

func TestNotFoundWithID(t *testing.T) {
	err := NotFoundWithID("Queue", "critical")

	if err.Message != "Queue not found" {
		t.Errorf("unexpected message %q", err.Message)
	}
	if err.Details["id"] != "critical" {
		t.Errorf("expected id 'critical', got %v", err.Details["id"])
	}
}

func TestIsAppError_FollowsWrapping(t *testing.T) {
	appErr := InvalidInput("queue name cannot be empty")
	wrapped := fmt.Errorf("enqueue: %w", appErr)

	if !IsAppError(wrapped) {
		t.Errorf("IsAppError() should see through fmt.Errorf wrapping")
	}
	if IsAppError(errors.New("regular error")) {
		t.Errorf("IsAppError() should return false for regular error")
	}
	if AsAppError(wrapped) != appErr {
		t.Errorf("AsAppError() should return the wrapped AppError")
	}
}

func TestAsAppError_WrapsUnknown(t *testing.T) {
	regularErr := errors.New("regular error")

	result := AsAppError(regularErr)
	if result.Code != CodeInternal {
		t.Errorf("AsAppError() should wrap regular error as internal error")
	}
	if result.Err != regularErr {
		t.Errorf("AsAppError() should wrap the original error")
	}
}

func TestAppError_ToJSON(t *testing.T) {
	body := string(NotFoundWithID("Queue", "default").ToJSON())

	if !strings.Contains(body, CodeNotFound) {
		t.Errorf("ToJSON() should contain error code, got %s", body)
	}
	if !strings.Contains(body, `"id":"default"`) {
		t.Errorf("ToJSON() should contain details, got %s", body)
	}
}
