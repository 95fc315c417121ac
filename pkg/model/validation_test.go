package model

import (
	"strings"
	"testing"

	"jobstore/pkg/validation"
)

func TestEnqueueRequest_Validation(t *testing.T) {
	v := validation.New()

	tests := []struct {
		name        string
		req         EnqueueRequest
		expectValid bool
		field       string
	}{
		{
			name:        "valid request",
			req:         EnqueueRequest{Queue: "default", JobID: "42"},
			expectValid: true,
		},
		{
			name:  "missing queue",
			req:   EnqueueRequest{JobID: "42"},
			field: "Queue",
		},
		{
			name:  "missing job id",
			req:   EnqueueRequest{Queue: "default"},
			field: "JobID",
		},
		{
			name:  "queue name too long",
			req:   EnqueueRequest{Queue: strings.Repeat("q", 129), JobID: "42"},
			field: "Queue",
		},
		{
			name:  "control characters in job id",
			req:   EnqueueRequest{Queue: "default", JobID: "42\n"},
			field: "JobID",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.req)
			if tt.expectValid {
				if err != nil {
					t.Fatalf("expected valid request, got %v", err)
				}
				return
			}

			errs, ok := err.(validation.ValidationErrors)
			if !ok {
				t.Fatalf("expected ValidationErrors, got %T (%v)", err, err)
			}
			if len(errs) != 1 || errs[0].Field != tt.field {
				t.Errorf("expected a single error on %s, got %v", tt.field, errs)
			}
		})
	}
}
