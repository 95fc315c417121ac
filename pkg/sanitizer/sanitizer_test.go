package sanitizer

import (
	"testing"

	"jobstore/pkg/model"
)

func TestQueueName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already clean", "default", "default"},
		{"trim and lower", "  Critical ", "critical"},
		{"spaces become underscores", "email  outbound", "email_outbound"},
		{"keeps dashes and digits", "jobs-v2", "jobs-v2"},
		{"strips edge underscores", "__low__", "low"},
		{"punctuation collapses", "a.b:c", "a_b_c"},
		{"non ascii", "תור", ""},
		{"empty", "", ""},
		{"only whitespace", " \t\n ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := QueueName(tt.input)
			if got != tt.want {
				t.Errorf("QueueName(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if again := QueueName(got); again != got {
				t.Errorf("QueueName is not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestQueueNames_DedupesAfterSanitizing(t *testing.T) {
	got := QueueNames([]string{"Critical", "default", " critical", "", "!!"})
	want := []string{"critical", "default"}

	if len(got) != len(want) {
		t.Fatalf("QueueNames() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("QueueNames()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEnqueueRequest(t *testing.T) {
	got := EnqueueRequest(model.EnqueueRequest{Queue: " Default ", JobID: "  Job 42 "})
	want := model.EnqueueRequest{Queue: "default", JobID: "Job 42"}
	if got != want {
		t.Errorf("EnqueueRequest() = %+v, want %+v", got, want)
	}
}
