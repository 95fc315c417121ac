package sanitizer

import (
	"regexp"
	"strings"

	"jobstore/pkg/model"
)

type Strategy func(string) string

type Pipeline []Strategy

func (p Pipeline) Apply(s string) string {
	for _, fn := range p {
		s = fn(s)
	}
	return s
}

var (
	reQueueNameInvalid = regexp.MustCompile(`[^0-9a-z_-]+`)
	reTrimUnderscores  = regexp.MustCompile(`_+`)
)

func trimAndLower(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

func collapseUnderscores(s string) string {
	s = reTrimUnderscores.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func QueueName(input string) string {
	p := Pipeline{
		trimAndLower,
		func(s string) string { return reQueueNameInvalid.ReplaceAllString(s, "_") },
		collapseUnderscores,
	}
	return p.Apply(input)
}

func JobID(input string) string {
	return strings.TrimSpace(input)
}

// QueueNames sanitizes every name and drops empty results and duplicates,
// keeping first-seen order.
func QueueNames(values []string) []string {
	return SanitizeSlice(values, QueueName)
}

func SanitizeSlice(values []string, strategy Strategy) []string {
	seen := make(map[string]struct{})
	out := []string{}

	for _, v := range values {
		s := strategy(v)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}

func EnqueueRequest(req model.EnqueueRequest) model.EnqueueRequest {
	return model.EnqueueRequest{
		Queue: QueueName(req.Queue),
		JobID: JobID(req.JobID),
	}
}
