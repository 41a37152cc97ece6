package job_test

import (
	"testing"

	"github.com/stashq/stashq/job"
)

func TestSanitizePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want job.Priority
	}{
		{10, job.PriorityLow},
		{0, job.PriorityNormal},
		{-5, job.PriorityMedium},
		{-10, job.PriorityHigh},
		{-15, job.PriorityCritical},
		{1, job.PriorityNormal},
		{-100, job.PriorityNormal},
		{99, job.PriorityNormal},
	}
	for _, tt := range tests {
		if got := job.SanitizePriority(tt.in, nil); got != tt.want {
			t.Errorf("SanitizePriority(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPriorityString(t *testing.T) {
	t.Parallel()

	if got := job.PriorityHigh.String(); got != "high" {
		t.Errorf("String() = %q, want %q", got, "high")
	}
	if got := job.Priority(7).String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
}
