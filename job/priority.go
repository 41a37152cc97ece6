package job

import "log/slog"

// Priority orders jobs within a type. Smaller numeric values are more
// urgent; the values are part of the persisted document schema.
type Priority int

const (
	PriorityLow      Priority = 10
	PriorityNormal   Priority = 0
	PriorityMedium   Priority = -5
	PriorityHigh     Priority = -10
	PriorityCritical Priority = -15
)

// Known reports whether p is one of the defined priority values.
func (p Priority) Known() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// String returns the priority name, or "unknown" for values outside the set.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// SanitizePriority coerces a raw priority value loaded from storage (or
// supplied by a caller) into the known set. Unknown values are replaced by
// PriorityNormal with a warning; the load never fails.
func SanitizePriority(v int, logger *slog.Logger) Priority {
	p := Priority(v)
	if p.Known() {
		return p
	}
	if logger != nil {
		logger.Warn("unknown job priority, coercing to normal",
			slog.Int("priority", v),
		)
	}
	return PriorityNormal
}
