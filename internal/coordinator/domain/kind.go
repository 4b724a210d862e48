package domain

import "fmt"

// TaskKind identifies a category of automation task. Kinds are a closed set;
// routing and storage dispatch on the parsed value, never on raw strings.
type TaskKind string

const (
	KindWarmup   TaskKind = "warmup"
	KindOutreach TaskKind = "outreach"
)

// Kinds lists every supported task kind, used to build per-kind routes.
var Kinds = []TaskKind{KindWarmup, KindOutreach}

// ParseKind validates a raw kind string. Unknown kinds are an explicit error,
// not a silent fallthrough.
func ParseKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case KindWarmup:
		return KindWarmup, nil
	case KindOutreach:
		return KindOutreach, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k TaskKind) String() string {
	return string(k)
}
