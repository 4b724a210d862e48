package executor

// Outcome classifies one payload attempt for one item.
type Outcome int

const (
	// OutcomeSuccess means the item completed.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the attempt failed in a retryable way.
	OutcomeTransient
	// OutcomePermanentlyBlocked means the item's account is blocked. Terminal.
	OutcomePermanentlyBlocked
	// OutcomeVerificationRequired means the account needs manual verification. Terminal.
	OutcomeVerificationRequired
)

// Terminal reports whether the outcome absorbs: once observed, the item is
// never attempted again.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomePermanentlyBlocked, OutcomeVerificationRequired:
		return true
	default:
		return false
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanentlyBlocked:
		return "permanently_blocked"
	case OutcomeVerificationRequired:
		return "verification_required"
	default:
		return "unknown"
	}
}

// Item is one unit of work inside a batch. The automation payload layer owns
// everything beyond its identity.
type Item struct {
	ID     string
	Kind   string
	TaskID string
}

// BatchResult aggregates the per-item outcomes of one batch call.
type BatchResult struct {
	Successful           int `json:"successful"`
	Failed               int `json:"failed"`
	PermanentlyBlocked   int `json:"permanently_blocked"`
	VerificationRequired int `json:"verification_required"`
	TotalProcessed       int `json:"total_processed"`
}

func (r *BatchResult) record(o Outcome) {
	switch o {
	case OutcomeSuccess:
		r.Successful++
	case OutcomePermanentlyBlocked:
		r.PermanentlyBlocked++
	case OutcomeVerificationRequired:
		r.VerificationRequired++
	default:
		r.Failed++
	}
	r.TotalProcessed++
}
