package ledger

// Lifecycle enforces verification status transitions. Retirement is handled
// separately as a terminal flag, but the machine refuses any transition on a
// retired record.
type Lifecycle struct {
	allowedTransitions map[VerificationStatus][]VerificationStatus
}

// NewLifecycle creates the credit verification state machine.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		allowedTransitions: map[VerificationStatus][]VerificationStatus{
			VerificationPending:  {VerificationVerified, VerificationRejected},
			VerificationVerified: {},
			VerificationRejected: {},
		},
	}
}

// CanTransition checks if a verification status transition is allowed.
func (l *Lifecycle) CanTransition(credit *CarbonCredit, to VerificationStatus) bool {
	if credit.Retirement.IsRetired {
		return false
	}
	allowed, exists := l.allowedTransitions[credit.Verification.Status]
	if !exists {
		return false
	}
	for _, allowedTo := range allowed {
		if allowedTo == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the allowed next statuses for a given status.
func (l *Lifecycle) AllowedTransitions(from VerificationStatus) []VerificationStatus {
	allowed, exists := l.allowedTransitions[from]
	if !exists {
		return []VerificationStatus{}
	}
	return allowed
}
