package vault

// attemptLimiter counts consecutive failed unlocks. It is process-local and
// guarded by the owning Vault's mutex.
type attemptLimiter struct {
	max       int
	remaining int
}

func newAttemptLimiter(max int) *attemptLimiter {
	return &attemptLimiter{max: max, remaining: max}
}

func (a *attemptLimiter) Remaining() int {
	return a.remaining
}

func (a *attemptLimiter) Exhausted() bool {
	return a.remaining <= 0
}

// Fail records a failed validation and returns the attempts left.
func (a *attemptLimiter) Fail() int {
	if a.remaining > 0 {
		a.remaining--
	}
	return a.remaining
}

func (a *attemptLimiter) Reset() {
	a.remaining = a.max
}
