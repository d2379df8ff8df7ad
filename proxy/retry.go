package proxy

// RetryState tracks one request's attempts against maxRetries extra tries.
// Attempt 0 is the first try.
type RetryState struct {
	MaxRetries     int
	CurrentAttempt int
	LastError      error
}

func NewRetryState(maxRetries int) *RetryState {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryState{MaxRetries: maxRetries}
}

func (s *RetryState) IsExhausted() bool { return s.CurrentAttempt > s.MaxRetries }

func (s *RetryState) IsLastAttempt() bool { return s.CurrentAttempt >= s.MaxRetries }

// ShouldWait is false only before the first try
func (s *RetryState) ShouldWait() bool { return s.CurrentAttempt > 0 }

// RecordFailure stores err and moves to the next attempt
func (s *RetryState) RecordFailure(err error) {
	s.LastError = err
	s.CurrentAttempt++
}
