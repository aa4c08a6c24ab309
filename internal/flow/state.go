package flow

// State is the phase of a challenge attempt.
type State int

const (
	StateIdle State = iota
	StateFetchingChallenge
	StateSolving
	StateSubmittingSolution
	StateRedirecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFetchingChallenge:
		return "FetchingChallenge"
	case StateSolving:
		return "Solving"
	case StateSubmittingSolution:
		return "SubmittingSolution"
	case StateRedirecting:
		return "Redirecting"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status texts shown while an attempt runs.
const (
	StatusFetching  = "Fetching challenge..."
	StatusSolving   = "Solving puzzle..."
	StatusVerifying = "Verifying solution..."
	StatusVerified  = "Verified! ✓"

	// StatusFailedPrefix precedes the failure reason.
	StatusFailedPrefix = "Verification failed: "

	// SuccessSuffix is appended to the final attempts text.
	SuccessSuffix = " - Success!"
)
