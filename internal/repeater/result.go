package repeater

// Outcome is how an attempt sequence ended. Phase escalation switches on it.
type Outcome int

const (
	Succeeded Outcome = iota
	TimedOut
	Canceled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result carries the outcome of a retry loop. Err is nil only on success and
// wraps domain.ErrTimeout or domain.ErrCanceled for those outcomes.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

func succeeded(attempts int) Result { return Result{Outcome: Succeeded, Attempts: attempts} }

func timedOut(attempts int, err error) Result {
	return Result{Outcome: TimedOut, Attempts: attempts, Err: err}
}

func canceled(attempts int, err error) Result {
	return Result{Outcome: Canceled, Attempts: attempts, Err: err}
}

func failed(attempts int, err error) Result {
	return Result{Outcome: Failed, Attempts: attempts, Err: err}
}
