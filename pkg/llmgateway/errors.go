package llmgateway

import "fmt"

// Kind classifies why a model invocation failed.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindRateLimited
	KindQuota
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindQuota:
		return "quota"
	default:
		return "other"
	}
}

// Failure is the Gateway's typed error, satisfying the error interface.
// ModelRunner implementations report Kind (Timeout, RateLimited, Quota,
// or Other for any other non-zero outcome). InvokeWithBackoff logs and
// retries every Kind alike, and once every round has failed it returns
// *ErrRoundsExhausted (with the last per-model errors) rather than a
// *Failure.
type Failure struct {
	Kind  Kind
	Model string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (model %s): %v", f.Kind, f.Model, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// FailureFromExitCode maps a model-runner subprocess exit code to a typed
// Failure: 124=timeout, 2=rate-limited, 3=quota-exhausted, anything
// else=other.
func FailureFromExitCode(code int, model, stderr string) *Failure {
	switch code {
	case 124:
		return &Failure{Kind: KindTimeout, Model: model, Err: fmt.Errorf("ai call timed out")}
	case 2:
		return &Failure{Kind: KindRateLimited, Model: model, Err: fmt.Errorf("rate limit hit")}
	case 3:
		return &Failure{Kind: KindQuota, Model: model, Err: fmt.Errorf("api quota exhausted")}
	default:
		return &Failure{Kind: KindOther, Model: model, Err: fmt.Errorf("exit code %d: %s", code, stderr)}
	}
}
