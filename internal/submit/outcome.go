package submit

import (
	"errors"
	"net/http"
	"os"

	"fieldsync/internal/remote"
)

// Result classifies a single submission attempt. The drain scheduler owns
// retry bookkeeping; this package only says what happened.
type Result int

const (
	// ResultSuccess: the write landed, remove the item.
	ResultSuccess Result = iota
	// ResultRetryable: transient failure (network, 5xx, 429), try again later.
	ResultRetryable
	// ResultTerminal: retrying cannot help (validation 4xx, missing local file).
	ResultTerminal
	// ResultConflict: the server rejected the write because of a concurrent
	// remote change; the user decides, not the retry loop.
	ResultConflict
)

// Outcome pairs the classification with a human-readable reason for the
// item's last_error field.
type Outcome struct {
	Result Result
	Reason string
}

func success() Outcome {
	return Outcome{Result: ResultSuccess}
}

func retryable(reason string) Outcome {
	return Outcome{Result: ResultRetryable, Reason: reason}
}

func terminal(reason string) Outcome {
	return Outcome{Result: ResultTerminal, Reason: reason}
}

// Classify maps a submission error to an outcome. Unknown errors count as
// retryable: when in doubt, the queue keeps trying until backoff runs out.
func Classify(err error) Outcome {
	if err == nil {
		return success()
	}

	var httpErr *remote.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusConflict || httpErr.StatusCode == http.StatusPreconditionFailed:
			return Outcome{Result: ResultConflict, Reason: httpErr.Error()}
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return retryable(httpErr.Error())
		case httpErr.StatusCode >= http.StatusInternalServerError:
			return retryable(httpErr.Error())
		default:
			return terminal(httpErr.Error())
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return terminal(err.Error())
	}

	return retryable(err.Error())
}
