package alertmodel

// ErrorKind enumerates the ways an evaluation can fail. All of them mean
// "condition unknown" to the state machine.
type ErrorKind string

const (
	ErrQueryFailed   ErrorKind = "QUERY_FAILED"
	ErrIndexMissing  ErrorKind = "INDEX_MISSING"
	ErrQueryRejected ErrorKind = "QUERY_REJECTED"
	ErrValueExtract  ErrorKind = "VALUE_EXTRACT"
	ErrTimeout       ErrorKind = "TIMEOUT"
)

// EvaluationResult is the transient output of one Evaluator.Evaluate call.
type EvaluationResult struct {
	Value        *float64
	ConditionMet bool
	Error        ErrorKind // empty string means no error
	ErrDetail    string
	RawExcerpt   string
}

// Failed reports whether the evaluation produced an error verdict.
func (r EvaluationResult) Failed() bool {
	return r.Error != ""
}
