package pgguard

// ErrorKind is the closed set of failure categories produced by the classifier.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectionFailure
	KindConstraintViolation
	KindQueryError
	KindTransactionConflict
	KindResourceExhaustion
)

// String returns a human-readable string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnectionFailure:
		return "ConnectionFailure"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindQueryError:
		return "QueryError"
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	default:
		return "Unknown"
	}
}

// Classification is the typed view of a raw driver error.
// It is created fresh for every failure and never persisted.
type Classification struct {
	Kind         ErrorKind
	Retryable    bool
	UserMessage  string
	OriginalCode string
	Operation    string
	Context      map[string]any
}

// UserMessageFor returns the client-safe message for a kind.
// It never contains driver output.
func UserMessageFor(kind ErrorKind) string {
	switch kind {
	case KindConnectionFailure:
		return "Service temporarily unavailable. Please try again later."
	case KindConstraintViolation:
		return "This record already exists or conflicts with existing data."
	case KindQueryError:
		return "The request could not be processed."
	case KindTransactionConflict:
		return "The request conflicted with another update. Please retry."
	case KindResourceExhaustion:
		return "Service is busy. Please try again later."
	default:
		return "An unexpected error occurred."
	}
}
