package usecase

import (
	"github.com/example/face-attendance/internal/faceverify"
	"github.com/example/face-attendance/internal/logging"
)

// Status is the verdict reported to callers.
type Status string

const (
	StatusMatched   Status = "matched"
	StatusUnmatched Status = "unmatched"
)

// Outcome is a successful verification.
type Outcome struct {
	RequestID string
	Status    Status
	Result    faceverify.Result
	// Cached is true when the verdict was served from the result cache.
	Cached bool
}

// Matched reports whether the probe matched the reference.
func (o *Outcome) Matched() bool {
	return o != nil && o.Status == StatusMatched
}

func newOutcome(requestID string, result faceverify.Result, cached bool) *Outcome {
	status := StatusUnmatched
	if result.Verified {
		status = StatusMatched
	}
	return &Outcome{RequestID: requestID, Status: status, Result: result, Cached: cached}
}

// FailureKind classifies why a verification did not produce an outcome.
type FailureKind int

const (
	// KindInvalidImage means the payload was not decodable base64 image data.
	KindInvalidImage FailureKind = iota + 1
	// KindVerification means the verification backend reported an error.
	KindVerification
)

func (k FailureKind) String() string {
	switch k {
	case KindInvalidImage:
		return "invalid_image"
	case KindVerification:
		return "verification"
	default:
		return "unknown"
	}
}

// Failure is the error returned by VerificationUseCase.Verify.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Reason returns the underlying error text without operation annotations.
func (f *Failure) Reason() string {
	if f == nil || f.Err == nil {
		return ""
	}
	return logging.StripOperations(f.Err).Error()
}
