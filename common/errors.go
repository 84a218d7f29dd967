package common

import (
	"errors"

	"github.com/hermeznetwork/tracerr"
)

// Wrap attaches a stack trace to err. Wrap(nil) returns nil.
var Wrap = tracerr.Wrap

// Unwrap returns the original error wrapped by Wrap
var Unwrap = tracerr.Unwrap

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrNumOverflow is used when a given value overflows the maximum capacity of the parameter
var ErrNumOverflow = errors.New("Value overflows the type")

// ErrCapacityExceeded is used when a tree has no free leaf left
var ErrCapacityExceeded = errors.New("tree capacity exceeded")

// ErrQueueFull is used when a leaf is added to a queue that is already full
var ErrQueueFull = errors.New("queue is full")

// ErrProofMismatch is used when a merkle proof does not authenticate the
// given leaf against the current root
var ErrProofMismatch = errors.New("merkle proof does not match the current root")

// ErrBatchMismatch is used when the leaves supplied for onboarding do not
// reproduce the committed queue content
var ErrBatchMismatch = errors.New("batch does not match the committed queue")

// ErrStale is used when a forest root cache index has been rotated out of
// the root history
var ErrStale = errors.New("forest root cache index is stale")

// ErrUnknownCacheIndex is used when a forest root cache index has not been
// reached yet
var ErrUnknownCacheIndex = errors.New("forest root cache index is unknown")

// ErrNoteTooShort is used when a tx note has fewer bytes than its layout
var ErrNoteTooShort = errors.New("tx note is too short")

// ErrTxTypeMismatch is used when the leading byte of a tx note does not
// match the tx type it is decoded as
var ErrTxTypeMismatch = errors.New("tx note leading byte does not match tx type")

// ErrSegmentCountMismatch is used when a tx note does not have the number of
// segments of its layout
var ErrSegmentCountMismatch = errors.New("tx note segment count does not match its layout")

// ErrUnsupportedTxType is used when there is no segment layout for a tx type
var ErrUnsupportedTxType = errors.New("unsupported tx type")

// ErrNotEligible is used when a queue can not be onboarded yet
var ErrNotEligible = errors.New("queue is not eligible for onboarding")

// ErrInvalidID is used when a blacklist id falls in the reserved bits of a
// bitmap leaf
var ErrInvalidID = errors.New("invalid blacklist id")

// ErrQueueNotOpen is used when a leaf is added to a queue that is not Open
var ErrQueueNotOpen = errors.New("queue is not open")

// ErrQueueNotFound is used when a queue id has never been opened
var ErrQueueNotFound = errors.New("queue not found")

// ErrAlreadyOnboarded is used when a queue is onboarded a second time
var ErrAlreadyOnboarded = errors.New("queue already onboarded")

// ErrAlreadyFlagged is used when a blacklist flag is added twice
var ErrAlreadyFlagged = errors.New("blacklist flag already set")

// ErrNotFlagged is used when a blacklist flag that is not set is removed
var ErrNotFlagged = errors.New("blacklist flag not set")

// ErrInvalidParams is used when reward or reserve parameters are rejected
var ErrInvalidParams = errors.New("invalid parameters")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// ErrorClass groups errors by how a caller is expected to react to them
type ErrorClass string

const (
	// ClassNone is the class of a nil error
	ClassNone ErrorClass = ""
	// ClassCapacity errors are recovered by routing to the next queue or tree
	ClassCapacity ErrorClass = "capacity"
	// ClassIntegrity errors are never retried
	ClassIntegrity ErrorClass = "integrity"
	// ClassEligibility errors require waiting or correcting the input
	ClassEligibility ErrorClass = "eligibility"
	// ClassReplay errors guard operations that may only happen once
	ClassReplay ErrorClass = "replay"
	// ClassInternal covers storage and programming errors
	ClassInternal ErrorClass = "internal"
)

var errorClasses = map[error]ErrorClass{
	ErrCapacityExceeded:     ClassCapacity,
	ErrQueueFull:            ClassCapacity,
	ErrProofMismatch:        ClassIntegrity,
	ErrBatchMismatch:        ClassIntegrity,
	ErrStale:                ClassIntegrity,
	ErrUnknownCacheIndex:    ClassIntegrity,
	ErrNoteTooShort:         ClassIntegrity,
	ErrTxTypeMismatch:       ClassIntegrity,
	ErrUnsupportedTxType:    ClassIntegrity,
	ErrSegmentCountMismatch: ClassIntegrity,
	ErrNotInFF:              ClassIntegrity,
	ErrNotEligible:          ClassEligibility,
	ErrInvalidID:            ClassEligibility,
	ErrQueueNotOpen:         ClassEligibility,
	ErrQueueNotFound:        ClassEligibility,
	ErrInvalidParams:        ClassEligibility,
	ErrAlreadyOnboarded:     ClassReplay,
	ErrAlreadyFlagged:       ClassReplay,
	ErrNotFlagged:           ClassReplay,
}

// classifiedError is implemented by typed errors that carry their own class
type classifiedError interface {
	Class() ErrorClass
}

// ClassOf returns the ErrorClass of err
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	cause := Unwrap(err)
	if c, ok := cause.(classifiedError); ok {
		return c.Class()
	}
	for sentinel, class := range errorClasses {
		if errors.Is(cause, sentinel) {
			return class
		}
	}
	return ClassInternal
}
