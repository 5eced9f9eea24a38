package domain

import (
	"errors"
	"fmt"
)

// ErrConflict marks a concurrent write that lost a conditional update. The operation is safe to retry.
var ErrConflict = errors.New("concurrent update conflict")

// InvalidInputError reports a malformed caller-supplied value.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TokenNotFoundError covers both unknown and already redeemed codes.
type TokenNotFoundError struct {
	Code string
}

func (e TokenNotFoundError) Error() string {
	return fmt.Sprintf("token %s invalid or already redeemed", e.Code)
}

type NoEligibleRecordsError struct{}

func (NoEligibleRecordsError) Error() string {
	return "no validated records available for a lot"
}

type NoRecordsSelectedError struct{}

func (NoRecordsSelectedError) Error() string {
	return "no records selected"
}

type LotNotFoundError struct {
	ID string
}

func (e LotNotFoundError) Error() string {
	return fmt.Sprintf("lot %s not found", e.ID)
}

type RecordNotFoundError struct {
	ID string
}

func (e RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %s not found", e.ID)
}

type LotAlreadySettledError struct {
	ID     string
	Status LotStatus
}

func (e LotAlreadySettledError) Error() string {
	return fmt.Sprintf("lot %s already settled (status %s)", e.ID, e.Status)
}

type RecordNotPayableError struct {
	ID     string
	Status RecordStatus
}

func (e RecordNotPayableError) Error() string {
	return fmt.Sprintf("record %s is not available for payment (status %s)", e.ID, e.Status)
}

// PersistenceError wraps a transaction or connection failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// IntegrityError reports stored rows that contradict a settlement invariant. Retrying cannot succeed.
type IntegrityError struct {
	Op  string
	Err error
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity violation: %v", e.Op, e.Err)
}

func (e IntegrityError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it is nil or already a domain error.
func Persistence(op string, err error) error {
	if err == nil || IsDomainError(err) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}

// IsDomainError reports whether err belongs to the caller-error half of the taxonomy.
func IsDomainError(err error) bool {
	var (
		invalid     InvalidInputError
		token       TokenNotFoundError
		noEligible  NoEligibleRecordsError
		noSelected  NoRecordsSelectedError
		lotMissing  LotNotFoundError
		recMissing  RecordNotFoundError
		settled     LotAlreadySettledError
		notPayable  RecordNotPayableError
		transition  TransitionError
		persistence PersistenceError
		integrity   IntegrityError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &token), errors.As(err, &noEligible),
		errors.As(err, &noSelected), errors.As(err, &lotMissing), errors.As(err, &recMissing),
		errors.As(err, &settled), errors.As(err, &notPayable), errors.As(err, &transition),
		errors.As(err, &persistence), errors.As(err, &integrity):
		return true
	}
	return false
}
