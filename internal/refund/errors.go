package refund

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("refund validation failed")
	ErrNotFound            = errors.New("not found")
	ErrPartialData         = errors.New("partial ledger data")
	ErrSettlementWrite     = errors.New("settlement write failed")
	ErrAuditWrite          = errors.New("return record write failed")
	ErrSideEffect          = errors.New("side effect failed")
	ErrSettlementBusy      = errors.New("another settlement is running for this sale")
	ErrNeedsReconciliation = errors.New("sale has a settlement awaiting reconciliation")
	ErrUnauthenticated     = errors.New("no authenticated user")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned before anything is written.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) add(field string, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid refund request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SettlementWriteError is a failed balance write. It is reported as a warning;
// the rest of the settlement carries on.
type SettlementWriteError struct {
	Step     string
	Entity   string
	EntityID string
	Err      error
}

func (e *SettlementWriteError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Entity, e.EntityID, e.Step, e.Err)
}

func (e *SettlementWriteError) Unwrap() []error { return []error{ErrSettlementWrite, e.Err} }

// AuditWriteError means balances may already be adjusted but the return record
// is missing. The checkpoint keeps the pending record for reconciliation.
type AuditWriteError struct {
	CheckpointID string
	Err          error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("write return record (checkpoint %s): %v", e.CheckpointID, e.Err)
}

func (e *AuditWriteError) Unwrap() []error { return []error{ErrAuditWrite, e.Err} }

type SideEffectError struct {
	Effect string
	Err    error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Effect, e.Err)
}

func (e *SideEffectError) Unwrap() []error { return []error{ErrSideEffect, e.Err} }
