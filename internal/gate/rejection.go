package gate

import (
	"fmt"
	"strings"
)

// RejectionKind enumerates the validation failures the gate can report.
// Every kind is terminal for the call and is written to the audit trail.
type RejectionKind string

const (
	RejectApprovalNotFound       RejectionKind = "approval-not-found"
	RejectStaleDraftHash         RejectionKind = "stale-draft-hash"
	RejectStalePlanHash          RejectionKind = "stale-plan-hash"
	RejectActionNotApproved      RejectionKind = "action-not-approved"
	RejectConfirmationRequired   RejectionKind = "confirmation-required"
	RejectConfirmationIncomplete RejectionKind = "confirmation-incomplete"
	RejectHighRiskNotConfirmed   RejectionKind = "high-risk-not-confirmed"
)

// Rejection is a typed validation failure. MissingIDs is populated for
// confirmation-incomplete so the caller knows exactly what to confirm.
type Rejection struct {
	Kind       RejectionKind
	Reason     string
	MissingIDs []string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if len(r.MissingIDs) > 0 {
		return fmt.Sprintf("%s: %s (unconfirmed: %s)", r.Kind, r.Reason, strings.Join(r.MissingIDs, ", "))
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

func reject(kind RejectionKind, format string, args ...interface{}) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ExecutorError wraps a failure inside the dispatched tool, including a
// recovered panic. It is recorded in the audit as outcome=error.
type ExecutorError struct {
	ToolName string
	Err      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s failed: %v", e.ToolName, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}
