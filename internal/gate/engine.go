// Package gate is the execution policy engine. Every tool dispatch passes
// through Engine.Execute, which re-derives approval validity from content
// hashes on every call. There is no "already validated" shortcut and no
// automatic retry: tool side effects may be irreversible.
package gate

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"localflow/internal/approval"
	"localflow/internal/hashing"
	"localflow/internal/logging"
	"localflow/internal/store"
	"localflow/internal/tools"
	"localflow/internal/types"
)

// Engine validates execution requests against hash-locked approvals and
// dispatches the ones that pass.
type Engine struct {
	store    *store.LocalStore
	registry *tools.Registry
}

// NewEngine returns an Engine over the given store and tool registry.
func NewEngine(s *store.LocalStore, r *tools.Registry) *Engine {
	return &Engine{store: s, registry: r}
}

// Execute runs the full validation sequence for one tool call and, when it
// passes, dispatches to the registered executor. The returned Execution is
// the audit record; err is non-nil for rejections and executor failures.
//
// Order of checks: approval exists, draft hash, plan hash, action approved,
// risk-tier confirmation. Each failure is a distinct Rejection kind and is
// persisted as outcome=rejected without dispatching.
func (e *Engine) Execute(ctx context.Context, approvalID, toolName string, toolInput map[string]interface{}, confirmation *types.Confirmation) (*types.Execution, error) {
	startedAt := time.Now().UTC()

	apr, err := e.store.GetApproval(approvalID)
	if err != nil {
		rej := reject(RejectApprovalNotFound, "approval %s not found", approvalID)
		return e.recordRejection(approvalID, toolName, toolInput, confirmation, startedAt, rej), rej
	}

	if rej := e.validate(apr, toolName, toolInput, confirmation); rej != nil {
		logging.Gate("Rejected %s on approval %s: %s", toolName, approvalID, rej.Error())
		return e.recordRejection(approvalID, toolName, toolInput, confirmation, startedAt, rej), rej
	}

	result, execErr := e.dispatch(ctx, toolName, toolInput)

	exec := &types.Execution{
		ApprovalID:   approvalID,
		ToolName:     toolName,
		ToolInput:    toolInput,
		Confirmation: confirmation,
		StartedAt:    startedAt,
	}
	if execErr != nil {
		exec.Outcome = types.OutcomeError
		exec.Reason = execErr.Error()
		exec.Result = result
	} else {
		exec.Outcome = types.OutcomeOK
		exec.Result = result
	}

	if _, auditErr := e.store.AppendExecution(exec); auditErr != nil {
		// The dispatch already happened; the trail must not be lost quietly.
		logging.Gate("AUDIT WRITE FAILED for approval %s tool %s: %v", approvalID, toolName, auditErr)
		if execErr == nil {
			return exec, fmt.Errorf("tool succeeded but audit write failed: %w", auditErr)
		}
	}

	if execErr != nil {
		return exec, execErr
	}
	logging.Gate("Executed %s on approval %s (ok)", toolName, approvalID)
	return exec, nil
}

// validate runs checks 2-5 of the sequence. Check 1 (approval exists)
// happens in Execute because it determines whether there is anything to
// validate against at all.
func (e *Engine) validate(apr *types.Approval, toolName string, toolInput map[string]interface{}, confirmation *types.Confirmation) *Rejection {
	draft, err := e.store.GetDraft(apr.DraftID)
	if err != nil {
		return reject(RejectStaleDraftHash, "draft %s no longer exists", apr.DraftID)
	}

	draftHash, err := approval.DraftDigest(draft)
	if err != nil || draftHash != apr.DraftHash {
		return reject(RejectStaleDraftHash, "draft content changed since approval")
	}

	_, planHash, err := e.store.GetToolPlan(draft.ID)
	if err != nil || planHash != apr.ToolPlanHash {
		return reject(RejectStalePlanHash, "tool plan changed since approval")
	}

	matched := matchApprovedAction(apr.ApprovedActions, toolName, toolInput)
	if matched == nil {
		return reject(RejectActionNotApproved, "action %s with this input was never approved", toolName)
	}

	risk, err := e.registry.Risk(toolName)
	if err != nil {
		// Approved but unregistered: nothing can dispatch it.
		return reject(RejectActionNotApproved, "no executor registered for %s", toolName)
	}

	switch risk {
	case types.RiskLow:
		return nil
	case types.RiskMedium, types.RiskHigh:
		if confirmation == nil {
			return reject(RejectConfirmationRequired, "%s risk tool %s requires a confirmation payload", risk, toolName)
		}
	}

	if risk == types.RiskHigh {
		missing, undeclared := confirmationIDDiff(matched.Params, confirmation.ApprovedActions)
		if len(missing) > 0 {
			rej := reject(RejectConfirmationIncomplete, "not every sub-step of %s was confirmed", toolName)
			rej.MissingIDs = missing
			return rej
		}
		if len(undeclared) > 0 {
			return reject(RejectConfirmationIncomplete, "confirmation names sub-steps %s that %s never declared", strings.Join(undeclared, ", "), toolName)
		}
		if !confirmation.AllowHighRisk {
			return reject(RejectHighRiskNotConfirmed, "allow_high_risk must be set for %s", toolName)
		}
	}
	return nil
}

// dispatch calls the registered executor, converting panics and errors
// into ExecutorError so nothing crosses the gate boundary unwrapped.
func (e *Engine) dispatch(ctx context.Context, toolName string, toolInput map[string]interface{}) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExecutorError{ToolName: toolName, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	res, execErr := e.registry.Execute(ctx, toolName, toolInput)
	if execErr != nil {
		return "", &ExecutorError{ToolName: toolName, Err: execErr}
	}
	return res.Result, nil
}

// recordRejection writes the audit record for a validation failure. Every
// rejection class is persisted, including calls naming an approval that
// never existed; the rejection still reaches the caller if the write fails.
func (e *Engine) recordRejection(approvalID, toolName string, toolInput map[string]interface{}, confirmation *types.Confirmation, startedAt time.Time, rej *Rejection) *types.Execution {
	exec := &types.Execution{
		ApprovalID:   approvalID,
		ToolName:     toolName,
		ToolInput:    toolInput,
		Confirmation: confirmation,
		Outcome:      types.OutcomeRejected,
		Reason:       rej.Error(),
		StartedAt:    startedAt,
	}
	if _, err := e.store.AppendExecution(exec); err != nil {
		logging.Gate("AUDIT WRITE FAILED for rejection on approval %s tool %s: %v", approvalID, toolName, err)
	}
	return exec
}

// matchApprovedAction finds the approved action structurally equal to the
// requested call. Equality is over canonical bytes, so key order in the
// caller's params never matters.
func matchApprovedAction(approved []types.ToolAction, toolName string, toolInput map[string]interface{}) *types.ToolAction {
	want, err := hashing.Canonicalize(toolInput)
	if err != nil {
		return nil
	}
	for i := range approved {
		if approved[i].Tool != toolName {
			continue
		}
		got, err := hashing.Canonicalize(approved[i].Params)
		if err != nil {
			continue
		}
		if bytes.Equal(want, got) {
			return &approved[i]
		}
	}
	return nil
}

// confirmationIDDiff compares declared sub-step ids against confirmed ids.
// Set equality, not subset: order never matters, but omissions and
// confirmed ids the plan never declared both count as mismatches. An
// undeclared extra usually means the confirmation came from a different
// version of the plan than the one approved.
func confirmationIDDiff(params map[string]interface{}, confirmed []string) (missing, undeclared []string) {
	confirmedSet := make(map[string]bool, len(confirmed))
	for _, id := range confirmed {
		confirmedSet[id] = true
	}

	declaredSet := make(map[string]bool)
	steps, _ := params["actions"].([]interface{})
	for _, rawStep := range steps {
		step, ok := rawStep.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := step["id"].(string)
		if id == "" {
			continue
		}
		declaredSet[id] = true
		if !confirmedSet[id] {
			missing = append(missing, id)
		}
	}
	reported := make(map[string]bool)
	for _, id := range confirmed {
		if !declaredSet[id] && !reported[id] {
			reported[id] = true
			undeclared = append(undeclared, id)
		}
	}
	return missing, undeclared
}
