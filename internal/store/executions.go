package store

import (
	"encoding/json"
	"fmt"

	"localflow/internal/types"

	"github.com/google/uuid"
)

// AppendExecution writes one audit record. Executions are append-only and
// cover every dispatch attempt, rejections included.
func (s *LocalStore) AppendExecution(exec *types.Execution) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.FinishedAt.IsZero() {
		exec.FinishedAt = utcNow()
	}

	input, err := json.Marshal(exec.ToolInput)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool input: %w", err)
	}
	var confirmation interface{}
	if exec.Confirmation != nil {
		data, err := json.Marshal(exec.Confirmation)
		if err != nil {
			return nil, fmt.Errorf("failed to encode confirmation: %w", err)
		}
		confirmation = string(data)
	}

	_, err = s.db.Exec(
		"INSERT INTO executions (id, approval_id, tool_name, tool_input, confirmation, result, outcome, reason, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		exec.ID, exec.ApprovalID, exec.ToolName, string(input), confirmation,
		exec.Result, string(exec.Outcome), exec.Reason,
		encodeTime(exec.StartedAt), encodeTime(exec.FinishedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns the audit trail for an approval in dispatch order.
func (s *LocalStore) ListExecutions(approvalID string) ([]types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, approval_id, tool_name, tool_input, confirmation, result, outcome, reason, started_at, finished_at FROM executions WHERE approval_id = ? ORDER BY started_at ASC",
		approvalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Execution
	for rows.Next() {
		var e types.Execution
		var input, outcome, startedAt, finishedAt string
		var confirmation *string
		if err := rows.Scan(&e.ID, &e.ApprovalID, &e.ToolName, &input, &confirmation, &e.Result, &outcome, &e.Reason, &startedAt, &finishedAt); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(input), &e.ToolInput); err != nil {
			e.ToolInput = map[string]interface{}{}
		}
		if confirmation != nil && *confirmation != "" {
			var c types.Confirmation
			if err := json.Unmarshal([]byte(*confirmation), &c); err == nil {
				e.Confirmation = &c
			}
		}
		e.Outcome = types.ExecutionOutcome(outcome)
		e.StartedAt = decodeTime(startedAt)
		e.FinishedAt = decodeTime(finishedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
