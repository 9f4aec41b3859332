package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/TeamForge/internal/domain/run"
	"github.com/Strob0t/TeamForge/internal/domain/workflow"
)

const runColumns = `id::text, workflow_id, workflow_version, tenant_id, team_id, owner_id, definition,
	input_data, step_inputs, status, progress, output, error_message,
	created_at, started_at, completed_at, estimated_completion`

const stepColumns = `execution_id::text, position, agent_id, agent_version, role, capability, status,
	input, output, error, error_kind, retry_count, credential_uses, started_at, completed_at`

func scanRun(row scannable) (run.Run, error) {
	var (
		r                                        run.Run
		def, input, stepInputs, progress, output []byte
	)
	err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkflowVersion, &r.TenantID, &r.TeamID, &r.OwnerID, &def,
		&input, &stepInputs, &r.Status, &progress, &output, &r.ErrorMessage,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.EstimatedCompletion)
	if err != nil {
		return r, err
	}
	r.Definition = &workflow.Definition{}
	if err := json.Unmarshal(def, r.Definition); err != nil {
		return r, fmt.Errorf("decode definition: %w", err)
	}
	if len(stepInputs) > 0 {
		if err := json.Unmarshal(stepInputs, &r.StepInputs); err != nil {
			return r, fmt.Errorf("decode step inputs: %w", err)
		}
	}
	if err := json.Unmarshal(progress, &r.Progress); err != nil {
		return r, fmt.Errorf("decode progress: %w", err)
	}
	r.InputData = input
	r.Output = output
	return r, nil
}

func scanStep(row scannable) (string, run.Step, error) {
	var (
		runID         string
		st            run.Step
		input, output []byte
		uses          []byte
	)
	err := row.Scan(&runID, &st.Position, &st.AgentID, &st.AgentVersion, &st.Role, &st.Capability, &st.Status,
		&input, &output, &st.Error, &st.ErrorKind, &st.RetryCount, &uses, &st.StartedAt, &st.CompletedAt)
	if err != nil {
		return "", st, err
	}
	if err := json.Unmarshal(uses, &st.CredentialUses); err != nil {
		return "", st, fmt.Errorf("decode credential uses: %w", err)
	}
	if len(st.CredentialUses) == 0 {
		st.CredentialUses = nil
	}
	st.Input = input
	st.Output = output
	return runID, st, nil
}

// runHeaderArgs returns the mutable header columns shared by create and update.
func runHeaderArgs(r *run.Run) (progress, stepInputs []byte, err error) {
	progress, err = json.Marshal(r.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal progress: %w", err)
	}
	if len(r.StepInputs) > 0 {
		stepInputs, err = json.Marshal(r.StepInputs)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal step inputs: %w", err)
		}
	}
	return progress, stepInputs, nil
}

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	def, err := json.Marshal(r.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	progress, stepInputs, err := runHeaderArgs(r)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO executions (id, workflow_id, workflow_version, tenant_id, team_id, owner_id, definition,
			                         input_data, step_inputs, status, progress, output, error_message,
			                         created_at, started_at, completed_at, estimated_completion)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			r.ID, r.WorkflowID, r.WorkflowVersion, r.TenantID, r.TeamID, r.OwnerID, def,
			nullJSON(r.InputData), stepInputs, string(r.Status), progress, nullJSON(r.Output), r.ErrorMessage,
			r.CreatedAt, r.StartedAt, r.CompletedAt, r.EstimatedCompletion)
		if err != nil {
			return fmt.Errorf("create run %s: %w", r.ID, err)
		}
		return upsertSteps(ctx, tx, r)
	})
}

func (s *Store) UpdateRun(ctx context.Context, r *run.Run) error {
	progress, stepInputs, err := runHeaderArgs(r)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE executions SET status = $2, progress = $3, output = $4, error_message = $5,
			        started_at = $6, completed_at = $7, estimated_completion = $8, step_inputs = $9
			 WHERE id = $1`,
			r.ID, string(r.Status), progress, nullJSON(r.Output), r.ErrorMessage,
			r.StartedAt, r.CompletedAt, r.EstimatedCompletion, stepInputs)
		if err := execExpectOne(tag, err, "update run %s", r.ID); err != nil {
			return err
		}
		return upsertSteps(ctx, tx, r)
	})
}

func upsertSteps(ctx context.Context, tx pgx.Tx, r *run.Run) error {
	batch := &pgx.Batch{}
	for i := range r.Steps {
		st := &r.Steps[i]
		uses, err := json.Marshal(orEmpty(st.CredentialUses))
		if err != nil {
			return fmt.Errorf("marshal credential uses: %w", err)
		}
		batch.Queue(
			`INSERT INTO execution_steps (execution_id, position, agent_id, agent_version, role, capability, status,
			                              input, output, error, error_kind, retry_count, credential_uses,
			                              started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 ON CONFLICT (execution_id, position) DO UPDATE SET
			    status = EXCLUDED.status, input = EXCLUDED.input, output = EXCLUDED.output,
			    error = EXCLUDED.error, error_kind = EXCLUDED.error_kind, retry_count = EXCLUDED.retry_count,
			    credential_uses = EXCLUDED.credential_uses, started_at = EXCLUDED.started_at,
			    completed_at = EXCLUDED.completed_at`,
			r.ID, st.Position, st.AgentID, st.AgentVersion, string(st.Role), st.Capability, string(st.Status),
			nullJSON(st.Input), nullJSON(st.Output), st.Error, string(st.ErrorKind), st.RetryCount, uses,
			st.StartedAt, st.CompletedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write steps of run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	runs := []run.Run{r}
	if err := s.attachSteps(ctx, runs); err != nil {
		return nil, err
	}
	return &runs[0], nil
}

// ListRuns returns one page ordered by creation time, and the number of matching runs.
func (s *Store) ListRuns(ctx context.Context, f run.ListFilter) ([]run.Run, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	add("tenant_id", f.TenantID)
	add("status", string(f.Status))
	add("team_id", f.TeamID)
	add("workflow_id", f.WorkflowID)

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM executions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM executions%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
			runColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := s.attachSteps(ctx, runs); err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM executions WHERE status IN ('pending', 'running') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachSteps(ctx, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func collectRuns(rows pgx.Rows) ([]run.Run, error) {
	defer rows.Close()
	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return orEmpty(runs), rows.Err()
}

// attachSteps loads the steps of every run in one query.
func (s *Store) attachSteps(ctx context.Context, runs []run.Run) error {
	if len(runs) == 0 {
		return nil
	}
	ids := make([]string, len(runs))
	index := make(map[string]int, len(runs))
	for i := range runs {
		ids[i] = runs[i].ID
		index[runs[i].ID] = i
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ANY($1::uuid[]) ORDER BY execution_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		runID, st, err := scanStep(rows)
		if err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		if i, ok := index[runID]; ok {
			runs[i].Steps = append(runs[i].Steps, st)
		}
	}
	return rows.Err()
}
