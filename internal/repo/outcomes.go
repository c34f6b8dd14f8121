package repo

import (
	"context"
	"database/sql"
	"strings"

	"pactline/internal/domain"
)

const outcomeColumns = `id,cid,task_id,user_id,type,created_at,updated_at`

// UpsertOutcomeTx writes the outcome for (task, user). The UNIQUE(task_id,
// user_id) key makes a second write for the same pair an update of the
// existing row, never a new one.
func (r Repo) UpsertOutcomeTx(ctx context.Context, tx *sql.Tx, o domain.Outcome) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outcomes(`+outcomeColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id,user_id) DO UPDATE SET type=excluded.type, updated_at=excluded.updated_at`,
		o.ID, o.CID, o.TaskID, o.UserID, o.Type, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) UpdateOutcomeTypeTx(ctx context.Context, tx *sql.Tx, id, newType, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE outcomes SET type=?, updated_at=? WHERE id=?`, newType, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOutcome(scan func(dest ...any) error) (domain.Outcome, error) {
	var o domain.Outcome
	err := scan(&o.ID, &o.CID, &o.TaskID, &o.UserID, &o.Type, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// GetOutcome returns the single outcome for a (task, user) pair.
func (r Repo) GetOutcome(ctx context.Context, taskID, userID string) (domain.Outcome, error) {
	return scanOutcome(r.DB.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE task_id=? AND user_id=?`, taskID, userID).Scan)
}

func (r Repo) GetOutcomeByCID(ctx context.Context, cid string) (domain.Outcome, error) {
	return scanOutcome(r.DB.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE cid=?`, cid).Scan)
}

type OutcomeFilters struct {
	TaskID  string
	UserID  string
	UserIDs []string
	Types   []string
}

func (r Repo) ListOutcomes(ctx context.Context, f OutcomeFilters) ([]domain.Outcome, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if len(f.UserIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.UserIDs)), ",")
		clauses = append(clauses, "user_id IN ("+placeholders+")")
		for _, id := range f.UserIDs {
			args = append(args, id)
		}
	}
	if len(f.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")
		clauses = append(clauses, "type IN ("+placeholders+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
