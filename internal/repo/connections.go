package repo

import (
	"context"
	"database/sql"
	"strings"

	"pactline/internal/domain"
)

const connectionColumns = `id,cid,task_id,from_id,from_cid,from_name,to_id,to_cid,to_name,type,created_at`

func (r Repo) InsertConnection(ctx context.Context, tx *sql.Tx, c domain.Connection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO connections(`+connectionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CID, c.TaskID, c.FromID, c.FromCID, c.FromName, c.ToID, c.ToCID, c.ToName, c.Type, c.CreatedAt)
	return err
}

func scanConnection(scan func(dest ...any) error) (domain.Connection, error) {
	var c domain.Connection
	err := scan(&c.ID, &c.CID, &c.TaskID, &c.FromID, &c.FromCID, &c.FromName, &c.ToID, &c.ToCID, &c.ToName, &c.Type, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetConnectionByCID(ctx context.Context, cid string) (domain.Connection, error) {
	return scanConnection(r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE cid=?`, cid).Scan)
}

type ConnectionFilters struct {
	TaskID string
	// TouchingUserID matches connections where the user is on either side.
	TouchingUserID string
	Types          []string
}

func connectionWhere(f ConnectionFilters) (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.TouchingUserID != "" {
		clauses = append(clauses, "(from_id=? OR to_id=?)")
		args = append(args, f.TouchingUserID, f.TouchingUserID)
	}
	if len(f.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")
		clauses = append(clauses, "type IN ("+placeholders+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) ListConnections(ctx context.Context, f ConnectionFilters) ([]domain.Connection, error) {
	where, args := connectionWhere(f)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r Repo) ListConnectionsTx(ctx context.Context, tx *sql.Tx, f ConnectionFilters) ([]domain.Connection, error) {
	where, args := connectionWhere(f)
	rows, err := tx.QueryContext(ctx, `SELECT `+connectionColumns+` FROM connections `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConnections(rows)
}

func collectConnections(rows *sql.Rows) ([]domain.Connection, error) {
	var res []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountTaskConnectionsTx counts connections on a task touching the user on
// either side, inside the caller's transaction so capacity checks and the
// subsequent insert observe the same state.
func (r Repo) CountTaskConnectionsTx(ctx context.Context, tx *sql.Tx, taskID, userID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections WHERE task_id=? AND (from_id=? OR to_id=?)`,
		taskID, userID, userID).Scan(&n)
	return n, err
}

func (r Repo) UpdateConnectionTypeTx(ctx context.Context, tx *sql.Tx, id, newType string) error {
	res, err := tx.ExecContext(ctx, `UPDATE connections SET type=? WHERE id=?`, newType, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceConnectionTx rewrites both sides and the type of an existing row,
// keeping its id and cid. Used to normalize BROKE_WITH direction.
func (r Repo) ReplaceConnectionTx(ctx context.Context, tx *sql.Tx, c domain.Connection) error {
	res, err := tx.ExecContext(ctx, `UPDATE connections SET from_id=?, from_cid=?, from_name=?, to_id=?, to_cid=?, to_name=?, type=? WHERE id=?`,
		c.FromID, c.FromCID, c.FromName, c.ToID, c.ToCID, c.ToName, c.Type, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteConnectionTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
