package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pactline/internal/config"
	"pactline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- users ---

const userColumns = `id,cid,name,email,is_admin,active,login_timestamp,skip_confirm_templates_json,skip_done_templates_json,created_at`

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	skipConfirm, err := marshalStringSlice(u.SkipConfirmTemplates)
	if err != nil {
		return err
	}
	skipDone, err := marshalStringSlice(u.SkipDoneTemplates)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.CID, u.Name, u.Email, boolInt(u.IsAdmin), boolInt(u.Active), nullable(u.LoginTimestamp),
		skipConfirm, skipDone, u.CreatedAt)
	return err
}

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	var isAdmin, active int
	var loginTS, skipConfirm, skipDone sql.NullString
	err := scan(&u.ID, &u.CID, &u.Name, &u.Email, &isAdmin, &active, &loginTS, &skipConfirm, &skipDone, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.IsAdmin = isAdmin != 0
	u.Active = active != 0
	if loginTS.Valid {
		u.LoginTimestamp = loginTS.String
	}
	if skipConfirm.Valid {
		_ = json.Unmarshal([]byte(skipConfirm.String), &u.SkipConfirmTemplates)
	}
	if skipDone.Valid {
		_ = json.Unmarshal([]byte(skipDone.String), &u.SkipDoneTemplates)
	}
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id).Scan)
}

func (r Repo) GetUserByCID(ctx context.Context, cid string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE cid=?`, cid).Scan)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, email).Scan)
}

type UserFilters struct {
	NameContains string
	ActiveOnly   bool
}

func (r Repo) ListUsers(ctx context.Context, f UserFilters) ([]domain.User, error) {
	var clauses []string
	var args []any
	if f.NameContains != "" {
		clauses = append(clauses, "name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+f.NameContains+"%")
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users `+where+` ORDER BY name ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUser(ctx context.Context, u domain.User) error {
	skipConfirm, err := marshalStringSlice(u.SkipConfirmTemplates)
	if err != nil {
		return err
	}
	skipDone, err := marshalStringSlice(u.SkipDoneTemplates)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET name=?, email=?, is_admin=?, active=?, login_timestamp=?, skip_confirm_templates_json=?, skip_done_templates_json=? WHERE id=?`,
		u.Name, u.Email, boolInt(u.IsAdmin), boolInt(u.Active), nullable(u.LoginTimestamp), skipConfirm, skipDone, u.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteUserByEmail(ctx context.Context, email string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM users WHERE email=?`, email)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskColumns = `id,cid,template_cid,title,description,point_value,due,publish_date,partner_up_deadline,created_at`

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CID, nullableStringPtr(t.TemplateCID), t.Title, nullable(t.Description), t.PointValue,
		t.Due, t.PublishDate, t.PartnerUpDeadline, t.CreatedAt)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var templateCID, description sql.NullString
	err := scan(&t.ID, &t.CID, &templateCID, &t.Title, &description, &t.PointValue, &t.Due, &t.PublishDate, &t.PartnerUpDeadline, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if templateCID.Valid {
		t.TemplateCID = &templateCID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
	if err != nil {
		return t, err
	}
	t.CommittedUserIDs, err = r.ListCommittedUserIDs(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskByCID(ctx context.Context, cid string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE cid=?`, cid).Scan)
	if err != nil {
		return t, err
	}
	t.CommittedUserIDs, err = r.ListCommittedUserIDs(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	DueBefore       string
	DueAtOrAfter    string
	PublishedBefore string
	CommittedUserID string
	TemplateCID     string
	Limit           int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.DueBefore != "" {
		clauses = append(clauses, "due < ?")
		args = append(args, f.DueBefore)
	}
	if f.DueAtOrAfter != "" {
		clauses = append(clauses, "due >= ?")
		args = append(args, f.DueAtOrAfter)
	}
	if f.PublishedBefore != "" {
		clauses = append(clauses, "publish_date <= ?")
		args = append(args, f.PublishedBefore)
	}
	if f.CommittedUserID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM task_commitments c WHERE c.task_id=tasks.id AND c.user_id=?)")
		args = append(args, f.CommittedUserID)
	}
	if f.TemplateCID != "" {
		clauses = append(clauses, "template_cid=?")
		args = append(args, f.TemplateCID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY due ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].CommittedUserIDs, err = r.ListCommittedUserIDs(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) DeleteTaskByCID(ctx context.Context, cid string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE cid=?`, cid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- commitments ---

func (r Repo) AddCommitment(ctx context.Context, tx *sql.Tx, taskID, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_commitments(task_id,user_id,created_at) VALUES (?,?,?)`, taskID, userID, now)
	return err
}

func (r Repo) RemoveCommitment(ctx context.Context, tx *sql.Tx, taskID, userID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_commitments WHERE task_id=? AND user_id=?`, taskID, userID)
	return err
}

func (r Repo) ListCommittedUserIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM task_commitments WHERE task_id=? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- templates ---

const templateColumns = `id,cid,title,description,point_value,partner_up_deadline,repeat_frequency,next_publish_date,next_due_date,creation_date`

func (r Repo) InsertTemplate(ctx context.Context, t domain.TaskTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CID, t.Title, nullable(t.Description), t.PointValue, t.PartnerUpDeadline,
		t.RepeatFrequency, t.NextPublishDate, t.NextDueDate, t.CreationDate)
	return err
}

func scanTemplate(scan func(dest ...any) error) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var description sql.NullString
	err := scan(&t.ID, &t.CID, &t.Title, &description, &t.PointValue, &t.PartnerUpDeadline, &t.RepeatFrequency, &t.NextPublishDate, &t.NextDueDate, &t.CreationDate)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if description.Valid {
		t.Description = description.String
	}
	return t, err
}

func (r Repo) GetTemplateByCID(ctx context.Context, cid string) (domain.TaskTemplate, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM task_templates WHERE cid=?`, cid).Scan)
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates ORDER BY next_publish_date ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTemplateSchedule(ctx context.Context, tx *sql.Tx, cid, nextPublish, nextDue string) error {
	res, err := tx.ExecContext(ctx, `UPDATE task_templates SET next_publish_date=?, next_due_date=? WHERE cid=?`, nextPublish, nextDue, cid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- app config ---

func (r Repo) UpsertAppConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO app_config(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetAppConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM app_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
