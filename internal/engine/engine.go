package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pactline/internal/config"
	"pactline/internal/domain"
	"pactline/internal/events"
	"pactline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) graceHours() int {
	return e.Config.GraceHours()
}

func newID() string {
	return uuid.New().String()
}

// newCID derives a short public correlation id.
func newCID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// --- users ---

type UserCreateOptions struct {
	Name    string
	Email   string
	IsAdmin bool
	ActorID string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if opts.Name == "" {
		return domain.User{}, errors.New("name is required")
	}
	if opts.Email == "" {
		return domain.User{}, errors.New("email is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	u := domain.User{
		ID:        newID(),
		CID:       newCID(),
		Name:      opts.Name,
		Email:     opts.Email,
		IsAdmin:   opts.IsAdmin,
		Active:    true,
		CreatedAt: now,
	}
	if err := e.Repo.InsertUser(ctx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.appendEvent(ctx, "user.created", "user", u.CID, opts.ActorID, events.EventPayload{"email": u.Email, "is_admin": u.IsAdmin}); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) SetUserActive(ctx context.Context, userCID string, active bool, actorID string) (domain.User, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return u, err
	}
	u.Active = active
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return u, err
	}
	if err := e.appendEvent(ctx, "user.active.changed", "user", u.CID, actorID, events.EventPayload{"active": active}); err != nil {
		return u, err
	}
	return u, nil
}

func (e Engine) SetUserAdmin(ctx context.Context, userCID string, isAdmin bool, actorID string) (domain.User, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return u, err
	}
	u.IsAdmin = isAdmin
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return u, err
	}
	if err := e.appendEvent(ctx, "user.admin.changed", "user", u.CID, actorID, events.EventPayload{"is_admin": isAdmin}); err != nil {
		return u, err
	}
	return u, nil
}

// RecordLogin stamps the user's last login instant.
func (e Engine) RecordLogin(ctx context.Context, userCID string) (domain.User, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return u, err
	}
	u.LoginTimestamp = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// AddSkipConfirmTemplate appends a template cid to the user's
// skip-commit-confirmation set.
func (e Engine) AddSkipConfirmTemplate(ctx context.Context, userCID, templateCID string) (domain.User, error) {
	return e.addSkipTemplate(ctx, userCID, templateCID, false)
}

// AddSkipDoneTemplate appends a template cid to the user's
// skip-done-confirmation set; marking tasks from that template done goes
// straight to FULFILLED.
func (e Engine) AddSkipDoneTemplate(ctx context.Context, userCID, templateCID string) (domain.User, error) {
	return e.addSkipTemplate(ctx, userCID, templateCID, true)
}

func (e Engine) addSkipTemplate(ctx context.Context, userCID, templateCID string, done bool) (domain.User, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return u, err
	}
	if _, err := e.Repo.GetTemplateByCID(ctx, templateCID); err != nil {
		return u, err
	}
	set := &u.SkipConfirmTemplates
	if done {
		set = &u.SkipDoneTemplates
	}
	for _, cid := range *set {
		if cid == templateCID {
			return u, nil
		}
	}
	*set = append(*set, templateCID)
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return u, err
	}
	return u, nil
}

// --- tasks ---

type TaskCreateOptions struct {
	Title             string
	Description       string
	PointValue        int
	Due               string
	PublishDate       string
	PartnerUpDeadline string
	TemplateCID       string
	ActorID           string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.PointValue < 0 {
		return domain.Task{}, errors.New("point value must not be negative")
	}
	if _, err := time.Parse(time.RFC3339, opts.Due); err != nil {
		return domain.Task{}, fmt.Errorf("due: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if opts.PublishDate == "" {
		opts.PublishDate = now
	} else if _, err := time.Parse(time.RFC3339, opts.PublishDate); err != nil {
		return domain.Task{}, fmt.Errorf("publish date: %w", err)
	}
	if opts.PartnerUpDeadline == "" {
		opts.PartnerUpDeadline = e.defaultPartnerWindow()
	}
	t := domain.Task{
		ID:                newID(),
		CID:               newCID(),
		TemplateCID:       optionalString(opts.TemplateCID),
		Title:             opts.Title,
		Description:       opts.Description,
		PointValue:        opts.PointValue,
		Due:               opts.Due,
		PublishDate:       opts.PublishDate,
		PartnerUpDeadline: opts.PartnerUpDeadline,
		CreatedAt:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.CID, opts.ActorID, events.EventPayload{"title": t.Title, "due": t.Due}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, taskCID, actorID string) error {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTaskByCID(ctx, t.CID); err != nil {
		return err
	}
	return e.appendEvent(ctx, "task.deleted", "task", t.CID, actorID, nil)
}

func (e Engine) defaultPartnerWindow() string {
	if e.Config != nil && e.Config.Partners.DefaultWindow != "" {
		return e.Config.Partners.DefaultWindow
	}
	return domain.DeadlineOneHour
}

// Standing classifies a task relative to the current instant.
type Standing string

const (
	StandingUpcoming Standing = "upcoming"
	StandingOpen     Standing = "open"
	StandingPastDue  Standing = "past_due"
)

// TaskStanding is a pure classification from publish/due instants.
func TaskStanding(t domain.Task, now time.Time) (Standing, error) {
	publish, err := time.Parse(time.RFC3339, t.PublishDate)
	if err != nil {
		return "", fmt.Errorf("task %s publish date: %w", t.CID, err)
	}
	due, err := time.Parse(time.RFC3339, t.Due)
	if err != nil {
		return "", fmt.Errorf("task %s due: %w", t.CID, err)
	}
	switch {
	case publish.After(now):
		return StandingUpcoming, nil
	case due.Before(now):
		return StandingPastDue, nil
	default:
		return StandingOpen, nil
	}
}

// OpenTasks lists published tasks that are not yet due.
func (e Engine) OpenTasks(ctx context.Context) ([]domain.Task, error) {
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.ListTasks(ctx, repo.TaskFilters{PublishedBefore: now, DueAtOrAfter: now})
}

// UpcomingTasks lists tasks whose publish date is still in the future.
func (e Engine) UpcomingTasks(ctx context.Context) ([]domain.Task, error) {
	now := e.now().UTC()
	all, err := e.Repo.ListTasks(ctx, repo.TaskFilters{})
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for _, t := range all {
		s, err := TaskStanding(t, now)
		if err != nil {
			return nil, err
		}
		if s == StandingUpcoming {
			res = append(res, t)
		}
	}
	return res, nil
}

// PastTasks lists tasks already past due.
func (e Engine) PastTasks(ctx context.Context) ([]domain.Task, error) {
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.ListTasks(ctx, repo.TaskFilters{DueBefore: now})
}

// MyTasks lists published, not-yet-due tasks the user has committed to.
func (e Engine) MyTasks(ctx context.Context, userCID string) ([]domain.Task, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.ListTasks(ctx, repo.TaskFilters{PublishedBefore: now, DueAtOrAfter: now, CommittedUserID: u.ID})
}

// MyPastTasks lists past-due tasks the user had committed to.
func (e Engine) MyPastTasks(ctx context.Context, userCID string) ([]domain.Task, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.ListTasks(ctx, repo.TaskFilters{DueBefore: now, CommittedUserID: u.ID})
}

// RequestedPartnerTasks lists open tasks on which someone has requested the
// user as a partner and the request is still pending.
func (e Engine) RequestedPartnerTasks(ctx context.Context, userCID string) ([]domain.Task, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return nil, err
	}
	conns, err := e.Repo.ListConnections(ctx, repo.ConnectionFilters{
		TouchingUserID: u.ID,
		Types:          []string{domain.ConnectionRequested},
	})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var res []domain.Task
	for _, c := range conns {
		if c.ToID != u.ID || seen[c.TaskID] {
			continue
		}
		seen[c.TaskID] = true
		t, err := e.Repo.GetTask(ctx, c.TaskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// --- templates ---

type TemplateCreateOptions struct {
	Title             string
	Description       string
	PointValue        int
	PartnerUpDeadline string
	RepeatFrequency   string
	NextPublishDate   string
	NextDueDate       string
	ActorID           string
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.TaskTemplate, error) {
	if opts.Title == "" {
		return domain.TaskTemplate{}, errors.New("title is required")
	}
	switch opts.RepeatFrequency {
	case domain.RepeatDaily, domain.RepeatWeekly, domain.RepeatBiweekly, domain.RepeatMonthly:
	default:
		return domain.TaskTemplate{}, fmt.Errorf("unknown repeat frequency %q", opts.RepeatFrequency)
	}
	if _, err := time.Parse(time.RFC3339, opts.NextPublishDate); err != nil {
		return domain.TaskTemplate{}, fmt.Errorf("next publish date: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, opts.NextDueDate); err != nil {
		return domain.TaskTemplate{}, fmt.Errorf("next due date: %w", err)
	}
	if opts.PartnerUpDeadline == "" {
		opts.PartnerUpDeadline = e.defaultPartnerWindow()
	}
	t := domain.TaskTemplate{
		ID:                newID(),
		CID:               newCID(),
		Title:             opts.Title,
		Description:       opts.Description,
		PointValue:        opts.PointValue,
		PartnerUpDeadline: opts.PartnerUpDeadline,
		RepeatFrequency:   opts.RepeatFrequency,
		NextPublishDate:   opts.NextPublishDate,
		NextDueDate:       opts.NextDueDate,
		CreationDate:      e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTemplate(ctx, t); err != nil {
		return domain.TaskTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.appendEvent(ctx, "template.created", "template", t.CID, opts.ActorID, events.EventPayload{"title": t.Title, "repeat": t.RepeatFrequency}); err != nil {
		return domain.TaskTemplate{}, err
	}
	return t, nil
}

func advance(ts string, freq string) (string, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "", err
	}
	switch freq {
	case domain.RepeatDaily:
		t = t.Add(24 * time.Hour)
	case domain.RepeatWeekly:
		t = t.Add(7 * 24 * time.Hour)
	case domain.RepeatBiweekly:
		t = t.Add(14 * 24 * time.Hour)
	case domain.RepeatMonthly:
		t = t.AddDate(0, 1, 0)
	default:
		return "", fmt.Errorf("unknown repeat frequency %q", freq)
	}
	return t.Format(time.RFC3339), nil
}

// PublishFromTemplate creates the template's next occurrence as a task and
// advances the template schedule, in one transaction.
func (e Engine) PublishFromTemplate(ctx context.Context, templateCID, actorID string) (domain.Task, error) {
	tpl, err := e.Repo.GetTemplateByCID(ctx, templateCID)
	if err != nil {
		return domain.Task{}, err
	}
	nextPublish, err := advance(tpl.NextPublishDate, tpl.RepeatFrequency)
	if err != nil {
		return domain.Task{}, err
	}
	nextDue, err := advance(tpl.NextDueDate, tpl.RepeatFrequency)
	if err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:                newID(),
		CID:               newCID(),
		TemplateCID:       &tpl.CID,
		Title:             tpl.Title,
		Description:       tpl.Description,
		PointValue:        tpl.PointValue,
		Due:               tpl.NextDueDate,
		PublishDate:       tpl.NextPublishDate,
		PartnerUpDeadline: tpl.PartnerUpDeadline,
		CreatedAt:         e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Repo.UpdateTemplateSchedule(ctx, tx, tpl.CID, nextPublish, nextDue); err != nil {
		return domain.Task{}, fmt.Errorf("advance template: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.published", "task", t.CID, actorID, events.EventPayload{"template_cid": tpl.CID, "due": t.Due}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// --- helpers ---

// appendEvent wraps a single event append in its own transaction, for
// operations whose state change is a single write.
func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
