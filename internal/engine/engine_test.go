package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/engine/gate"
	"pactline/internal/migrate"
	"pactline/internal/repo"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return baseTime }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) user(t *testing.T, name, email string) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Name: name, Email: email, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return u
}

func (env *testEnv) task(t *testing.T, title string, points int, due time.Time, window string) domain.Task {
	t.Helper()
	tk, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Title:             title,
		PointValue:        points,
		Due:               due.Format(time.RFC3339),
		PartnerUpDeadline: window,
		ActorID:           "tester",
	})
	if err != nil {
		t.Fatalf("create task %s: %v", title, err)
	}
	return tk
}

func TestPartnerRequestConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if conn.Type != domain.ConnectionRequested {
		t.Fatalf("expected REQUESTED, got %s", conn.Type)
	}
	if conn.FromCID != alice.CID || conn.ToCID != bob.CID {
		t.Fatalf("unexpected direction: %s -> %s", conn.FromCID, conn.ToCID)
	}

	// the requester cannot confirm their own request
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, alice.CID); err == nil {
		t.Fatalf("expected confirm by requester to fail")
	}
	confirmed, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Type != domain.ConnectionConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", confirmed.Type)
	}
	// confirming again is an invalid transition
	var inv engine.InvalidTransitionError
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID); !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestSelfPartnerRejected(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)
	if _, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, alice.CID); err == nil {
		t.Fatalf("expected self-request to fail")
	}
}

func TestPartnerCapacity(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	carla := env.user(t, "Carla", "carla@test.local")
	dan := env.user(t, "Dan", "dan@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	if _, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID); err != nil {
		t.Fatalf("request 1: %v", err)
	}
	if _, err := env.Engine.RequestPartner(env.Ctx, task.CID, carla.CID, alice.CID); err != nil {
		t.Fatalf("request 2: %v", err)
	}
	// alice now touches two connections on the task
	var capErr engine.CapacityExceededError
	_, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, dan.CID)
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityExceededError, got %v", err)
	}
	if capErr.UserCID != alice.CID {
		t.Fatalf("expected capacity error for %s, got %s", alice.CID, capErr.UserCID)
	}
	// dan is unaffected and can still partner with carla... but carla
	// holds one connection only, so this passes the check
	if _, err := env.Engine.RequestPartner(env.Ctx, task.CID, dan.CID, carla.CID); err != nil {
		t.Fatalf("request 3: %v", err)
	}
}

func TestDenyAndCancelAuthorization(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DenyPartner(env.Ctx, conn.CID, alice.CID); err == nil {
		t.Fatalf("expected deny by requester to fail")
	}
	if err := env.Engine.CancelPartner(env.Ctx, conn.CID, bob.CID); err == nil {
		t.Fatalf("expected cancel by candidate to fail")
	}
	if err := env.Engine.DenyPartner(env.Ctx, conn.CID, bob.CID); err != nil {
		t.Fatalf("deny: %v", err)
	}
	// denial deletes the connection
	if _, err := env.Engine.Repo.GetConnectionByCID(env.Ctx, conn.CID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected connection gone, got %v", err)
	}
}

func TestPartnerWindowGate(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	// due in 7h, SIX_HOURS window: requests close one hour from now
	task := env.task(t, "Run", 1, baseTime.Add(7*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatalf("request inside window: %v", err)
	}
	env.Engine.Now = func() time.Time { return baseTime.Add(2 * time.Hour) }
	var dl gate.DeadlineError
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID); !errors.As(err, &dl) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if dl.Window != gate.PartnerWindow {
		t.Fatalf("expected partner window, got %s", dl.Window)
	}
	carla := env.user(t, "Carla", "carla@test.local")
	if _, err := env.Engine.RequestPartner(env.Ctx, task.CID, carla.CID, bob.CID); !errors.As(err, &dl) {
		t.Fatalf("expected DeadlineError on late request, got %v", err)
	}
}

func TestCompletionWindowGate(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	// past due but inside the 48h grace
	inGrace := env.task(t, "Recent", 1, baseTime.Add(-24*time.Hour), domain.DeadlineTwoHours)
	if _, err := env.Engine.MarkDone(env.Ctx, inGrace.CID, alice.CID); err != nil {
		t.Fatalf("mark done inside grace: %v", err)
	}
	// grace expired
	stale := env.task(t, "Stale", 1, baseTime.Add(-72*time.Hour), domain.DeadlineTwoHours)
	var dl gate.DeadlineError
	if _, err := env.Engine.MarkDone(env.Ctx, stale.CID, alice.CID); !errors.As(err, &dl) {
		t.Fatalf("expected DeadlineError, got %v", err)
	}
	if dl.Window != gate.CompletionWindow {
		t.Fatalf("expected completion window, got %s", dl.Window)
	}
}

func TestBreakNormalizesDirection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID); err != nil {
		t.Fatal(err)
	}
	// bob is the to side, so breaking must flip the connection
	out, err := env.Engine.BreakPartnership(env.Ctx, task.CID, bob.CID)
	if err != nil {
		t.Fatalf("break: %v", err)
	}
	if out.Type != domain.OutcomeBroken {
		t.Fatalf("expected BROKEN outcome, got %s", out.Type)
	}
	got, err := env.Engine.Repo.GetConnectionByCID(env.Ctx, conn.CID)
	if err != nil {
		t.Fatalf("reload connection: %v", err)
	}
	if got.Type != domain.ConnectionBrokeWith {
		t.Fatalf("expected BROKE_WITH, got %s", got.Type)
	}
	if got.FromCID != bob.CID || got.ToCID != alice.CID {
		t.Fatalf("expected breaker on from side, got %s -> %s", got.FromCID, got.ToCID)
	}
}

func TestBreakAbandonsPendingRequests(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BreakPartnership(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatalf("break: %v", err)
	}
	if _, err := env.Engine.Repo.GetConnectionByCID(env.Ctx, conn.CID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected pending request abandoned, got %v", err)
	}
}

func TestRemoveBrokenPartnership(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	// only BROKE_WITH connections can be removed
	if err := env.Engine.RemoveBrokenPartnership(env.Ctx, conn.CID, bob.CID); err == nil {
		t.Fatalf("expected remove of pending request to fail")
	}
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BreakPartnership(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveBrokenPartnership(env.Ctx, conn.CID, bob.CID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.Engine.Repo.GetConnectionByCID(env.Ctx, conn.CID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected connection gone, got %v", err)
	}
}

func TestOutcomeUniquePerUserAndTask(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	if _, err := env.Engine.MarkDone(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	// marking broken afterwards replaces, never duplicates
	out, err := env.Engine.MarkBroken(env.Ctx, task.CID, alice.CID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != domain.OutcomeBroken {
		t.Fatalf("expected BROKEN, got %s", out.Type)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM outcomes WHERE task_id=?`, task.ID)
	if err != nil {
		t.Fatalf("query outcomes: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 1 {
		t.Fatalf("expected a single outcome row, got %d", count)
	}
}

func TestWithdrawBlockedByOutcome(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	if _, err := env.Engine.CommitToTask(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.WithdrawFromTask(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatalf("withdraw before outcome: %v", err)
	}
	if _, err := env.Engine.CommitToTask(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkDone(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	var inv engine.InvalidTransitionError
	if _, err := env.Engine.WithdrawFromTask(env.Ctx, task.CID, alice.CID); !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestReviewOutcome(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	admin := env.user(t, "Admin", "admin@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	out, err := env.Engine.MarkDone(env.Ctx, task.CID, alice.CID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != domain.OutcomePending {
		t.Fatalf("expected PENDING, got %s", out.Type)
	}
	// self-review is rejected
	if _, err := env.Engine.ReviewOutcome(env.Ctx, out.CID, domain.OutcomeFulfilled, alice.CID); err == nil {
		t.Fatalf("expected self-review to fail")
	}
	reviewed, err := env.Engine.ReviewOutcome(env.Ctx, out.CID, domain.OutcomeFulfilled, admin.CID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if reviewed.Type != domain.OutcomeFulfilled {
		t.Fatalf("expected FULFILLED, got %s", reviewed.Type)
	}
	// reviewing to the current type again is a no-op
	if _, err := env.Engine.ReviewOutcome(env.Ctx, out.CID, domain.OutcomeFulfilled, admin.CID); err != nil {
		t.Fatalf("idempotent review: %v", err)
	}
	// any other transition from a settled state is invalid
	var inv engine.InvalidTransitionError
	if _, err := env.Engine.ReviewOutcome(env.Ctx, out.CID, domain.OutcomeBroken, admin.CID); !errors.As(err, &inv) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestReviewBrokenRelabelsConnections(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	admin := env.user(t, "Admin", "admin@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	conn, err := env.Engine.RequestPartner(env.Ctx, task.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.MarkDone(env.Ctx, task.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReviewOutcome(env.Ctx, out.CID, domain.OutcomeBroken, admin.CID); err != nil {
		t.Fatalf("review to broken: %v", err)
	}
	got, err := env.Engine.Repo.GetConnectionByCID(env.Ctx, conn.CID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != domain.ConnectionBrokeWith {
		t.Fatalf("expected BROKE_WITH, got %s", got.Type)
	}
	if got.FromCID != bob.CID {
		t.Fatalf("expected subject on from side, got %s", got.FromCID)
	}
}

func TestSkipDoneTemplateGoesStraightToFulfilled(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Title:           "Daily run",
		PointValue:      1,
		RepeatFrequency: domain.RepeatDaily,
		NextPublishDate: baseTime.Format(time.RFC3339),
		NextDueDate:     baseTime.Add(24 * time.Hour).Format(time.RFC3339),
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.PublishFromTemplate(env.Ctx, tpl.CID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddSkipDoneTemplate(env.Ctx, alice.CID, tpl.CID); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.MarkDone(env.Ctx, task.CID, alice.CID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != domain.OutcomeFulfilled {
		t.Fatalf("expected FULFILLED without review, got %s", out.Type)
	}
}

func TestTemplatePublishAdvancesSchedule(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Title:           "Weekly review",
		PointValue:      2,
		RepeatFrequency: domain.RepeatWeekly,
		NextPublishDate: baseTime.Format(time.RFC3339),
		NextDueDate:     baseTime.Add(48 * time.Hour).Format(time.RFC3339),
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.PublishFromTemplate(env.Ctx, tpl.CID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if task.Due != tpl.NextDueDate || task.PublishDate != tpl.NextPublishDate {
		t.Fatalf("task should carry the template's current schedule")
	}
	if task.TemplateCID == nil || *task.TemplateCID != tpl.CID {
		t.Fatalf("task should reference its template")
	}
	reloaded, err := env.Engine.Repo.GetTemplateByCID(env.Ctx, tpl.CID)
	if err != nil {
		t.Fatal(err)
	}
	wantPublish := baseTime.Add(7 * 24 * time.Hour).Format(time.RFC3339)
	if reloaded.NextPublishDate != wantPublish {
		t.Fatalf("expected schedule advanced to %s, got %s", wantPublish, reloaded.NextPublishDate)
	}
}

func TestScoreAggregation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	bob := env.user(t, "Bob", "bob@test.local")
	admin := env.user(t, "Admin", "admin@test.local")

	solo := env.task(t, "Solo", 1, baseTime.Add(24*time.Hour), domain.DeadlineTwoHours)
	paired := env.task(t, "Paired", 2, baseTime.Add(24*time.Hour), domain.DeadlineTwoHours)

	out, err := env.Engine.MarkDone(env.Ctx, solo.CID, alice.CID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReviewOutcome(env.Ctx, out.CID, domain.OutcomeFulfilled, admin.CID); err != nil {
		t.Fatal(err)
	}

	conn, err := env.Engine.RequestPartner(env.Ctx, paired.CID, alice.CID, bob.CID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmPartner(env.Ctx, conn.CID, bob.CID); err != nil {
		t.Fatal(err)
	}
	for _, u := range []domain.User{alice, bob} {
		o, err := env.Engine.MarkDone(env.Ctx, paired.CID, u.CID)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.ReviewOutcome(env.Ctx, o.CID, domain.OutcomeFulfilled, admin.CID); err != nil {
			t.Fatal(err)
		}
	}

	report, err := env.Engine.Score(env.Ctx, alice.CID)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// 1 alone, plus 2 base and 2 bonus for the corroborated task
	if report.Total != 5 {
		t.Fatalf("expected total 5, got %d", report.Total)
	}
	if report.TasksDoneAlone != 1 || report.TasksDoneWithAPartner != 1 {
		t.Fatalf("expected 1 alone / 1 partnered, got %d / %d", report.TasksDoneAlone, report.TasksDoneWithAPartner)
	}
}

func TestPartnerCandidatesRanking(t *testing.T) {
	env := newTestEnv(t)
	searcher := env.user(t, "Searcher", "searcher@test.local")
	env.user(t, "Annabel", "annabel@test.local")
	env.user(t, "Anna", "anna@test.local")
	env.user(t, "Joanna", "joanna@test.local")
	inactive := env.user(t, "Anne", "anne@test.local")
	if _, err := env.Engine.SetUserActive(env.Ctx, inactive.CID, false, "tester"); err != nil {
		t.Fatal(err)
	}
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)

	got, err := env.Engine.PartnerCandidates(env.Ctx, task.CID, searcher.CID, "ann")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	names := make([]string, 0, len(got))
	for _, c := range got {
		names = append(names, c.Name)
	}
	// prefix matches first, shorter names first, inactive users excluded
	want := []string{"Anna", "Annabel", "Joanna"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "Alice", "alice@test.local")
	task := env.task(t, "Run", 1, baseTime.Add(48*time.Hour), domain.DeadlineSixHours)
	if _, err := env.Engine.CommitToTask(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkDone(env.Ctx, task.CID, alice.CID); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, task.CID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected create, commit, and outcome events, got %d", count)
	}
}
