package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pactline/internal/domain"
	"pactline/internal/engine/gate"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// CommitToTask records the user's commitment to a task. Committing twice is
// a no-op.
func (e Engine) CommitToTask(ctx context.Context, taskCID, userCID string) (domain.Task, error) {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return t, err
	}
	if err := gate.Check(gate.CompletionWindow, t, e.graceHours(), e.now()); err != nil {
		return t, err
	}
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.AddCommitment(ctx, tx, t.ID, u.ID, now); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.committed", "task", t.CID, u.CID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTaskByCID(ctx, taskCID)
}

// WithdrawFromTask removes the user's commitment while no outcome exists.
func (e Engine) WithdrawFromTask(ctx context.Context, taskCID, userCID string) (domain.Task, error) {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return t, err
	}
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return t, err
	}
	if o, err := e.Repo.GetOutcome(ctx, t.ID, u.ID); err == nil {
		return t, InvalidTransitionError{Entity: "commitment", From: o.Type, To: "<withdrawn>", Reason: "an outcome already exists"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveCommitment(ctx, tx, t.ID, u.ID); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.withdrawn", "task", t.CID, u.CID, nil); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTaskByCID(ctx, taskCID)
}

// MarkDone records the user's completion claim: PENDING awaiting review, or
// FULFILLED directly when the task's template is in the user's
// skip-done-confirmation set.
func (e Engine) MarkDone(ctx context.Context, taskCID, userCID string) (domain.Outcome, error) {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if err := gate.Check(gate.CompletionWindow, t, e.graceHours(), e.now()); err != nil {
		return domain.Outcome{}, err
	}
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return domain.Outcome{}, err
	}
	outcomeType := domain.OutcomePending
	if t.TemplateCID != nil {
		for _, cid := range u.SkipDoneTemplates {
			if cid == *t.TemplateCID {
				outcomeType = domain.OutcomeFulfilled
				break
			}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.Outcome{
		ID:        newID(),
		CID:       newCID(),
		TaskID:    t.ID,
		UserID:    u.ID,
		Type:      outcomeType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOutcomeTx(ctx, tx, o); err != nil {
		return domain.Outcome{}, fmt.Errorf("upsert outcome: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "outcome.recorded", "task", t.CID, u.CID, events.EventPayload{"type": outcomeType}); err != nil {
		return domain.Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Outcome{}, err
	}
	return e.Repo.GetOutcome(ctx, t.ID, u.ID)
}

// MarkBroken records a broken commitment; this runs the full
// partnership-breaking sequence.
func (e Engine) MarkBroken(ctx context.Context, taskCID, userCID string) (domain.Outcome, error) {
	return e.BreakPartnership(ctx, taskCID, userCID)
}

// OutcomeFor returns the user's outcome for a task, or repo.ErrNotFound.
func (e Engine) OutcomeFor(ctx context.Context, taskCID, userCID string) (domain.Outcome, error) {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return domain.Outcome{}, err
	}
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return domain.Outcome{}, err
	}
	return e.Repo.GetOutcome(ctx, t.ID, u.ID)
}

// ReviewOutcome settles a PENDING outcome. Reviewing to the type the outcome
// already carries is a no-op; any other transition from a non-PENDING state
// is invalid. Reviewers cannot review their own outcomes. Reviewing to a
// broken type also re-labels the user's confirmed partnerships on the task.
func (e Engine) ReviewOutcome(ctx context.Context, outcomeCID, newType, reviewerCID string) (domain.Outcome, error) {
	switch newType {
	case domain.OutcomeFulfilled, domain.OutcomeBroken, domain.OutcomeBrokenOmitPartner:
	default:
		return domain.Outcome{}, fmt.Errorf("unknown outcome type %q", newType)
	}
	o, err := e.Repo.GetOutcomeByCID(ctx, outcomeCID)
	if err != nil {
		return o, err
	}
	reviewer, err := e.Repo.GetUserByCID(ctx, reviewerCID)
	if err != nil {
		return o, err
	}
	if reviewer.ID == o.UserID {
		return o, InvalidTransitionError{Entity: "outcome", From: o.Type, To: newType, Reason: "cannot review your own outcome"}
	}
	if o.Type == newType {
		return o, nil
	}
	if o.Type != domain.OutcomePending {
		return o, InvalidTransitionError{Entity: "outcome", From: o.Type, To: newType}
	}
	subject, err := e.Repo.GetUser(ctx, o.UserID)
	if err != nil {
		return o, err
	}
	t, err := e.Repo.GetTask(ctx, o.TaskID)
	if err != nil {
		return o, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateOutcomeTypeTx(ctx, tx, o.ID, newType, now); err != nil {
		return o, err
	}
	if newType == domain.OutcomeBroken {
		conns, err := e.Repo.ListConnectionsTx(ctx, tx, repo.ConnectionFilters{
			TaskID:         t.ID,
			TouchingUserID: subject.ID,
			Types:          []string{domain.ConnectionConfirmed},
		})
		if err != nil {
			return o, err
		}
		for _, c := range conns {
			if c.FromID == subject.ID {
				if err := e.Repo.UpdateConnectionTypeTx(ctx, tx, c.ID, domain.ConnectionBrokeWith); err != nil {
					return o, err
				}
				continue
			}
			flipped := c
			flipped.FromID, flipped.FromCID, flipped.FromName = subject.ID, subject.CID, subject.Name
			flipped.ToID, flipped.ToCID, flipped.ToName = c.FromID, c.FromCID, c.FromName
			flipped.Type = domain.ConnectionBrokeWith
			if err := e.Repo.ReplaceConnectionTx(ctx, tx, flipped); err != nil {
				return o, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, "outcome.reviewed", "outcome", o.CID, reviewer.CID, events.EventPayload{
		"from": o.Type, "to": newType, "task_cid": t.CID,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.Type = newType
	o.UpdatedAt = now
	return o, nil
}
