package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pactline/internal/domain"
	"pactline/internal/engine/gate"
	"pactline/internal/events"
	"pactline/internal/repo"
)

// MaxConnectionsPerUser caps partnerships at one partner per task per user:
// a user holds at most one outgoing and one incoming connection on a task.
const MaxConnectionsPerUser = 2

// RequestPartner creates a REQUESTED connection from requester to candidate.
func (e Engine) RequestPartner(ctx context.Context, taskCID, requesterCID, candidateCID string) (domain.Connection, error) {
	if requesterCID == candidateCID {
		return domain.Connection{}, errors.New("cannot request yourself as a partner")
	}
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return domain.Connection{}, err
	}
	if err := gate.Check(gate.PartnerWindow, t, e.graceHours(), e.now()); err != nil {
		return domain.Connection{}, err
	}
	requester, err := e.Repo.GetUserByCID(ctx, requesterCID)
	if err != nil {
		return domain.Connection{}, err
	}
	candidate, err := e.Repo.GetUserByCID(ctx, candidateCID)
	if err != nil {
		return domain.Connection{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connection{}, err
	}
	defer tx.Rollback()

	// Capacity check and insert share the transaction so concurrent
	// requests cannot both pass the check.
	for _, u := range []domain.User{requester, candidate} {
		n, err := e.Repo.CountTaskConnectionsTx(ctx, tx, t.ID, u.ID)
		if err != nil {
			return domain.Connection{}, err
		}
		if n >= MaxConnectionsPerUser {
			return domain.Connection{}, CapacityExceededError{TaskCID: t.CID, UserCID: u.CID}
		}
	}
	c := domain.Connection{
		ID:        newID(),
		CID:       newCID(),
		TaskID:    t.ID,
		FromID:    requester.ID,
		FromCID:   requester.CID,
		FromName:  requester.Name,
		ToID:      candidate.ID,
		ToCID:     candidate.CID,
		ToName:    candidate.Name,
		Type:      domain.ConnectionRequested,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertConnection(ctx, tx, c); err != nil {
		return domain.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "partner.requested", "connection", c.CID, requester.CID, events.EventPayload{
		"task_cid": t.CID, "to": candidate.CID,
	}); err != nil {
		return domain.Connection{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Connection{}, err
	}
	return c, nil
}

// ConfirmPartner accepts a pending request. Only the requested side may
// confirm, and only from the REQUESTED state.
func (e Engine) ConfirmPartner(ctx context.Context, connectionCID, actorCID string) (domain.Connection, error) {
	c, t, actor, err := e.connectionContext(ctx, connectionCID, actorCID)
	if err != nil {
		return c, err
	}
	if err := gate.Check(gate.PartnerWindow, t, e.graceHours(), e.now()); err != nil {
		return c, err
	}
	if c.Type != domain.ConnectionRequested {
		return c, InvalidTransitionError{Entity: "connection", From: c.Type, To: domain.ConnectionConfirmed}
	}
	if c.ToID != actor.ID {
		return c, InvalidTransitionError{Entity: "connection", From: c.Type, To: domain.ConnectionConfirmed, Reason: "only the requested user may confirm"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateConnectionTypeTx(ctx, tx, c.ID, domain.ConnectionConfirmed); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "partner.confirmed", "connection", c.CID, actor.CID, events.EventPayload{"task_cid": t.CID}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	c.Type = domain.ConnectionConfirmed
	return c, nil
}

// DenyPartner deletes a pending request; only the requested side may deny.
func (e Engine) DenyPartner(ctx context.Context, connectionCID, actorCID string) error {
	return e.dropRequested(ctx, connectionCID, actorCID, false)
}

// CancelPartner deletes a pending request; only the requester may cancel.
func (e Engine) CancelPartner(ctx context.Context, connectionCID, actorCID string) error {
	return e.dropRequested(ctx, connectionCID, actorCID, true)
}

func (e Engine) dropRequested(ctx context.Context, connectionCID, actorCID string, byRequester bool) error {
	c, t, actor, err := e.connectionContext(ctx, connectionCID, actorCID)
	if err != nil {
		return err
	}
	if err := gate.Check(gate.PartnerWindow, t, e.graceHours(), e.now()); err != nil {
		return err
	}
	if c.Type != domain.ConnectionRequested {
		return InvalidTransitionError{Entity: "connection", From: c.Type, To: "<deleted>", Reason: "only pending requests can be denied or canceled"}
	}
	evtType := "partner.denied"
	if byRequester {
		evtType = "partner.canceled"
		if c.FromID != actor.ID {
			return InvalidTransitionError{Entity: "connection", From: c.Type, To: "<deleted>", Reason: "only the requester may cancel"}
		}
	} else if c.ToID != actor.ID {
		return InvalidTransitionError{Entity: "connection", From: c.Type, To: "<deleted>", Reason: "only the requested user may deny"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteConnectionTx(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, "connection", c.CID, actor.CID, events.EventPayload{"task_cid": t.CID}); err != nil {
		return err
	}
	return tx.Commit()
}

// BreakPartnership dissolves the breaker's partnerships on a task and records
// a BROKEN outcome, as a single transactional unit: pending requests touching
// the breaker are abandoned, confirmed links flip to BROKE_WITH with the
// breaker normalized to the from side.
func (e Engine) BreakPartnership(ctx context.Context, taskCID, breakerCID string) (domain.Outcome, error) {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if err := gate.Check(gate.CompletionWindow, t, e.graceHours(), e.now()); err != nil {
		return domain.Outcome{}, err
	}
	breaker, err := e.Repo.GetUserByCID(ctx, breakerCID)
	if err != nil {
		return domain.Outcome{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Outcome{}, err
	}
	defer tx.Rollback()
	o, err := e.breakPartnershipTx(ctx, tx, t, breaker)
	if err != nil {
		return domain.Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Outcome{}, err
	}
	return o, nil
}

func (e Engine) breakPartnershipTx(ctx context.Context, tx *sql.Tx, t domain.Task, breaker domain.User) (domain.Outcome, error) {
	conns, err := e.Repo.ListConnectionsTx(ctx, tx, repo.ConnectionFilters{TaskID: t.ID, TouchingUserID: breaker.ID})
	if err != nil {
		return domain.Outcome{}, err
	}
	for _, c := range conns {
		switch {
		case c.Type == domain.ConnectionRequested:
			if err := e.Repo.DeleteConnectionTx(ctx, tx, c.ID); err != nil {
				return domain.Outcome{}, err
			}
		case c.Type == domain.ConnectionConfirmed && c.FromID == breaker.ID:
			if err := e.Repo.UpdateConnectionTypeTx(ctx, tx, c.ID, domain.ConnectionBrokeWith); err != nil {
				return domain.Outcome{}, err
			}
		case c.Type == domain.ConnectionConfirmed && c.ToID == breaker.ID:
			// Normalize direction: the breaking party is always from.
			flipped := c
			flipped.FromID, flipped.FromCID, flipped.FromName = breaker.ID, breaker.CID, breaker.Name
			flipped.ToID, flipped.ToCID, flipped.ToName = c.FromID, c.FromCID, c.FromName
			flipped.Type = domain.ConnectionBrokeWith
			if err := e.Repo.ReplaceConnectionTx(ctx, tx, flipped); err != nil {
				return domain.Outcome{}, err
			}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.Outcome{
		ID:        newID(),
		CID:       newCID(),
		TaskID:    t.ID,
		UserID:    breaker.ID,
		Type:      domain.OutcomeBroken,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.UpsertOutcomeTx(ctx, tx, o); err != nil {
		return domain.Outcome{}, fmt.Errorf("upsert outcome: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "partner.broken", "task", t.CID, breaker.CID, events.EventPayload{"connections": len(conns)}); err != nil {
		return domain.Outcome{}, err
	}
	return o, nil
}

// RemoveBrokenPartnership deletes an acknowledged BROKE_WITH connection.
func (e Engine) RemoveBrokenPartnership(ctx context.Context, connectionCID, actorCID string) error {
	c, t, actor, err := e.connectionContext(ctx, connectionCID, actorCID)
	if err != nil {
		return err
	}
	if err := gate.Check(gate.PartnerWindow, t, e.graceHours(), e.now()); err != nil {
		return err
	}
	if c.Type != domain.ConnectionBrokeWith {
		return InvalidTransitionError{Entity: "connection", From: c.Type, To: "<deleted>", Reason: "only broken partnerships can be removed"}
	}
	if !c.Touches(actor.ID) {
		return InvalidTransitionError{Entity: "connection", From: c.Type, To: "<deleted>", Reason: "not a participant"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteConnectionTx(ctx, tx, c.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "partner.removed", "connection", c.CID, actor.CID, events.EventPayload{"task_cid": t.CID}); err != nil {
		return err
	}
	return tx.Commit()
}

// Candidate is a possible partner, ranked for display.
type Candidate struct {
	CID  string
	Name string
}

// PartnerCandidates returns active users who can still take a partner on
// the task, excluding the searcher. With a name filter, results are ranked
// by earliest match position, then name length, then name.
func (e Engine) PartnerCandidates(ctx context.Context, taskCID, searcherCID, nameFilter string) ([]Candidate, error) {
	t, err := e.Repo.GetTaskByCID(ctx, taskCID)
	if err != nil {
		return nil, err
	}
	users, err := e.Repo.ListUsers(ctx, repo.UserFilters{NameContains: nameFilter, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	conns, err := e.Repo.ListConnections(ctx, repo.ConnectionFilters{TaskID: t.ID})
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, c := range conns {
		counts[c.FromID]++
		counts[c.ToID]++
	}
	lowered := strings.ToLower(nameFilter)
	type ranked struct {
		Candidate
		pos int
	}
	var pool []ranked
	for _, u := range users {
		if u.CID == searcherCID {
			continue
		}
		if counts[u.ID] >= MaxConnectionsPerUser {
			continue
		}
		pos := 0
		if lowered != "" {
			pos = strings.Index(strings.ToLower(u.Name), lowered)
			if pos < 0 {
				continue
			}
		}
		pool = append(pool, ranked{Candidate: Candidate{CID: u.CID, Name: u.Name}, pos: pos})
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].pos != pool[j].pos {
			return pool[i].pos < pool[j].pos
		}
		if len(pool[i].Name) != len(pool[j].Name) {
			return len(pool[i].Name) < len(pool[j].Name)
		}
		return pool[i].Name < pool[j].Name
	})
	res := make([]Candidate, 0, len(pool))
	for _, r := range pool {
		res = append(res, r.Candidate)
	}
	return res, nil
}

// connectionContext resolves a connection plus its task and the acting user.
func (e Engine) connectionContext(ctx context.Context, connectionCID, actorCID string) (domain.Connection, domain.Task, domain.User, error) {
	c, err := e.Repo.GetConnectionByCID(ctx, connectionCID)
	if err != nil {
		return c, domain.Task{}, domain.User{}, err
	}
	t, err := e.Repo.GetTask(ctx, c.TaskID)
	if err != nil {
		return c, t, domain.User{}, err
	}
	actor, err := e.Repo.GetUserByCID(ctx, actorCID)
	if err != nil {
		return c, t, actor, err
	}
	return c, t, actor, nil
}
