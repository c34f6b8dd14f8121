package projection_test

import (
	"testing"

	"pactline/internal/domain"
	"pactline/internal/projection"
)

var (
	alice = domain.User{ID: "u-alice", CID: "c-alice", Name: "Alice"}
	bob   = domain.User{ID: "u-bob", CID: "c-bob", Name: "Bob"}
)

func conn(from, to domain.User, typ string) domain.Connection {
	return domain.Connection{
		CID:      "conn-1",
		FromID:   from.ID,
		FromCID:  from.CID,
		FromName: from.Name,
		ToID:     to.ID,
		ToCID:    to.CID,
		ToName:   to.Name,
		Type:     typ,
	}
}

func TestRequestedSplitsByDirection(t *testing.T) {
	task := domain.Task{CID: "t-1", Title: "Run"}
	c := conn(alice, bob, domain.ConnectionRequested)

	fromSide := projection.ForParticipant(task, alice, []domain.Connection{c}, domain.Outcome{})
	if len(fromSide.Connections) != 1 {
		t.Fatalf("expected one connection, got %d", len(fromSide.Connections))
	}
	if got := fromSide.Connections[0]; got.Type != projection.RequestTo || got.ConnectedUserCID != bob.CID {
		t.Fatalf("requester should see REQUEST_TO toward bob, got %+v", got)
	}

	toSide := projection.ForParticipant(task, bob, []domain.Connection{c}, domain.Outcome{})
	if got := toSide.Connections[0]; got.Type != projection.RequestFrom || got.ConnectedUserCID != alice.CID {
		t.Fatalf("candidate should see REQUEST_FROM from alice, got %+v", got)
	}
}

func TestConfirmedAndBrokenPassThrough(t *testing.T) {
	task := domain.Task{CID: "t-1"}
	for _, typ := range []string{domain.ConnectionConfirmed, domain.ConnectionBrokeWith} {
		c := conn(alice, bob, typ)
		p := projection.ForParticipant(task, bob, []domain.Connection{c}, domain.Outcome{})
		if p.Connections[0].Type != typ {
			t.Fatalf("expected %s untouched, got %s", typ, p.Connections[0].Type)
		}
	}
}

func TestForeignConnectionsFiltered(t *testing.T) {
	carla := domain.User{ID: "u-carla", CID: "c-carla", Name: "Carla"}
	task := domain.Task{CID: "t-1"}
	c := conn(alice, bob, domain.ConnectionConfirmed)
	p := projection.ForParticipant(task, carla, []domain.Connection{c}, domain.Outcome{})
	if len(p.Connections) != 0 {
		t.Fatalf("viewer must not see connections they are not part of")
	}
}

func TestCommitmentFlags(t *testing.T) {
	task := domain.Task{CID: "t-1", CommittedUserIDs: []string{alice.ID, bob.ID, "u-carla"}}
	p := projection.ForParticipant(task, alice, nil, domain.Outcome{})
	if !p.IsCommitted {
		t.Fatalf("expected viewer committed")
	}
	if !p.HasOthers {
		t.Fatalf("expected has_others with three committed users")
	}
	pair := domain.Task{CID: "t-2", CommittedUserIDs: []string{alice.ID, bob.ID}}
	if projection.ForParticipant(pair, alice, nil, domain.Outcome{}).HasOthers {
		t.Fatalf("two committed users is not a crowd")
	}
}

func TestWasCompletedTriState(t *testing.T) {
	task := domain.Task{CID: "t-1"}

	none := projection.ForParticipant(task, alice, nil, domain.Outcome{})
	if none.WasCompleted != nil || none.OutcomeType != "" {
		t.Fatalf("expected nil tri-state without an outcome")
	}
	pending := projection.ForParticipant(task, alice, nil, domain.Outcome{Type: domain.OutcomePending})
	if pending.WasCompleted != nil || pending.OutcomeType != domain.OutcomePending {
		t.Fatalf("pending outcome must stay undecided, got %+v", pending)
	}
	done := projection.ForParticipant(task, alice, nil, domain.Outcome{Type: domain.OutcomeFulfilled})
	if done.WasCompleted == nil || !*done.WasCompleted {
		t.Fatalf("expected true once fulfilled")
	}
	for _, typ := range []string{domain.OutcomeBroken, domain.OutcomeBrokenOmitPartner} {
		broken := projection.ForParticipant(task, alice, nil, domain.Outcome{Type: typ})
		if broken.WasCompleted == nil || *broken.WasCompleted {
			t.Fatalf("expected false for %s", typ)
		}
	}
}
