// Package projection shapes validated repository state for two audiences:
// the participant view filters and redirects records to the viewer's
// perspective, the administrative view exposes everything. Neither mutates
// state nor performs authorization.
package projection

import "pactline/internal/domain"

// Direction-aware connection types surfaced to participants. REQUESTED is
// never shown raw: the requester sees REQUEST_TO, the candidate REQUEST_FROM.
const (
	RequestTo   = "REQUEST_TO"
	RequestFrom = "REQUEST_FROM"
)

// ParticipantConnection is a viewer's connection reduced to the other side.
type ParticipantConnection struct {
	CID               string `json:"cid"`
	ConnectedUserCID  string `json:"connected_user_cid"`
	ConnectedUserName string `json:"connected_user_name"`
	Type              string `json:"type" enum:"REQUEST_TO,REQUEST_FROM,CONFIRMED,BROKE_WITH"`
}

// ParticipantTask is a task shaped for one viewer. WasCompleted is a
// tri-state: true once FULFILLED, false once broken, nil otherwise.
type ParticipantTask struct {
	CID               string                  `json:"cid"`
	TemplateCID       *string                 `json:"template_cid,omitempty"`
	Title             string                  `json:"title"`
	Description       string                  `json:"description,omitempty"`
	PointValue        int                     `json:"point_value"`
	Due               string                  `json:"due" format:"date-time"`
	PartnerUpDeadline string                  `json:"partner_up_deadline"`
	IsCommitted       bool                    `json:"is_committed"`
	HasOthers         bool                    `json:"has_others"`
	Connections       []ParticipantConnection `json:"connections,omitempty"`
	OutcomeType       string                  `json:"outcome_type,omitempty"`
	WasCompleted      *bool                   `json:"was_completed"`
}

// AdminTask is the unfiltered administrative view.
type AdminTask struct {
	Task           domain.Task         `json:"task"`
	CommittedUsers []domain.User       `json:"committed_users"`
	Connections    []domain.Connection `json:"connections"`
	Outcomes       []domain.Outcome    `json:"outcomes"`
}

// ForParticipant shapes a task for the viewer. connections and outcome are
// the task's full connection list and the viewer's outcome (zero value when
// none exists).
func ForParticipant(t domain.Task, viewer domain.User, connections []domain.Connection, outcome domain.Outcome) ParticipantTask {
	p := ParticipantTask{
		CID:               t.CID,
		TemplateCID:       t.TemplateCID,
		Title:             t.Title,
		Description:       t.Description,
		PointValue:        t.PointValue,
		Due:               t.Due,
		PartnerUpDeadline: t.PartnerUpDeadline,
		HasOthers:         len(t.CommittedUserIDs) > 2,
	}
	for _, id := range t.CommittedUserIDs {
		if id == viewer.ID {
			p.IsCommitted = true
			break
		}
	}
	for _, c := range connections {
		if !c.Touches(viewer.ID) {
			continue
		}
		otherCID, otherName := c.OtherSideDisplay(viewer.ID)
		p.Connections = append(p.Connections, ParticipantConnection{
			CID:               c.CID,
			ConnectedUserCID:  otherCID,
			ConnectedUserName: otherName,
			Type:              directionalType(c, viewer.ID),
		})
	}
	if outcome.Type != "" {
		p.OutcomeType = outcome.Type
		switch outcome.Type {
		case domain.OutcomeFulfilled:
			v := true
			p.WasCompleted = &v
		case domain.OutcomeBroken, domain.OutcomeBrokenOmitPartner:
			v := false
			p.WasCompleted = &v
		}
	}
	return p
}

// ForAdmin assembles the unfiltered task view.
func ForAdmin(t domain.Task, committed []domain.User, connections []domain.Connection, outcomes []domain.Outcome) AdminTask {
	return AdminTask{
		Task:           t,
		CommittedUsers: committed,
		Connections:    connections,
		Outcomes:       outcomes,
	}
}

func directionalType(c domain.Connection, viewerID string) string {
	if c.Type != domain.ConnectionRequested {
		return c.Type
	}
	if c.FromID == viewerID {
		return RequestTo
	}
	return RequestFrom
}
