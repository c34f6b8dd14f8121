package server

import (
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/projection"
)

// Request payloads

type CreateUserRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email" format:"email"`
	IsAdmin bool   `json:"is_admin,omitempty"`
}

type UpdateUserRequest struct {
	Active  *bool `json:"active,omitempty"`
	IsAdmin *bool `json:"is_admin,omitempty"`
}

type SkipTemplateRequest struct {
	TemplateCID string `json:"template_cid"`
}

type CreateTaskRequest struct {
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	PointValue        int    `json:"point_value"`
	Due               string `json:"due" format:"date-time"`
	PublishDate       string `json:"publish_date,omitempty" format:"date-time"`
	PartnerUpDeadline string `json:"partner_up_deadline,omitempty" enum:"ONE_HOUR,TWO_HOURS,SIX_HOURS,TWELVE_HOURS,ONE_DAY,ONE_WEEK"`
}

type CreateTemplateRequest struct {
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	PointValue        int    `json:"point_value"`
	PartnerUpDeadline string `json:"partner_up_deadline,omitempty" enum:"ONE_HOUR,TWO_HOURS,SIX_HOURS,TWELVE_HOURS,ONE_DAY,ONE_WEEK"`
	RepeatFrequency   string `json:"repeat_frequency" enum:"DAILY,WEEKLY,BIWEEKLY,MONTHLY"`
	NextPublishDate   string `json:"next_publish_date" format:"date-time"`
	NextDueDate       string `json:"next_due_date" format:"date-time"`
}

type RequestPartnerRequest struct {
	CandidateCID string `json:"candidate_cid"`
}

type ReviewOutcomeRequest struct {
	Type string `json:"type" enum:"FULFILLED,BROKEN,BROKEN_OMIT_PARTNER"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	Email string `json:"email" format:"email"`
}

// Response payloads

type UserResponse struct {
	CID                  string   `json:"cid"`
	Name                 string   `json:"name"`
	Email                string   `json:"email"`
	IsAdmin              bool     `json:"is_admin"`
	Active               bool     `json:"active"`
	LoginTimestamp       string   `json:"login_timestamp,omitempty" format:"date-time"`
	SkipConfirmTemplates []string `json:"skip_confirm_templates,omitempty"`
	SkipDoneTemplates    []string `json:"skip_done_templates,omitempty"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	CID               string  `json:"cid"`
	TemplateCID       *string `json:"template_cid,omitempty"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	PointValue        int     `json:"point_value"`
	Due               string  `json:"due" format:"date-time"`
	PublishDate       string  `json:"publish_date" format:"date-time"`
	PartnerUpDeadline string  `json:"partner_up_deadline"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	CID               string `json:"cid"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	PointValue        int    `json:"point_value"`
	PartnerUpDeadline string `json:"partner_up_deadline"`
	RepeatFrequency   string `json:"repeat_frequency"`
	NextPublishDate   string `json:"next_publish_date" format:"date-time"`
	NextDueDate       string `json:"next_due_date" format:"date-time"`
	CreationDate      string `json:"creation_date" format:"date-time"`
}

type ConnectionResponse struct {
	CID       string `json:"cid"`
	TaskCID   string `json:"task_cid"`
	FromCID   string `json:"from_cid"`
	FromName  string `json:"from_name"`
	ToCID     string `json:"to_cid"`
	ToName    string `json:"to_name"`
	Type      string `json:"type" enum:"REQUESTED,CONFIRMED,BROKE_WITH"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type OutcomeResponse struct {
	CID       string `json:"cid"`
	TaskCID   string `json:"task_cid"`
	UserCID   string `json:"user_cid"`
	Type      string `json:"type" enum:"PENDING,FULFILLED,BROKEN,BROKEN_OMIT_PARTNER"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type CandidateResponse struct {
	CID  string `json:"cid"`
	Name string `json:"name"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		CID:                  u.CID,
		Name:                 u.Name,
		Email:                u.Email,
		IsAdmin:              u.IsAdmin,
		Active:               u.Active,
		LoginTimestamp:       u.LoginTimestamp,
		SkipConfirmTemplates: u.SkipConfirmTemplates,
		SkipDoneTemplates:    u.SkipDoneTemplates,
		CreatedAt:            u.CreatedAt,
	}
}

func mapUsers(in []domain.User) []UserResponse {
	out := make([]UserResponse, 0, len(in))
	for _, u := range in {
		out = append(out, userResponse(u))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		CID:               t.CID,
		TemplateCID:       t.TemplateCID,
		Title:             t.Title,
		Description:       t.Description,
		PointValue:        t.PointValue,
		Due:               t.Due,
		PublishDate:       t.PublishDate,
		PartnerUpDeadline: t.PartnerUpDeadline,
		CreatedAt:         t.CreatedAt,
	}
}

func templateResponse(t domain.TaskTemplate) TemplateResponse {
	return TemplateResponse{
		CID:               t.CID,
		Title:             t.Title,
		Description:       t.Description,
		PointValue:        t.PointValue,
		PartnerUpDeadline: t.PartnerUpDeadline,
		RepeatFrequency:   t.RepeatFrequency,
		NextPublishDate:   t.NextPublishDate,
		NextDueDate:       t.NextDueDate,
		CreationDate:      t.CreationDate,
	}
}

func connectionResponse(c domain.Connection, taskCID string) ConnectionResponse {
	return ConnectionResponse{
		CID:       c.CID,
		TaskCID:   taskCID,
		FromCID:   c.FromCID,
		FromName:  c.FromName,
		ToCID:     c.ToCID,
		ToName:    c.ToName,
		Type:      c.Type,
		CreatedAt: c.CreatedAt,
	}
}

func outcomeResponse(o domain.Outcome, taskCID, userCID string) OutcomeResponse {
	return OutcomeResponse{
		CID:       o.CID,
		TaskCID:   taskCID,
		UserCID:   userCID,
		Type:      o.Type,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func mapCandidates(in []engine.Candidate) []CandidateResponse {
	out := make([]CandidateResponse, 0, len(in))
	for _, c := range in {
		out = append(out, CandidateResponse{CID: c.CID, Name: c.Name})
	}
	return out
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}

// participantTasks shapes tasks for the viewer, hydrating connections and
// the viewer's outcome per task.
type participantTasks struct {
	Items []projection.ParticipantTask `json:"items"`
}
