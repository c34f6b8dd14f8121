package domain

// Connection types.
const (
	ConnectionRequested = "REQUESTED"
	ConnectionConfirmed = "CONFIRMED"
	ConnectionBrokeWith = "BROKE_WITH"
)

// Outcome types. BROKEN_OMIT_PARTNER marks a break the reviewer attributed
// to circumstances rather than the partnership; it still counts as a
// corroborating outcome for the partner's score.
const (
	OutcomePending           = "PENDING"
	OutcomeFulfilled         = "FULFILLED"
	OutcomeBroken            = "BROKEN"
	OutcomeBrokenOmitPartner = "BROKEN_OMIT_PARTNER"
)

// Partner-up windows, resolved relative to a task's due instant.
const (
	DeadlineOneHour     = "ONE_HOUR"
	DeadlineTwoHours    = "TWO_HOURS"
	DeadlineSixHours    = "SIX_HOURS"
	DeadlineTwelveHours = "TWELVE_HOURS"
	DeadlineOneDay      = "ONE_DAY"
	DeadlineOneWeek     = "ONE_WEEK"
)

// Template repeat frequencies.
const (
	RepeatDaily    = "DAILY"
	RepeatWeekly   = "WEEKLY"
	RepeatBiweekly = "BIWEEKLY"
	RepeatMonthly  = "MONTHLY"
)

type User struct {
	ID                   string   `json:"id"`
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

type Task struct {
	ID                string   `json:"id"`
	CID               string   `json:"cid"`
	TemplateCID       *string  `json:"template_cid,omitempty"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	PointValue        int      `json:"point_value"`
	Due               string   `json:"due" format:"date-time"`
	PublishDate       string   `json:"publish_date" format:"date-time"`
	PartnerUpDeadline string   `json:"partner_up_deadline" enum:"ONE_HOUR,TWO_HOURS,SIX_HOURS,TWELVE_HOURS,ONE_DAY,ONE_WEEK"`
	CommittedUserIDs  []string `json:"committed_user_ids,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
}

type TaskTemplate struct {
	ID                string `json:"id"`
	CID               string `json:"cid"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	PointValue        int    `json:"point_value"`
	PartnerUpDeadline string `json:"partner_up_deadline"`
	RepeatFrequency   string `json:"repeat_frequency" enum:"DAILY,WEEKLY,BIWEEKLY,MONTHLY"`
	NextPublishDate   string `json:"next_publish_date" format:"date-time"`
	NextDueDate       string `json:"next_due_date" format:"date-time"`
	CreationDate      string `json:"creation_date" format:"date-time"`
}

// Connection links two users with respect to one task. Direction matters:
// From is the requester while REQUESTED, and always the breaking party once
// the type is BROKE_WITH.
type Connection struct {
	ID        string `json:"id"`
	CID       string `json:"cid"`
	TaskID    string `json:"task_id"`
	FromID    string `json:"from_id"`
	FromCID   string `json:"from_cid"`
	FromName  string `json:"from_name"`
	ToID      string `json:"to_id"`
	ToCID     string `json:"to_cid"`
	ToName    string `json:"to_name"`
	Type      string `json:"type" enum:"REQUESTED,CONFIRMED,BROKE_WITH"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Outcome is a user's completion result for a task, unique per (task, user).
type Outcome struct {
	ID        string `json:"id"`
	CID       string `json:"cid"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type" enum:"PENDING,FULFILLED,BROKEN,BROKEN_OMIT_PARTNER"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserCID   string `json:"user_cid"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Touches reports whether the user participates in the connection on
// either side.
func (c Connection) Touches(userID string) bool {
	return c.FromID == userID || c.ToID == userID
}

// OtherSide returns the internal id of the participant opposite the given
// user.
func (c Connection) OtherSide(userID string) string {
	if c.FromID == userID {
		return c.ToID
	}
	return c.FromID
}

// OtherSideDisplay returns the correlation id and name of the participant
// opposite the given user.
func (c Connection) OtherSideDisplay(userID string) (string, string) {
	if c.FromID == userID {
		return c.ToCID, c.ToName
	}
	return c.FromCID, c.FromName
}
