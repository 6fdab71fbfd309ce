// Package domain defines the persistence models for issues, cleanup events,
// and the rewards catalog. These types are mapped with GORM and form the
// collaborator data of the points ledger.
package domain

import "time"

// IssueCategory is the reported problem type.
type IssueCategory string

const (
	CategoryLitter             IssueCategory = "litter"
	CategoryBlockedDrainage    IssueCategory = "blocked_drainage"
	CategoryGraffiti           IssueCategory = "graffiti"
	CategoryBrokenBench        IssueCategory = "broken_bench"
	CategoryConstructionDebris IssueCategory = "construction_debris"
	CategoryOther              IssueCategory = "other"
)

// Valid reports whether c is a known category.
func (c IssueCategory) Valid() bool {
	switch c {
	case CategoryLitter, CategoryBlockedDrainage, CategoryGraffiti,
		CategoryBrokenBench, CategoryConstructionDebris, CategoryOther:
		return true
	}
	return false
}

// IssueStatus tracks an issue from report to resolution.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueResolved   IssueStatus = "resolved"
)

// Issue is a civic problem reported by a user at a location.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Category/Status/Ward: indexed filters for listing.
//   - Lat/Lng: reported location.
//   - AuthorID: reporting user.
type Issue struct {
	ID          string        `json:"id"          gorm:"type:char(36);primaryKey"`
	Title       string        `json:"title"       gorm:"type:varchar(255);not null"`
	Description string        `json:"description" gorm:"type:text;not null"`
	Category    IssueCategory `json:"category"    gorm:"type:varchar(32);not null;index"`
	Status      IssueStatus   `json:"status"      gorm:"type:varchar(16);not null;default:'open';index"`
	Ward        string        `json:"ward,omitempty" gorm:"type:varchar(64);index"`
	Lat         float64       `json:"lat"`
	Lng         float64       `json:"lng"`
	AuthorID    string        `json:"authorId"    gorm:"type:varchar(64);not null;index"`
	CreatedAt   time.Time     `json:"createdAt"   gorm:"index"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// TableName returns the database table name for Issue.
func (Issue) TableName() string { return "issues" }

// EventStatus tracks a cleanup event lifecycle.
type EventStatus string

const (
	EventScheduled  EventStatus = "scheduled"
	EventInProgress EventStatus = "in_progress"
	EventCompleted  EventStatus = "completed"
	EventCancelled  EventStatus = "cancelled"
)

// Event is a volunteer cleanup organized against an issue. Completing it
// awards points to every RSVP participant.
type Event struct {
	ID            string      `json:"id"            gorm:"type:char(36);primaryKey"`
	IssueID       string      `json:"issueId"       gorm:"type:char(36);not null;index"`
	OrganizerID   string      `json:"organizerId"   gorm:"type:varchar(64);not null"`
	StartAt       time.Time   `json:"startAt"       gorm:"not null"`
	EndAt         *time.Time  `json:"endAt,omitempty"`
	VolunteerGoal int         `json:"volunteerGoal" gorm:"not null;default:0"`
	Status        EventStatus `json:"status"        gorm:"type:varchar(16);not null;default:'scheduled'"`
	AfterPhoto    string      `json:"afterPhoto,omitempty" gorm:"type:varchar(512)"`
	Notes         string      `json:"notes,omitempty"      gorm:"type:text"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`

	// RSVPList is the ordered list of participant ids, filled from Participants.
	RSVPList     []string           `json:"rsvpList" gorm:"-"`
	Participants []EventParticipant `json:"-"        gorm:"foreignKey:EventID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`

	Issue Issue `json:"-" gorm:"foreignKey:IssueID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// EventParticipant is one RSVP. The composite key keeps each user on an
// event's list at most once.
type EventParticipant struct {
	EventID   string    `json:"eventId"   gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"userId"    gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}

// TableName returns the database table name for EventParticipant.
func (EventParticipant) TableName() string { return "event_participants" }

// Reward is a catalog item that can be redeemed for points.
type Reward struct {
	ID          string    `json:"id"          gorm:"type:varchar(64);primaryKey"`
	Title       string    `json:"title"       gorm:"type:varchar(255);not null"`
	CostSP      int64     `json:"costSP"      gorm:"column:cost_sp;not null;check:cost_sp > 0"`
	CashPrice   float64   `json:"cashPrice,omitempty"`
	Partner     string    `json:"partner,omitempty"     gorm:"type:varchar(128)"`
	Description string    `json:"description,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
}

// TableName returns the database table name for Reward.
func (Reward) TableName() string { return "rewards" }

// DefaultRewards is the starter catalog seeded on first boot.
func DefaultRewards() []Reward {
	return []Reward{
		{
			ID:          "reward-1",
			Title:       "10 NPR Mobile Topup",
			CostSP:      100,
			CashPrice:   0.5,
			Partner:     "NTC",
			Description: "Redeem for 10 NPR mobile credit",
		},
		{
			ID:          "reward-2",
			Title:       "5 NPR Mobile Topup",
			CostSP:      50,
			CashPrice:   0.25,
			Partner:     "NTC",
			Description: "Redeem for 5 NPR mobile credit",
		},
	}
}

// ProfileVisibility controls who may see a user profile.
type ProfileVisibility string

const (
	VisibilityPublic  ProfileVisibility = "public"
	VisibilityPrivate ProfileVisibility = "private"
)

// Valid reports whether v is a known visibility.
func (v ProfileVisibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// UserProfile is the public face of a user. Profiles are created on first
// read. TotalSP is not stored: it is the settled ledger balance, filled in
// by the service.
type UserProfile struct {
	ID                string            `json:"id"                gorm:"type:varchar(64);primaryKey"`
	DisplayName       string            `json:"displayName"       gorm:"type:varchar(128);not null"`
	Avatar            string            `json:"avatar,omitempty"  gorm:"type:varchar(512)"`
	Ward              string            `json:"ward,omitempty"    gorm:"type:varchar(64);index"`
	Bio               string            `json:"bio,omitempty"     gorm:"type:text"`
	ProfileVisibility ProfileVisibility `json:"profileVisibility" gorm:"type:varchar(16);not null;default:'public'"`
	TotalSP           int64             `json:"totalSP"           gorm:"-"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// TableName returns the database table name for UserProfile.
func (UserProfile) TableName() string { return "user_profiles" }

// Award is one participant's share of an event completion.
type Award struct {
	UserID string `json:"userId"`
	Points int64  `json:"points"`
	TxID   string `json:"txId"`
}

// Receipt confirms a reward redemption.
type Receipt struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	RewardID   string    `json:"rewardId"`
	TxID       string    `json:"txId"`
	SPUsed     int64     `json:"spUsed"`
	CashPaid   float64   `json:"cashPaid"`
	Status     string    `json:"status"`
	ReceiptURL string    `json:"receiptUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}
