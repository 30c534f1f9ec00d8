package storage

import (
	"time"
)

// Status literals shared with the external admin surface. The store is the
// contract between the runtime and the UIs, so these strings are load-bearing.
const (
	StatusPending   = "PENDING"
	StatusSending   = "SENDING" // transient claim state, never left behind on a clean pass
	StatusRunning   = "RUNNING"
	StatusSent      = "SENT"
	StatusFailed    = "FAILED"
	StatusCompleted = "COMPLETED"
)

// Audience filters for broadcasts.
const (
	AudienceAll      = "ALL"
	AudienceActive7d = "ACTIVE_7D"
	AudienceNew3d    = "NEW_3D"
)

// Delivery outcomes. PENDING rows are written when the broadcast starts and
// freeze its audience; they flip to a terminal outcome as the run progresses.
const (
	DeliveryPending = "PENDING"
	DeliverySent    = "SENT"
	DeliveryFailed  = "FAILED"
)

// Tenant is the runtime's read-only view of one candidate row plus its bot
// identity. Profile fields feed the welcome envelope and the contact pane.
type Tenant struct {
	ID       int64
	Name     string
	Active   bool
	City     string
	District string
	Phone    string
	Email    string

	BotToken   string
	PublicName string
}

// Plan carries the capability columns of the tenant's purchased plan.
type Plan struct {
	ID   int64
	Name string
	Code string

	MaxMessages        int
	MaxPrograms        int
	MaxHeadquarters    int
	MaxBroadcastPerDay int

	CanMassBroadcast bool
	CanConnect       bool

	HasAnalytics         bool
	HasAdvancedAnalytics bool

	HasAI                   bool
	AIAutoReply             bool
	AISentimentAnalysis     bool
	AIContentGeneration     bool
	AISmartChatbot          bool
	AIMessageClassification bool
}

type Subscriber struct {
	TenantID          int64
	PlatformUserID    int64
	Username          string
	FirstName         string
	LastName          string
	JoinedAt          time.Time
	LastInteractionAt time.Time
}

type Channel struct {
	ID                int64
	TenantID          int64
	PlatformChannelID int64
	Title             string
	Active            bool
	AutoPostEnabled   bool
	LastPostAt        time.Time
}

type ScheduledPost struct {
	ID        int64
	TenantID  int64
	ChannelID int64

	Body      string
	MediaKind string
	MediaURL  string

	DueAt        time.Time
	Status       string
	AttemptCount int
	LastError    string

	SentMessageID       int64
	SentAt              time.Time
	PinAfterSend        bool
	DisableNotification bool
}

type Broadcast struct {
	ID       int64
	TenantID int64

	Body      string
	MediaKind string
	MediaURL  string

	AudienceFilter string
	ScheduledAt    time.Time // zero means immediate

	Status        string
	FailureReason string
	Total         int
	Sent          int
	Failed        int

	StartedAt   time.Time
	CompletedAt time.Time
}

type Delivery struct {
	BroadcastID    int64
	PlatformUserID int64
	Outcome        string
	ErrorText      string
	SentAt         time.Time
}

type InboundMessage struct {
	TenantID       int64
	PlatformUserID int64
	SenderName     string
	Body           string
	ReceivedAt     time.Time
}

// Config-pane rows, read-only for the runtime.
type Resume struct {
	Title       string
	Year        string
	Description string
}

type Program struct {
	Title       string
	Category    string
	Description string
}

type Headquarters struct {
	Name    string
	Address string
	Phone   string
}

// Time columns are stored as unix milliseconds (BIGINT) so the same queries
// run on both supported drivers. Zero time maps to SQL NULL.

func msOf(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func itob(v int64) bool { return v != 0 }

func btoi(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// MonthKey is the UTC calendar-month bucket used by the monthly quota.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// DayStart is the UTC midnight preceding t, used by the per-day broadcast cap.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
