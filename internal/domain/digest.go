package domain

import "time"

// Source identifies an event provider.
type Source string

const (
	SourceGmail    Source = "gmail"
	SourceCalendar Source = "calendar"
	SourceGitHub   Source = "github"
	SourceSlack    Source = "slack"
	SourceFigma    Source = "figma"
)

// AllSources lists every source a digest summary reports on, in display order.
var AllSources = []Source{SourceGmail, SourceCalendar, SourceGitHub, SourceSlack, SourceFigma}

// Label returns a human readable provider name.
func (s Source) Label() string {
	switch s {
	case SourceGmail:
		return "Gmail"
	case SourceCalendar:
		return "Calendar"
	case SourceGitHub:
		return "GitHub"
	case SourceSlack:
		return "Slack"
	case SourceFigma:
		return "Figma"
	}
	return string(s)
}

// Priority orders digest items.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// AllPriorities lists priorities from most to least important.
var AllPriorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns 0 for high, 1 for medium and 2 for low. Unknown values sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Period is the time span a digest covers.
type Period string

const (
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
)

// DeliveryChannel is where a digest was delivered.
type DeliveryChannel string

const (
	ChannelEmail DeliveryChannel = "email"
	ChannelPush  DeliveryChannel = "push"
	ChannelWeb   DeliveryChannel = "web"
	ChannelSlack DeliveryChannel = "slack"
)

// ActionType marks the visual weight of an action link.
type ActionType string

const (
	ActionPrimary   ActionType = "primary"
	ActionSecondary ActionType = "secondary"
)

// DigestEvent is a single raw event returned by a provider. It is never persisted.
type DigestEvent struct {
	Source       Source            `json:"source"`
	ID           string            `json:"id"`
	Subject      string            `json:"subject"`
	Summary      string            `json:"summary,omitempty"`
	Participants []string          `json:"participants,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Link         string            `json:"link,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// DigestAction is a link attached to a digest item.
type DigestAction struct {
	URL   string     `json:"url"`
	Label string     `json:"label"`
	Type  ActionType `json:"type"`
}

// DigestItem is one group of raw events.
type DigestItem struct {
	Source      Source         `json:"source"`
	Priority    Priority       `json:"priority"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Count       int            `json:"count"`
	Actions     []DigestAction `json:"actions"`
}

// DigestSummary is the plaintext aggregate stored next to every digest.
type DigestSummary struct {
	TotalItems   int              `json:"totalItems"`
	BySource     map[Source]int   `json:"bySource"`
	ByPriority   map[Priority]int `json:"byPriority"`
	Integrations []Source         `json:"integrations"`
}

// NewDigestSummary tallies items. Every known source and priority is present even at zero.
func NewDigestSummary(items []DigestItem) DigestSummary {
	summary := DigestSummary{
		TotalItems:   len(items),
		BySource:     make(map[Source]int, len(AllSources)),
		ByPriority:   make(map[Priority]int, len(AllPriorities)),
		Integrations: []Source{},
	}
	for _, s := range AllSources {
		summary.BySource[s] = 0
	}
	for _, p := range AllPriorities {
		summary.ByPriority[p] = 0
	}
	for _, item := range items {
		summary.BySource[item.Source]++
		summary.ByPriority[item.Priority]++
	}
	for _, s := range AllSources {
		if summary.BySource[s] > 0 {
			summary.Integrations = append(summary.Integrations, s)
		}
	}
	return summary
}

// DigestPayload is the full digest built for one delivery cycle.
type DigestPayload struct {
	Period      Period        `json:"period"`
	Plan        Plan          `json:"plan"`
	Items       []DigestItem  `json:"items"`
	Summary     DigestSummary `json:"summary"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Empty reports whether the digest has nothing to report.
func (p DigestPayload) Empty() bool {
	return len(p.Items) == 0
}

// StoredDigest is a persisted, encrypted digest.
type StoredDigest struct {
	ID               int64
	UserID           int64
	Content          []byte
	IV               []byte
	AuthTag          []byte
	SentAt           time.Time
	DeliveryChannels []DeliveryChannel
	Summary          DigestSummary
	Opened           bool
}

// DigestView is a decrypted digest returned to API callers.
type DigestView struct {
	ID               int64             `json:"id"`
	SentAt           time.Time         `json:"sentAt"`
	DeliveryChannels []DeliveryChannel `json:"deliveryChannels"`
	Opened           bool              `json:"opened"`
	Payload          DigestPayload     `json:"payload"`
}
