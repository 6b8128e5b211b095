package ranker

import (
	"strings"
	"time"

	"brevpulse/internal/domain"
)

// Rule assigns a priority to an event when it matches. Rules are evaluated in table order.
type Rule struct {
	Name     string
	Priority domain.Priority
	Sources  []domain.Source
	Match    func(ev domain.DigestEvent, now time.Time) bool
}

func (r Rule) applies(source domain.Source) bool {
	if len(r.Sources) == 0 {
		return true
	}
	for _, s := range r.Sources {
		if s == source {
			return true
		}
	}
	return false
}

var (
	urgentKeywords = []string{
		"security", "password", "verify", "verification", "invoice", "payment", "overdue",
		"urgent", "asap", "deadline", "action required", "failed", "suspended", "expires",
		"expiring", "unauthorized", "sign-in", "login attempt", "final notice",
	}
	bulkKeywords = []string{
		"unsubscribe", "newsletter", "% off", "sale", "webinar", "promotion", "promo", "deal",
		"weekly roundup", "digest",
	}
	bulkSenders = []string{
		"noreply", "no-reply", "newsletter", "marketing", "promo", "news@", "hello@", "updates@",
	}
	bulkLabels = []string{"CATEGORY_PROMOTIONS", "CATEGORY_SOCIAL", "CATEGORY_FORUMS"}

	githubHighReasons = []string{"review_requested", "mention", "team_mention", "security_alert", "assign"}
	githubLowReasons  = []string{"ci_activity", "subscribed"}
)

// DefaultRules is the rule table used by NewEngine. Unmatched events are medium.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "urgent-keywords",
			Priority: domain.PriorityHigh,
			Sources:  []domain.Source{domain.SourceGmail, domain.SourceGitHub},
			Match: func(ev domain.DigestEvent, _ time.Time) bool {
				return containsAny(ev.Subject+" "+ev.Summary, urgentKeywords)
			},
		},
		{
			Name:     "github-direct",
			Priority: domain.PriorityHigh,
			Sources:  []domain.Source{domain.SourceGitHub},
			Match: func(ev domain.DigestEvent, _ time.Time) bool {
				return oneOf(ev.Meta["reason"], githubHighReasons)
			},
		},
		{
			Name:     "calendar-declined",
			Priority: domain.PriorityLow,
			Sources:  []domain.Source{domain.SourceCalendar},
			Match: func(ev domain.DigestEvent, _ time.Time) bool {
				return ev.Meta["response"] == "declined"
			},
		},
		{
			Name:     "calendar-soon",
			Priority: domain.PriorityHigh,
			Sources:  []domain.Source{domain.SourceCalendar},
			Match: func(ev domain.DigestEvent, now time.Time) bool {
				return !ev.Timestamp.Before(now) && ev.Timestamp.Sub(now) <= 24*time.Hour
			},
		},
		{
			Name:     "bulk-mail",
			Priority: domain.PriorityLow,
			Sources:  []domain.Source{domain.SourceGmail},
			Match: func(ev domain.DigestEvent, _ time.Time) bool {
				if containsAny(ev.Meta["sender"], bulkSenders) {
					return true
				}
				for _, label := range strings.Split(ev.Meta["labels"], ",") {
					if oneOf(label, bulkLabels) {
						return true
					}
				}
				return containsAny(ev.Subject+" "+ev.Summary, bulkKeywords)
			},
		},
		{
			Name:     "github-noise",
			Priority: domain.PriorityLow,
			Sources:  []domain.Source{domain.SourceGitHub},
			Match: func(ev domain.DigestEvent, _ time.Time) bool {
				return oneOf(ev.Meta["reason"], githubLowReasons)
			},
		},
	}
}

func classify(rules []Rule, ev domain.DigestEvent, now time.Time) domain.Priority {
	for _, r := range rules {
		if r.applies(ev.Source) && r.Match(ev, now) {
			return r.Priority
		}
	}
	return domain.PriorityMedium
}

func containsAny(text string, needles []string) bool {
	text = strings.ToLower(text)
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
