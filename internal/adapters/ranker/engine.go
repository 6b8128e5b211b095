package ranker

import (
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"brevpulse/internal/domain"
)

const (
	// MaxTitleRunes bounds DigestItem.Title.
	MaxTitleRunes = 60
	// MaxDescriptionRunes bounds DigestItem.Description.
	MaxDescriptionRunes = 150
)

// ActionMode controls how many actions an item carries.
type ActionMode string

const (
	// ActionSingle attaches exactly one action per item.
	ActionSingle ActionMode = "single"
	// ActionPerEvent attaches one action per folded event.
	ActionPerEvent ActionMode = "per_event"
)

// ParseActionMode maps unknown values to ActionSingle.
func ParseActionMode(raw string) ActionMode {
	if ActionMode(strings.ToLower(strings.TrimSpace(raw))) == ActionPerEvent {
		return ActionPerEvent
	}
	return ActionSingle
}

// BaseLinks are the aggregate destinations used when an item folds several events.
var BaseLinks = map[domain.Source]string{
	domain.SourceGmail:    "https://mail.google.com/mail/u/0/#inbox",
	domain.SourceCalendar: "https://calendar.google.com/calendar/u/0/r",
	domain.SourceGitHub:   "https://github.com/notifications",
}

// Config tunes the engine. Zero caps keep the plan defaults.
type Config struct {
	FreeMaxItems int
	ProMaxItems  int
	ActionMode   ActionMode
}

// Engine turns raw provider events into a bounded, plan-aware digest.
type Engine struct {
	cfg   Config
	rules []Rule
	now   func() time.Time
}

// NewEngine creates an engine with DefaultRules.
func NewEngine(cfg Config) *Engine {
	if cfg.ActionMode == "" {
		cfg.ActionMode = ActionSingle
	}
	return &Engine{cfg: cfg, rules: DefaultRules(), now: time.Now}
}

// Limits returns the plan limits with configured caps applied.
func (e *Engine) Limits(plan domain.Plan) domain.PlanLimits {
	limits := domain.LimitsForPlan(plan)
	switch limits.Plan {
	case domain.PlanFree:
		if e.cfg.FreeMaxItems > 0 {
			limits.MaxItems = e.cfg.FreeMaxItems
		}
	case domain.PlanPro:
		if e.cfg.ProMaxItems > 0 {
			limits.MaxItems = e.cfg.ProMaxItems
		}
	}
	return limits
}

type group struct {
	key      string
	source   domain.Source
	events   []domain.DigestEvent
	priority domain.Priority
}

// Build groups, classifies, caps and renders events into a payload.
// It never fails: no events yields an empty payload with an all-zero summary.
func (e *Engine) Build(events []domain.DigestEvent, plan domain.Plan, period domain.Period) domain.DigestPayload {
	now := e.now()
	limits := e.Limits(plan)
	if period == "" {
		period = domain.PeriodDaily
	}

	groups := e.group(dedupe(events), now)
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].priority.Rank() < groups[j].priority.Rank()
	})

	items := make([]domain.DigestItem, 0, len(groups))
	for _, g := range groups {
		items = append(items, e.render(g))
	}
	items = e.Apply(items, limits)
	return domain.DigestPayload{
		Period:      period,
		Plan:        limits.Plan,
		Items:       items,
		Summary:     domain.NewDigestSummary(items),
		GeneratedAt: now.UTC(),
	}
}

// Apply enforces plan limits on already rendered items: disallowed sources and, for high-only plans,
// non-high items are dropped; the rest are stable-sorted by priority, capped and clamped to length bounds.
func (e *Engine) Apply(items []domain.DigestItem, limits domain.PlanLimits) []domain.DigestItem {
	kept := make([]domain.DigestItem, 0, len(items))
	for _, item := range items {
		if !limits.Allows(item.Source) {
			continue
		}
		if limits.HighOnly && item.Priority != domain.PriorityHigh {
			continue
		}
		if item.Count < 1 {
			item.Count = 1
		}
		item.Title = clip(stripSourceNames(item.Title), MaxTitleRunes)
		item.Description = clip(item.Description, MaxDescriptionRunes)
		if len(item.Actions) == 0 {
			item.Actions = []domain.DigestAction{aggregateAction(item.Source, item.Count)}
		}
		if e.cfg.ActionMode == ActionSingle && len(item.Actions) > 1 {
			item.Actions = item.Actions[:1]
		}
		kept = append(kept, item)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Priority.Rank() < kept[j].Priority.Rank()
	})
	if limits.MaxItems >= 0 && len(kept) > limits.MaxItems {
		kept = kept[:limits.MaxItems]
	}
	return kept
}

// dedupe drops repeated events of the same source and id, keeping the first.
func dedupe(events []domain.DigestEvent) []domain.DigestEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]domain.DigestEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			out = append(out, ev)
			continue
		}
		key := string(ev.Source) + "\x00" + ev.ID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// group folds events by source-specific key, keeping first-seen order.
func (e *Engine) group(events []domain.DigestEvent, now time.Time) []*group {
	index := make(map[string]*group)
	var groups []*group
	for i, ev := range events {
		key := groupKey(ev, i)
		g, ok := index[key]
		if !ok {
			g = &group{key: key, source: ev.Source, priority: domain.PriorityLow}
			index[key] = g
			groups = append(groups, g)
		}
		g.events = append(g.events, ev)
		if p := classify(e.rules, ev, now); p.Rank() < g.priority.Rank() {
			g.priority = p
		}
	}
	return groups
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw|tr)\s*:\s*)+`)

func groupKey(ev domain.DigestEvent, pos int) string {
	switch ev.Source {
	case domain.SourceGmail:
		if sender := strings.ToLower(strings.TrimSpace(ev.Meta["sender"])); sender != "" {
			return "gmail:from:" + sender
		}
		return "gmail:subject:" + strings.ToLower(cleanSubject(ev.Subject))
	case domain.SourceCalendar:
		if series := ev.Meta["recurring_event_id"]; series != "" {
			return "calendar:series:" + series
		}
		return "calendar:day:" + eventDay(ev)
	case domain.SourceGitHub:
		if repo := ev.Meta["repo"]; repo != "" {
			return "github:repo:" + strings.ToLower(repo)
		}
		return "github:subject:" + strings.ToLower(ev.Subject)
	}
	if ev.ID != "" {
		return string(ev.Source) + ":" + ev.ID
	}
	return fmt.Sprintf("%s:#%d", ev.Source, pos)
}

func eventLocation(ev domain.DigestEvent) *time.Location {
	if tz := ev.Meta["timezone"]; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}

func eventDay(ev domain.DigestEvent) string {
	return ev.Timestamp.In(eventLocation(ev)).Format("2006-01-02")
}

func cleanSubject(subject string) string {
	s := strings.TrimSpace(replyPrefix.ReplaceAllString(subject, ""))
	if s == "" {
		return "(no subject)"
	}
	return s
}

func (e *Engine) render(g *group) domain.DigestItem {
	item := domain.DigestItem{
		Source:   g.source,
		Priority: g.priority,
		Count:    len(g.events),
	}
	switch g.source {
	case domain.SourceGmail:
		item.Title, item.Description = renderMail(g.events)
	case domain.SourceCalendar:
		item.Title, item.Description = renderCalendar(g.events)
	case domain.SourceGitHub:
		item.Title, item.Description = renderGitHub(g.events)
	default:
		item.Title = cleanSubject(g.events[0].Subject)
		item.Description = joinSubjects(g.events)
	}
	item.Title = clip(stripSourceNames(item.Title), MaxTitleRunes)
	item.Description = clip(item.Description, MaxDescriptionRunes)
	item.Actions = e.actions(g)
	return item
}

func senderName(ev domain.DigestEvent) string {
	if name := strings.TrimSpace(ev.Meta["from_name"]); name != "" {
		return name
	}
	if len(ev.Participants) > 0 && ev.Participants[0] != "" {
		return ev.Participants[0]
	}
	if addr, err := mail.ParseAddress(ev.Meta["sender"]); err == nil {
		return addr.Address
	}
	return "Unknown sender"
}

func renderMail(events []domain.DigestEvent) (string, string) {
	first := events[0]
	name := senderName(first)
	if len(events) == 1 {
		title := name + ": " + cleanSubject(first.Subject)
		desc := first.Summary
		if desc == "" {
			desc = "New message from " + name + " about " + cleanSubject(first.Subject) + "."
		}
		return title, desc
	}
	title := fmt.Sprintf("%d messages from %s", len(events), name)
	return title, "Latest: " + joinSubjects(events)
}

func renderCalendar(events []domain.DigestEvent) (string, string) {
	first := events[0]
	loc := eventLocation(first)
	start := first.Timestamp.In(loc)
	name := strings.TrimSpace(first.Subject)
	if name == "" {
		name = "Untitled event"
	}
	when := start.Format("Mon Jan 2 15:04")
	if first.Meta["all_day"] == "true" {
		when = start.Format("Mon Jan 2")
	}

	if len(events) == 1 {
		desc := when
		if place := first.Meta["location"]; place != "" {
			desc += " at " + place
		}
		if n := len(first.Participants); n > 0 {
			desc += fmt.Sprintf(" with %d other", n)
			if n > 1 {
				desc += "s"
			}
		}
		if first.Meta["response"] == "needsAction" {
			desc += ". Awaiting your response"
		}
		return name + " on " + start.Format("Mon Jan 2"), desc + "."
	}
	if first.Meta["recurring_event_id"] != "" {
		return fmt.Sprintf("%s (%d upcoming)", name, len(events)),
			fmt.Sprintf("Next on %s. Recurring series with %d sessions in range.", when, len(events))
	}
	return fmt.Sprintf("%d events on %s", len(events), start.Format("Mon Jan 2")), "Includes: " + joinSubjects(events)
}

var githubTypes = map[string]string{
	"PullRequest": "Pull request",
	"Issue":       "Issue",
	"Release":     "Release",
	"Discussion":  "Discussion",
	"CheckSuite":  "Checks",
}

var githubReasons = map[string]string{
	"review_requested": "review requested",
	"mention":          "you were mentioned",
	"team_mention":     "your team was mentioned",
	"assign":           "assigned to you",
	"security_alert":   "security alert",
	"comment":          "new comment",
	"author":           "activity on your thread",
	"state_change":     "state changed",
	"ci_activity":      "CI activity",
}

func renderGitHub(events []domain.DigestEvent) (string, string) {
	first := events[0]
	repo := first.Meta["repo"]
	if repo == "" {
		repo = "a repository"
	}
	if len(events) == 1 {
		kind := githubTypes[first.Meta["type"]]
		if kind == "" {
			kind = "Update"
		}
		title := kind + " in " + repo + ": " + first.Subject
		desc := first.Subject
		if reason := githubReasons[first.Meta["reason"]]; reason != "" {
			desc = strings.ToUpper(reason[:1]) + reason[1:] + " on " + first.Subject
		}
		return title, desc + "."
	}
	return fmt.Sprintf("%d updates in %s", len(events), repo), joinSubjects(events)
}

func joinSubjects(events []domain.DigestEvent) string {
	parts := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		s := cleanSubject(ev.Subject)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

func (e *Engine) actions(g *group) []domain.DigestAction {
	if e.cfg.ActionMode == ActionPerEvent {
		out := make([]domain.DigestAction, 0, len(g.events))
		for i, ev := range g.events {
			typ := domain.ActionSecondary
			if i == 0 {
				typ = domain.ActionPrimary
			}
			out = append(out, domain.DigestAction{URL: eventLink(ev), Label: clip(openLabel(ev), 40), Type: typ})
		}
		return out
	}
	if len(g.events) == 1 {
		ev := g.events[0]
		return []domain.DigestAction{{URL: eventLink(ev), Label: openLabel(ev), Type: domain.ActionPrimary}}
	}
	return []domain.DigestAction{aggregateAction(g.source, len(g.events))}
}

func eventLink(ev domain.DigestEvent) string {
	if ev.Link != "" {
		return ev.Link
	}
	return baseLink(ev.Source)
}

func baseLink(source domain.Source) string {
	if link, ok := BaseLinks[source]; ok {
		return link
	}
	return ""
}

func openLabel(ev domain.DigestEvent) string {
	switch ev.Source {
	case domain.SourceGmail:
		return "Open email"
	case domain.SourceCalendar:
		return "View event"
	case domain.SourceGitHub:
		if ev.Meta["type"] == "PullRequest" {
			return "Review pull request"
		}
		return "Open thread"
	}
	return "Open"
}

func aggregateAction(source domain.Source, count int) domain.DigestAction {
	label := "View all"
	switch source {
	case domain.SourceGmail:
		label = fmt.Sprintf("View %d emails", count)
	case domain.SourceCalendar:
		label = fmt.Sprintf("View %d events", count)
	case domain.SourceGitHub:
		label = fmt.Sprintf("View %d notifications", count)
	}
	if count <= 1 {
		label = "Open"
	}
	return domain.DigestAction{URL: baseLink(source), Label: label, Type: domain.ActionPrimary}
}

// stripSourceNames removes provider names so titles read the same across sources.
func stripSourceNames(title string) string {
	fields := strings.Fields(title)
	out := fields[:0]
	for _, f := range fields {
		bare := strings.Trim(f, "[]():-")
		drop := false
		for _, s := range domain.AllSources {
			if strings.EqualFold(bare, s.Label()) || strings.EqualFold(bare, string(s)) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return "Update"
	}
	return strings.Join(out, " ")
}

// clip limits s to max runes, ending with an ellipsis when cut.
func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}
