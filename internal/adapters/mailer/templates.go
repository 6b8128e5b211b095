package mailer

import (
	"embed"
	"fmt"
	"net/url"
	"strings"

	"github.com/osteele/liquid"

	"brevpulse/internal/domain"
)

//go:embed templates/*.liquid
var templateFS embed.FS

// VerificationSubject is the subject line of the email verification message.
const VerificationSubject = "Verify Your BrevPulse Email"

// Templates renders the liquid email bodies.
type Templates struct {
	digest       *liquid.Template
	verification *liquid.Template
	frontendURL  string
}

// NewTemplates parses the embedded templates.
func NewTemplates(frontendURL string) (*Templates, error) {
	engine := liquid.NewEngine()
	engine.RegisterFilter("plural", func(n int, word string) string {
		if n == 1 {
			return word
		}
		return word + "s"
	})

	digest, err := parseTemplate(engine, "templates/digest.liquid")
	if err != nil {
		return nil, err
	}
	verification, err := parseTemplate(engine, "templates/verification.liquid")
	if err != nil {
		return nil, err
	}
	return &Templates{
		digest:       digest,
		verification: verification,
		frontendURL:  strings.TrimSuffix(frontendURL, "/"),
	}, nil
}

func parseTemplate(engine *liquid.Engine, name string) (*liquid.Template, error) {
	src, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	tpl, perr := engine.ParseTemplate(src)
	if perr != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, perr)
	}
	return tpl, nil
}

// DigestSubject returns the subject line of a digest email.
func DigestSubject(payload domain.DigestPayload) string {
	period := string(payload.Period)
	if period == "" {
		period = string(domain.PeriodDaily)
	}
	if payload.Empty() {
		return fmt.Sprintf("Your BrevPulse %s digest: nothing new", period)
	}
	n := payload.Summary.TotalItems
	noun := "updates"
	if n == 1 {
		noun = "update"
	}
	return fmt.Sprintf("Your BrevPulse %s digest: %d %s", period, n, noun)
}

// RenderDigest renders the digest email of user.
func (t *Templates) RenderDigest(user domain.User, payload domain.DigestPayload) (subject, html string, err error) {
	items := make([]map[string]any, 0, len(payload.Items))
	for _, item := range payload.Items {
		actions := make([]map[string]any, 0, len(item.Actions))
		for _, a := range item.Actions {
			actions = append(actions, map[string]any{
				"url":   a.URL,
				"label": a.Label,
				"type":  string(a.Type),
			})
		}
		items = append(items, map[string]any{
			"source":      item.Source.Label(),
			"priority":    string(item.Priority),
			"title":       item.Title,
			"description": item.Description,
			"count":       item.Count,
			"actions":     actions,
		})
	}
	labels := make([]string, 0, len(payload.Summary.Integrations))
	for _, s := range payload.Summary.Integrations {
		labels = append(labels, s.Label())
	}
	period := string(payload.Period)
	if period == "" {
		period = string(domain.PeriodDaily)
	}

	bindings := map[string]any{
		"name":         displayName(user),
		"period":       period,
		"total":        payload.Summary.TotalItems,
		"high":         payload.Summary.ByPriority[domain.PriorityHigh],
		"integrations": strings.Join(labels, ", "),
		"items":        items,
		"plan_name":    domain.LimitsForPlan(payload.Plan).Name,
		"settings_url": t.frontendURL + "/settings",
	}
	out, rerr := t.digest.RenderString(bindings)
	if rerr != nil {
		return "", "", fmt.Errorf("render digest: %w", rerr)
	}
	return DigestSubject(payload), out, nil
}

// RenderVerification renders the email verification message.
func (t *Templates) RenderVerification(name, token string) (subject, html string, err error) {
	bindings := map[string]any{
		"name":       firstNonEmpty(name, "there"),
		"verify_url": t.frontendURL + "/auth/verify?token=" + url.QueryEscape(token),
	}
	out, rerr := t.verification.RenderString(bindings)
	if rerr != nil {
		return "", "", fmt.Errorf("render verification: %w", rerr)
	}
	return VerificationSubject, out, nil
}

func displayName(user domain.User) string {
	if name := strings.TrimSpace(user.Name); name != "" {
		return strings.Fields(name)[0]
	}
	if at := strings.Index(user.Email, "@"); at > 0 {
		return user.Email[:at]
	}
	return "there"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
