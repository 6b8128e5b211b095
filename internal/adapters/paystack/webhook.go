package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "x-paystack-signature"

// ErrInvalidSignature is returned when a webhook body does not match its signature.
var ErrInvalidSignature = errors.New("invalid paystack signature")

// EventType is the "event" field of a webhook envelope.
type EventType string

const (
	EventSubscriptionCreate   EventType = "subscription.create"
	EventSubscriptionDisable  EventType = "subscription.disable"
	EventSubscriptionNotRenew EventType = "subscription.not_renew"
	EventInvoiceUpdate        EventType = "invoice.update"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventChargeSuccess        EventType = "charge.success"
)

// VerifySignature checks signature against HMAC-SHA512(secret, body).
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature Paystack would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Time accepts RFC3339 strings, empty strings and null.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", raw, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Metadata is the free-form metadata object. Paystack sometimes sends it
// JSON-encoded inside a string, or as an empty string.
type Metadata map[string]any

func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == `""` || trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		data = []byte(inner)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		// Non-object metadata carries nothing we use.
		return nil
	}
	*m = fields
	return nil
}

// String returns a metadata value as text. Numbers and booleans are formatted.
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// UserID returns the numeric user_id metadata value.
func (m Metadata) UserID() (int64, bool) {
	id, err := strconv.ParseInt(m.String("user_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type Customer struct {
	Email        string   `json:"email"`
	CustomerCode string   `json:"customer_code"`
	Metadata     Metadata `json:"metadata"`
}

// Plan is a Paystack plan. Charges without a plan carry {} or an empty string.
type Plan struct {
	PlanCode string `json:"plan_code"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	*p = Plan{}
	if !strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return nil
	}
	type plain Plan
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = Plan(out)
	return nil
}

type SubscriptionData struct {
	SubscriptionCode string   `json:"subscription_code"`
	EmailToken       string   `json:"email_token"`
	Status           string   `json:"status"`
	NextPaymentDate  Time     `json:"next_payment_date"`
	CreatedAtCamel   Time     `json:"createdAt"`
	CreatedAtSnake   Time     `json:"created_at"`
	Plan             Plan     `json:"plan"`
	Customer         Customer `json:"customer"`
}

// CreatedAt returns whichever creation timestamp the payload carried.
func (s SubscriptionData) CreatedAt() time.Time {
	if !s.CreatedAtCamel.IsZero() {
		return s.CreatedAtCamel.Time
	}
	return s.CreatedAtSnake.Time
}

type InvoiceData struct {
	InvoiceCode     string `json:"invoice_code"`
	Status          string `json:"status"`
	Paid            bool   `json:"paid"`
	PaidAt          Time   `json:"paid_at"`
	PeriodStart     Time   `json:"period_start"`
	PeriodEnd       Time   `json:"period_end"`
	NextPaymentDate Time   `json:"next_payment_date"`
	Subscription    struct {
		SubscriptionCode string `json:"subscription_code"`
		Status           string `json:"status"`
	} `json:"subscription"`
	Customer    Customer `json:"customer"`
	Transaction struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
	} `json:"transaction"`
}

type Authorization struct {
	AuthorizationCode string `json:"authorization_code"`
	CardType          string `json:"card_type"`
	Bank              string `json:"bank"`
	Channel           string `json:"channel"`
}

type ChargeData struct {
	Reference     string        `json:"reference"`
	Status        string        `json:"status"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	Channel       string        `json:"channel"`
	PaidAt        Time          `json:"paid_at"`
	Metadata      Metadata      `json:"metadata"`
	Authorization Authorization `json:"authorization"`
	Customer      Customer      `json:"customer"`
	Plan          Plan          `json:"plan"`
	Subscription  *struct {
		SubscriptionCode string `json:"subscription_code"`
		EmailToken       string `json:"email_token"`
		NextPaymentDate  Time   `json:"next_payment_date"`
	} `json:"subscription,omitempty"`
}

// SubscriptionCode returns the recurring subscription a charge belongs to, if any.
func (c ChargeData) SubscriptionCode() string {
	if c.Subscription == nil {
		return ""
	}
	return c.Subscription.SubscriptionCode
}

// Event is a parsed webhook. Exactly one of the data fields is filled for handled types.
type Event struct {
	Type         EventType
	Subscription SubscriptionData
	Invoice      InvoiceData
	Charge       ChargeData
	Data         json.RawMessage
}

// ParseEvent decodes a webhook body. Unknown event types parse without error.
func ParseEvent(body []byte) (Event, error) {
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	if envelope.Event == "" {
		return Event{}, errors.New("decode webhook: missing event type")
	}
	ev := Event{Type: EventType(envelope.Event), Data: envelope.Data}
	var target any
	switch ev.Type {
	case EventSubscriptionCreate, EventSubscriptionDisable, EventSubscriptionNotRenew:
		target = &ev.Subscription
	case EventInvoiceUpdate, EventInvoicePaymentFailed:
		target = &ev.Invoice
	case EventChargeSuccess:
		target = &ev.Charge
	default:
		return ev, nil
	}
	if len(envelope.Data) == 0 {
		return Event{}, fmt.Errorf("decode webhook %s: missing data", ev.Type)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		return Event{}, fmt.Errorf("decode webhook %s: %w", ev.Type, err)
	}
	return ev, nil
}

// Handled reports whether the event type has a handler.
func (e Event) Handled() bool {
	switch e.Type {
	case EventSubscriptionCreate, EventSubscriptionDisable, EventSubscriptionNotRenew,
		EventInvoiceUpdate, EventInvoicePaymentFailed, EventChargeSuccess:
		return true
	}
	return false
}

// IdempotencyKey derives the ledger key of a handled event.
// It returns false for unhandled types and for events missing their identifier.
func (e Event) IdempotencyKey() (string, bool) {
	var id string
	switch e.Type {
	case EventSubscriptionCreate, EventSubscriptionDisable, EventSubscriptionNotRenew:
		id = e.Subscription.SubscriptionCode
		if id != "" {
			return fmt.Sprintf("sub_%s_%s", id, e.Type), true
		}
	case EventInvoiceUpdate, EventInvoicePaymentFailed:
		id = e.Invoice.InvoiceCode
		if id != "" {
			return fmt.Sprintf("inv_%s_%s", id, e.Type), true
		}
	case EventChargeSuccess:
		id = e.Charge.Reference
		if id != "" {
			return "chg_" + id, true
		}
	}
	return "", false
}
