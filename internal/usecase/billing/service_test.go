package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/domain"
)

const secret = "sk_test_secret"

type store struct {
	mu     sync.Mutex
	users  map[int64]domain.User
	subs   map[int64]domain.Subscription
	txs    map[string]domain.PaymentTransaction
	ledger map[string]domain.ProcessedEvent
	nextID int64
	// failSave makes SaveSubscription inside a transaction fail.
	failSave bool
}

func newStore(users ...domain.User) *store {
	s := &store{
		users:  map[int64]domain.User{},
		subs:   map[int64]domain.Subscription{},
		txs:    map[string]domain.PaymentTransaction{},
		ledger: map[string]domain.ProcessedEvent{},
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *store) ApplyEvent(ctx context.Context, event domain.ProcessedEvent, fn func(context.Context, domain.BillingTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[event.EventID]; ok {
		return domain.ErrEventAlreadyProcessed
	}
	users, subs, txs, next := copyMap(s.users), copyMap(s.subs), copyMap(s.txs), s.nextID
	s.ledger[event.EventID] = event
	if err := fn(ctx, storeTx{s}); err != nil {
		s.users, s.subs, s.txs, s.nextID = users, subs, txs, next
		delete(s.ledger, event.EventID)
		return err
	}
	return nil
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *store) latest(userID int64) (domain.Subscription, error) {
	var best domain.Subscription
	found := false
	for _, sub := range s.subs {
		if sub.UserID == userID && (!found || sub.ID > best.ID) {
			best, found = sub, true
		}
	}
	if !found {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return best, nil
}

func (s *store) GetSubscription(_ context.Context, id int64) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *store) LatestSubscriptionByUser(_ context.Context, userID int64) (domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(userID)
}

func (s *store) SaveSubscription(_ context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOneActive(sub); err != nil {
		return err
	}
	s.subs[sub.ID] = sub
	return nil
}

// checkOneActive mirrors the partial unique index on active subscriptions per user.
func (s *store) checkOneActive(sub domain.Subscription) error {
	if sub.Status != domain.SubscriptionActive {
		return nil
	}
	for _, other := range s.subs {
		if other.ID != sub.ID && other.UserID == sub.UserID && other.Status == domain.SubscriptionActive {
			return errors.New("duplicate active subscription")
		}
	}
	return nil
}

func (s *store) active(userID int64) []domain.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == domain.SubscriptionActive {
			out = append(out, sub)
		}
	}
	return out
}

func (s *store) ListExpiring(_ context.Context, now time.Time, afterID int64, limit int) ([]domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.ID > afterID && sub.Expired(now) && s.users[sub.UserID].Plan == domain.PlanPro {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// users side of the store.

func (s *store) GetUser(_ context.Context, id int64) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *store) ListUsersByPlan(context.Context, domain.Plan, int64, int) ([]domain.User, error) {
	return nil, nil
}

func (s *store) UpdatePreferences(context.Context, int64, domain.Preferences) error { return nil }

func (s *store) SetPlan(_ context.Context, id int64, plan domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[id]
	u.Plan = plan
	s.users[id] = u
	return nil
}

func (s *store) EncryptionKey(context.Context, int64) ([]byte, error) { return nil, nil }

func (s *store) plan(id int64) domain.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id].Plan
}

// storeTx runs with the store lock already held by ApplyEvent.
type storeTx struct{ s *store }

func (t storeTx) SubscriptionByCode(_ context.Context, code string) (domain.Subscription, error) {
	for _, sub := range t.s.subs {
		if sub.ProviderCode == code {
			return sub, nil
		}
	}
	return domain.Subscription{}, domain.ErrSubscriptionNotFound
}

func (t storeTx) LatestSubscriptionByUser(_ context.Context, userID int64) (domain.Subscription, error) {
	return t.s.latest(userID)
}

func (t storeTx) CreateSubscription(_ context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if err := t.s.checkOneActive(sub); err != nil {
		return domain.Subscription{}, err
	}
	t.s.nextID++
	sub.ID = t.s.nextID
	t.s.subs[sub.ID] = sub
	return sub, nil
}

func (t storeTx) SaveSubscription(_ context.Context, sub domain.Subscription) error {
	if t.s.failSave {
		return errors.New("write failed")
	}
	if err := t.s.checkOneActive(sub); err != nil {
		return err
	}
	t.s.subs[sub.ID] = sub
	return nil
}

func (t storeTx) SetUserPlan(_ context.Context, userID int64, plan domain.Plan) error {
	u, ok := t.s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.Plan = plan
	t.s.users[userID] = u
	return nil
}

func (t storeTx) InsertTransaction(_ context.Context, tr domain.PaymentTransaction) error {
	if _, ok := t.s.txs[tr.Reference]; !ok {
		t.s.txs[tr.Reference] = tr
	}
	return nil
}

type fakeGateway struct {
	disabled []string
	params   paystack.InitializeParams
	err      error
}

func (g *fakeGateway) InitializeTransaction(_ context.Context, p paystack.InitializeParams) (paystack.Checkout, error) {
	g.params = p
	if g.err != nil {
		return paystack.Checkout{}, g.err
	}
	return paystack.Checkout{AuthorizationURL: "https://checkout.paystack.com/abc", AccessCode: "abc", Reference: p.Reference}, nil
}

func (g *fakeGateway) DisableSubscription(_ context.Context, code, _ string) error {
	if g.err != nil {
		return g.err
	}
	g.disabled = append(g.disabled, code)
	return nil
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakeScheduler) Reschedule(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return nil
}

type enqueued struct {
	name domain.JobName
	opts domain.EnqueueOptions
}

type fakeQueue struct {
	jobs []enqueued
}

func (q *fakeQueue) Enqueue(_ context.Context, name domain.JobName, _ any, opts domain.EnqueueOptions) (string, error) {
	q.jobs = append(q.jobs, enqueued{name: name, opts: opts})
	return opts.JobID, nil
}

func (q *fakeQueue) UpsertRepeating(context.Context, string, domain.JobName, any, domain.RepeatOptions) error {
	return nil
}

func (q *fakeQueue) RemoveRepeating(context.Context, string) error { return nil }

type fakeEvents struct {
	metrics []domain.BusinessMetric
}

func (e *fakeEvents) RecordBusinessMetric(_ context.Context, m domain.BusinessMetric) error {
	e.metrics = append(e.metrics, m)
	return nil
}

type fixture struct {
	svc       *Service
	store     *store
	gateway   *fakeGateway
	scheduler *fakeScheduler
	queue     *fakeQueue
	events    *fakeEvents
	now       time.Time
}

func setup(t *testing.T, users ...domain.User) *fixture {
	t.Helper()
	f := &fixture{
		store:     newStore(users...),
		gateway:   &fakeGateway{},
		scheduler: &fakeScheduler{},
		queue:     &fakeQueue{},
		events:    &fakeEvents{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.store, f.gateway, f.scheduler, f.queue, f.events,
		Config{WebhookSecret: secret, PlanCode: "PLN_pro", AmountMinor: 500000, CallbackURL: "https://app.test/billing"},
		zerolog.Nop())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func freeUser(id int64) domain.User {
	return domain.User{ID: id, Email: fmt.Sprintf("u%d@example.com", id), Plan: domain.PlanFree, IsActive: true, EmailVerified: true}
}

func webhook(t *testing.T, event string, data any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	return body, paystack.Sign(secret, body)
}

func chargeData(ref string, userID int64) map[string]any {
	return map[string]any{
		"reference": ref,
		"status":    "success",
		"amount":    500000,
		"paid_at":   "2026-03-01T12:00:00Z",
		"metadata":  map[string]any{"user_id": userID},
		"plan":      map[string]any{"plan_code": "PLN_pro", "interval": "monthly"},
		"authorization": map[string]any{
			"authorization_code": "AUTH_1", "card_type": "visa", "bank": "Test Bank", "channel": "card",
		},
	}
}

func TestDuplicateChargeSuccessProvisionsOnce(t *testing.T) {
	f := setup(t, freeUser(1))
	ctx := context.Background()
	body, sig := webhook(t, "charge.success", chargeData("ref-1", 1))

	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))

	assert.Equal(t, domain.PlanPro, f.store.plan(1))
	require.Len(t, f.store.subs, 1)
	sub := f.store.subs[1]
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, "pending_ref-1", sub.ProviderCode)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	require.Len(t, f.store.txs, 1)
	tr := f.store.txs["ref-1"]
	assert.Equal(t, "NGN", tr.Currency)
	assert.Equal(t, "success", tr.Status)
	require.NotNil(t, tr.SubscriptionID)
	assert.Equal(t, sub.ID, *tr.SubscriptionID)

	assert.Equal(t, []int64{1}, f.scheduler.calls)
	require.Len(t, f.events.metrics, 1)
	assert.Equal(t, domain.BusinessMetricEventPlanChanged, f.events.metrics[0].Event)
}

func TestConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	f := setup(t, freeUser(1))
	body, sig := webhook(t, "charge.success", chargeData("ref-1", 1))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.HandleWebhook(context.Background(), body, sig)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.store.subs, 1)
	assert.Len(t, f.store.ledger, 1)
}

func TestSubscriptionCreateAdoptsProvisionalSubscription(t *testing.T) {
	f := setup(t, freeUser(1))
	ctx := context.Background()
	body, sig := webhook(t, "charge.success", chargeData("ref-1", 1))
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))

	body, sig = webhook(t, "subscription.create", map[string]any{
		"subscription_code": "SUB_abc",
		"email_token":       "tok_1",
		"status":            "active",
		"next_payment_date": "2026-04-01T12:00:00Z",
		"createdAt":         "2026-03-01T12:00:05Z",
		"plan":              map[string]any{"plan_code": "PLN_pro", "interval": "monthly"},
		"customer":          map[string]any{"email": "u1@example.com", "metadata": map[string]any{"user_id": "1"}},
	})
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))

	require.Len(t, f.store.subs, 1)
	sub := f.store.subs[1]
	assert.Equal(t, "SUB_abc", sub.ProviderCode)
	assert.Equal(t, "tok_1", sub.EmailToken)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, domain.PlanPro, f.store.plan(1))
}

func TestSubscriptionCreateForNewUser(t *testing.T) {
	f := setup(t, freeUser(2))
	body, sig := webhook(t, "subscription.create", map[string]any{
		"subscription_code": "SUB_y",
		"status":            "active",
		"next_payment_date": "2027-03-01T00:00:00Z",
		"plan":              map[string]any{"plan_code": "PLN_pro", "interval": "annually"},
		"customer":          map[string]any{"email": "u2@example.com", "metadata": map[string]any{"user_id": 2, "is_first_trial": "true"}},
	})
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, sig))

	sub, err := f.store.LatestSubscriptionByUser(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionProYearly, sub.Plan)
	assert.True(t, sub.IsFirstTrial)
	assert.Equal(t, domain.PlanPro, f.store.plan(2))
	assert.Equal(t, []int64{2}, f.scheduler.calls)
}

func TestHandlerErrorRollsBackAndAllowsRedelivery(t *testing.T) {
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, ProviderCode: "SUB_1", Status: domain.SubscriptionActive,
		CurrentPeriodEnd: f.now.Add(72 * time.Hour)}
	f.store.nextID = 1
	body, sig := webhook(t, "subscription.disable", map[string]any{"subscription_code": "SUB_1"})

	f.store.failSave = true
	err := f.svc.HandleWebhook(context.Background(), body, sig)
	require.Error(t, err)
	assert.Empty(t, f.store.ledger)
	assert.Equal(t, domain.SubscriptionActive, f.store.subs[1].Status)
	assert.Empty(t, f.queue.jobs)

	f.store.failSave = false
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, sig))
	assert.Equal(t, domain.SubscriptionCanceled, f.store.subs[1].Status)
	assert.NotNil(t, f.store.subs[1].CanceledAt)
	assert.Equal(t, domain.PlanPro, f.store.plan(1))
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, domain.JobCheckExpiration, f.queue.jobs[0].name)
	assert.Equal(t, 72*time.Hour, f.queue.jobs[0].opts.Delay)
}

func TestInvalidSignatureRejected(t *testing.T) {
	f := setup(t, freeUser(1))
	body, _ := webhook(t, "charge.success", chargeData("ref-1", 1))

	err := f.svc.HandleWebhook(context.Background(), body, paystack.Sign("other", body))
	assert.ErrorIs(t, err, paystack.ErrInvalidSignature)
	assert.Empty(t, f.store.ledger)
	assert.Equal(t, domain.PlanFree, f.store.plan(1))
}

func TestMalformedSignedPayload(t *testing.T) {
	f := setup(t)
	body := []byte(`{"event":"charge.success","data":"oops"}`)
	err := f.svc.HandleWebhook(context.Background(), body, paystack.Sign(secret, body))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestUnhandledEventIsAcknowledged(t *testing.T) {
	f := setup(t)
	body, sig := webhook(t, "transfer.success", map[string]any{"reference": "x"})
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, sig))
	assert.Empty(t, f.store.ledger)
}

func TestInvoiceLifecycle(t *testing.T) {
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, ProviderCode: "SUB_1", Status: domain.SubscriptionActive,
		CurrentPeriodStart: f.now.AddDate(0, -1, 0), CurrentPeriodEnd: f.now}
	f.store.nextID = 1
	ctx := context.Background()

	body, sig := webhook(t, "invoice.payment_failed", map[string]any{
		"invoice_code": "INV_1", "subscription": map[string]any{"subscription_code": "SUB_1"},
	})
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))
	assert.Equal(t, domain.SubscriptionPastDue, f.store.subs[1].Status)
	require.Len(t, f.queue.jobs, 1)

	body, sig = webhook(t, "invoice.update", map[string]any{
		"invoice_code":      "INV_1",
		"paid":              true,
		"paid_at":           "2026-03-02T09:00:00Z",
		"next_payment_date": "2026-04-02T09:00:00Z",
		"subscription":      map[string]any{"subscription_code": "SUB_1"},
	})
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))
	sub := f.store.subs[1]
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), sub.CurrentPeriodStart)
	assert.Equal(t, time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)
}

func pastDueUser(t *testing.T, periodEnd time.Duration) *fixture {
	t.Helper()
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, ProviderCode: "SUB_1", Plan: domain.SubscriptionProMonthly,
		Status: domain.SubscriptionPastDue, CurrentPeriodStart: f.now.AddDate(0, -1, 0), CurrentPeriodEnd: f.now.Add(periodEnd)}
	f.store.nextID = 1
	return f
}

func TestChargeSuccessRenewsPastDueSubscription(t *testing.T) {
	f := pastDueUser(t, 24*time.Hour)
	body, sig := webhook(t, "charge.success", chargeData("ref-renew", 1))
	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, sig))

	require.Len(t, f.store.subs, 1)
	sub := f.store.subs[1]
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, "SUB_1", sub.ProviderCode)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd)

	tr := f.store.txs["ref-renew"]
	require.NotNil(t, tr.SubscriptionID)
	assert.Equal(t, int64(1), *tr.SubscriptionID)
	assert.Equal(t, domain.PlanPro, f.store.plan(1))
	assert.Empty(t, f.events.metrics)
}

func TestPastDueRecoveryKeepsOneActiveSubscription(t *testing.T) {
	f := pastDueUser(t, 24*time.Hour)
	ctx := context.Background()

	body, sig := webhook(t, "charge.success", chargeData("ref-renew", 1))
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))
	body, sig = webhook(t, "invoice.update", map[string]any{
		"invoice_code":      "INV_2",
		"paid":              true,
		"paid_at":           "2026-03-01T12:00:00Z",
		"next_payment_date": "2026-04-01T12:00:00Z",
		"subscription":      map[string]any{"subscription_code": "SUB_1"},
	})
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))

	active := f.store.active(1)
	require.Len(t, active, 1)
	assert.Equal(t, "SUB_1", active[0].ProviderCode)
}

func TestLapsedPastDueIsNotReactivatedOverNewSubscription(t *testing.T) {
	f := pastDueUser(t, -time.Hour)
	ctx := context.Background()

	body, sig := webhook(t, "charge.success", chargeData("ref-new", 1))
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))
	body, sig = webhook(t, "invoice.update", map[string]any{
		"invoice_code": "INV_3",
		"paid":         true,
		"subscription": map[string]any{"subscription_code": "SUB_1"},
	})
	require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))

	active := f.store.active(1)
	require.Len(t, active, 1)
	assert.Equal(t, "pending_ref-new", active[0].ProviderCode)
	assert.Equal(t, domain.SubscriptionPastDue, f.store.subs[1].Status)
}

func TestCancelKeepsAccessUntilPeriodEnd(t *testing.T) {
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, ProviderCode: "SUB_1", EmailToken: "tok",
		Status: domain.SubscriptionActive, CurrentPeriodEnd: f.now.Add(48 * time.Hour)}
	ctx := context.Background()

	sub, err := f.svc.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCanceled, sub.Status)
	assert.Equal(t, []string{"SUB_1"}, f.gateway.disabled)
	assert.Equal(t, domain.PlanPro, f.store.plan(1))

	status, err := f.svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.ID)

	_, err = f.svc.Cancel(ctx, 1)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
}

func TestCancelProviderFailureLeavesSubscription(t *testing.T) {
	f := setup(t, freeUser(1))
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, ProviderCode: "SUB_1", Status: domain.SubscriptionActive}
	f.gateway.err = errors.New("paystack down")

	_, err := f.svc.Cancel(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, domain.SubscriptionActive, f.store.subs[1].Status)
}

func TestStatusDowngradesExpiredSubscription(t *testing.T) {
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, Status: domain.SubscriptionCanceled, CurrentPeriodEnd: f.now.Add(-time.Minute)}

	_, err := f.svc.Status(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoActiveSubscription)
	assert.Equal(t, domain.PlanFree, f.store.plan(1))
	assert.Equal(t, []int64{1}, f.scheduler.calls)
}

func TestCheckExpiration(t *testing.T) {
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, Status: domain.SubscriptionPastDue, CurrentPeriodEnd: f.now.Add(time.Hour)}
	ctx := context.Background()

	require.NoError(t, f.svc.CheckExpiration(ctx, 1))
	assert.Equal(t, domain.PlanPro, f.store.plan(1))

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.svc.CheckExpiration(ctx, 1))
	assert.Equal(t, domain.PlanFree, f.store.plan(1))

	require.NoError(t, f.svc.CheckExpiration(ctx, 1))
	require.Len(t, f.events.metrics, 1)
	require.NoError(t, f.svc.CheckExpiration(ctx, 99))
}

func TestCheckExpirationKeepsNewerSubscription(t *testing.T) {
	user := freeUser(1)
	user.Plan = domain.PlanPro
	f := setup(t, user)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, Status: domain.SubscriptionCanceled, CurrentPeriodEnd: f.now.Add(-time.Hour)}
	f.store.subs[2] = domain.Subscription{ID: 2, UserID: 1, Status: domain.SubscriptionActive, CurrentPeriodEnd: f.now.AddDate(0, 1, 0)}

	require.NoError(t, f.svc.CheckExpiration(context.Background(), 1))
	assert.Equal(t, domain.PlanPro, f.store.plan(1))
}

func TestSweepExpired(t *testing.T) {
	u1, u2 := freeUser(1), freeUser(2)
	u1.Plan, u2.Plan = domain.PlanPro, domain.PlanPro
	f := setup(t, u1, u2)
	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, Status: domain.SubscriptionCanceled, CurrentPeriodEnd: f.now.Add(-time.Hour)}
	f.store.subs[2] = domain.Subscription{ID: 2, UserID: 2, Status: domain.SubscriptionActive, CurrentPeriodEnd: f.now.Add(-time.Hour)}

	n, err := f.svc.SweepExpired(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.PlanFree, f.store.plan(1))
	assert.Equal(t, domain.PlanPro, f.store.plan(2))
}

func TestSweepExpiredPagesAndCountsDowngrades(t *testing.T) {
	f := setup(t)
	for id := int64(1); id <= expiringBatch+5; id++ {
		u := freeUser(id)
		u.Plan = domain.PlanPro
		f.store.users[id] = u
		f.store.subs[id] = domain.Subscription{ID: id, UserID: id, Status: domain.SubscriptionCanceled, CurrentPeriodEnd: f.now.Add(-time.Hour)}
	}
	// user 1 also holds a newer subscription that still grants access.
	f.store.subs[1000] = domain.Subscription{ID: 1000, UserID: 1, Status: domain.SubscriptionCanceled, CurrentPeriodEnd: f.now.Add(time.Hour)}

	n, err := f.svc.SweepExpired(context.Background(), f.now)
	require.NoError(t, err)
	assert.Equal(t, expiringBatch+4, n)
	assert.Equal(t, domain.PlanPro, f.store.plan(1))
	assert.Equal(t, domain.PlanFree, f.store.plan(expiringBatch+5))
}

func TestCheckout(t *testing.T) {
	f := setup(t, freeUser(1))
	ctx := context.Background()

	checkout, err := f.svc.Checkout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/abc", checkout.AuthorizationURL)
	assert.Equal(t, "u1@example.com", f.gateway.params.Email)
	assert.Equal(t, "PLN_pro", f.gateway.params.PlanCode)
	assert.Equal(t, "1", f.gateway.params.Metadata["user_id"])
	assert.NotEmpty(t, f.gateway.params.Reference)

	f.store.subs[1] = domain.Subscription{ID: 1, UserID: 1, Status: domain.SubscriptionActive}
	_, err = f.svc.Checkout(ctx, 1)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}
