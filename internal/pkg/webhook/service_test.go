package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/catalog"
)

type fakeRepository struct {
	events    map[string]*models.PaymentWebhookEvent
	nextID    uint
	processed map[uint]string
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		events:    make(map[string]*models.PaymentWebhookEvent),
		processed: make(map[uint]string),
	}
}

func (r *fakeRepository) CreateEventIfNotExists(event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		return false, stored, nil
	}
	r.nextID++
	event.ID = r.nextID
	r.events[key] = event
	return true, event, nil
}

func (r *fakeRepository) MarkProcessed(id uint, processingError string) error {
	r.processed[id] = processingError
	return nil
}

type fakeLedger struct {
	grants []fakeGrant
	err    error
}

type fakeGrant struct {
	UserID   uint
	Amount   int
	SourceID string
}

func (l *fakeLedger) Grant(_ context.Context, userID uint, amount int, _ *int, sourceID, _ string) (*models.CreditSummary, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.grants = append(l.grants, fakeGrant{UserID: userID, Amount: amount, SourceID: sourceID})
	return &models.CreditSummary{UserID: userID, TotalAvailable: amount}, nil
}

type fakeCatalog struct {
	grant catalog.CreditGrant
	err   error
}

func (c *fakeCatalog) Resolve(_ context.Context, _, _ string) (catalog.CreditGrant, error) {
	return c.grant, c.err
}

type fakePlanStore struct {
	plans map[uint]string
}

func (p *fakePlanStore) SetUserPlan(_ context.Context, userID uint, plan string) error {
	if p.plans == nil {
		p.plans = make(map[uint]string)
	}
	p.plans[userID] = plan
	return nil
}

func newTestService() (*Service, *fakeRepository, *fakeLedger, *fakePlanStore) {
	repo := newFakeRepository()
	led := &fakeLedger{}
	plans := &fakePlanStore{}
	svc := NewService(repo, led, &fakeCatalog{grant: catalog.CreditGrant{Amount: 3}}, plans)
	return svc, repo, led, plans
}

func TestClaimEvent_SecondClaimLoses(t *testing.T) {
	svc, _, _, _ := newTestService()
	in := EventInput{Provider: "stripe", ProviderEventID: "evt_1", EventType: EventTypePaymentSucceeded}

	claimed, event, err := svc.ClaimEvent(context.Background(), in)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	if event.ID == 0 {
		t.Fatalf("expected stored event to carry an id")
	}

	claimed, _, err = svc.ClaimEvent(context.Background(), in)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if claimed {
		t.Fatalf("expected second claim to lose")
	}
}

func TestClaimEvent_MissingEventIDHashesPayload(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, event, err := svc.ClaimEvent(context.Background(), EventInput{Provider: "stripe", PayloadJSON: `{"a":1}`})
	if err != nil {
		t.Fatalf("claim error: %v", err)
	}
	if event.ProviderEventID == "" || event.ProviderEventID[:5] != "hash:" {
		t.Fatalf("expected hashed fallback event id, got %q", event.ProviderEventID)
	}
}

func TestProcess_GrantHappensExactlyOnce(t *testing.T) {
	svc, repo, led, _ := newTestService()
	in := EventInput{
		Provider:        "stripe",
		ProviderEventID: "evt_42",
		EventType:       EventTypePaymentSucceeded,
		PayloadJSON:     `{"user_id":7,"provider_plan_ref":"scan_pack_3","source_id":"pi_1"}`,
	}

	for i := 0; i < 3; i++ {
		if err := svc.Process(context.Background(), in); err != nil {
			t.Fatalf("process (delivery %d): %v", i+1, err)
		}
	}

	if len(led.grants) != 1 {
		t.Fatalf("expected exactly one grant, got %d", len(led.grants))
	}
	if led.grants[0].UserID != 7 || led.grants[0].Amount != 3 || led.grants[0].SourceID != "pi_1" {
		t.Fatalf("unexpected grant: %+v", led.grants[0])
	}
	if msg, ok := repo.processed[1]; !ok || msg != "" {
		t.Fatalf("expected event marked processed without error, got %q (ok=%v)", msg, ok)
	}
}

func TestProcess_HandlerErrorStillMarksSeen(t *testing.T) {
	repo := newFakeRepository()
	led := &fakeLedger{}
	svc := NewService(repo, led, &fakeCatalog{err: catalog.ErrUnknownPlan}, &fakePlanStore{})
	in := EventInput{
		Provider:        "stripe",
		ProviderEventID: "evt_bad",
		EventType:       EventTypePaymentSucceeded,
		PayloadJSON:     `{"user_id":7,"provider_plan_ref":"nope"}`,
	}

	err := svc.Process(context.Background(), in)
	if !errors.Is(err, catalog.ErrUnknownPlan) {
		t.Fatalf("expected unknown plan error, got %v", err)
	}
	if msg := repo.processed[1]; msg == "" {
		t.Fatalf("expected processing error recorded on the event")
	}

	// Re-delivery must not retry the handler through the claim path.
	if err := svc.Process(context.Background(), in); err != nil {
		t.Fatalf("re-delivery should report success, got %v", err)
	}
	if len(led.grants) != 0 {
		t.Fatalf("expected no grants, got %d", len(led.grants))
	}
}

func TestProcess_SubscriptionUpdated(t *testing.T) {
	svc, _, _, plans := newTestService()
	in := EventInput{
		Provider:        "stripe",
		ProviderEventID: "evt_sub",
		EventType:       EventTypeSubscriptionUpdated,
		PayloadJSON:     `{"user_id":9,"plan":"premium","status":"active"}`,
	}

	if err := svc.Process(context.Background(), in); err != nil {
		t.Fatalf("process: %v", err)
	}
	if plans.plans[9] != "premium" {
		t.Fatalf("expected plan premium, got %q", plans.plans[9])
	}
}

func TestProcess_CanceledSubscriptionDropsToFree(t *testing.T) {
	svc, _, _, plans := newTestService()
	in := EventInput{
		Provider:        "stripe",
		ProviderEventID: "evt_cancel",
		EventType:       EventTypeSubscriptionUpdated,
		PayloadJSON:     `{"user_id":9,"plan":"premium","status":"canceled"}`,
	}

	if err := svc.Process(context.Background(), in); err != nil {
		t.Fatalf("process: %v", err)
	}
	if plans.plans[9] != "free" {
		t.Fatalf("expected plan free, got %q", plans.plans[9])
	}
}
