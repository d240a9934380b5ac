package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/catalog"
	"github.com/lumoscan/lumoscan/internal/pkg/ledger"
)

// Ledger is the slice of the credit ledger the webhook handlers need.
type Ledger interface {
	Grant(ctx context.Context, userID uint, amount int, expiryMonths *int, sourceID, grantContext string) (*models.CreditSummary, error)
}

// Catalog resolves provider plan references to credit grants.
type Catalog interface {
	Resolve(ctx context.Context, provider, providerPlanRef string) (catalog.CreditGrant, error)
}

// PlanStore syncs subscription plan state onto user settings.
type PlanStore interface {
	SetUserPlan(ctx context.Context, userID uint, plan string) error
}

// Service guarantees a given external payment event id is applied to the
// ledger at most once, even under provider retries. Claiming and processing
// are deliberately two separate transactions: a crash between them leaves
// the event claimed but unprocessed, which re-delivery cannot double-apply
// and operators can replay.
type Service struct {
	repo    Repository
	ledger  Ledger
	catalog Catalog
	plans   PlanStore
}

// NewService creates a webhook service from its collaborators.
func NewService(repo Repository, ledger Ledger, catalog Catalog, plans PlanStore) *Service {
	return &Service{repo: repo, ledger: ledger, catalog: catalog, plans: plans}
}

// ClaimEvent records the event and reports whether this delivery won the
// claim. On false the caller must skip processing and still report success
// upstream, since provider re-delivery is expected.
func (s *Service) ClaimEvent(ctx context.Context, in EventInput) (bool, *models.PaymentWebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.PaymentWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateEventIfNotExists(event)
}

// MarkProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkProcessed(ctx context.Context, eventID uint, processingErr error) error {
	_ = ctx
	if eventID == 0 {
		return errors.New("webhook event id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkProcessed(eventID, errMsg)
}

// Process claims the event and, on a won claim, dispatches it to its
// type handler. The event is marked processed afterwards in a separate
// write; a handler failure is recorded on the event without blocking the
// dedupe guarantee.
func (s *Service) Process(ctx context.Context, in EventInput) error {
	claimed, event, err := s.ClaimEvent(ctx, in)
	if err != nil {
		return err
	}
	if !claimed {
		log.Infof("[Webhook] duplicate delivery of %s/%s skipped", event.Provider, event.ProviderEventID)
		return nil
	}

	handlerErr := s.dispatch(ctx, event)
	if handlerErr != nil {
		log.Errorf("[Webhook] handler failed for %s/%s: %v", event.Provider, event.ProviderEventID, handlerErr)
	}
	if err := s.MarkProcessed(ctx, event.ID, handlerErr); err != nil {
		log.Errorf("[Webhook] failed to mark event %d processed: %v", event.ID, err)
	}
	return handlerErr
}

func (s *Service) dispatch(ctx context.Context, event *models.PaymentWebhookEvent) error {
	switch event.EventType {
	case EventTypePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case EventTypeSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	default:
		log.Warnf("[Webhook] ignoring unhandled event type %q (%s/%s)", event.EventType, event.Provider, event.ProviderEventID)
		return nil
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event *models.PaymentWebhookEvent) error {
	var payload PaymentSucceededPayload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode payment payload: %w", err)
	}
	if payload.UserID == 0 {
		return errors.New("payment payload missing user_id")
	}

	grant, err := s.catalog.Resolve(ctx, event.Provider, payload.ProviderPlanRef)
	if err != nil {
		return fmt.Errorf("resolve plan %q: %w", payload.ProviderPlanRef, err)
	}

	sourceID := payload.SourceID
	if sourceID == "" {
		sourceID = event.ProviderEventID
	}
	_, err = s.ledger.Grant(ctx, payload.UserID, grant.Amount, grant.ExpiryMonths, sourceID, "purchase:"+payload.ProviderPlanRef)
	return err
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *models.PaymentWebhookEvent) error {
	var payload SubscriptionUpdatedPayload
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode subscription payload: %w", err)
	}
	if payload.UserID == 0 {
		return errors.New("subscription payload missing user_id")
	}

	plan := strings.ToLower(strings.TrimSpace(payload.Plan))
	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case "active", "trialing", "past_due":
		// keep the delivered plan
	default:
		plan = "free"
	}
	return s.plans.SetUserPlan(ctx, payload.UserID, plan)
}

var _ Ledger = (*ledger.Service)(nil)
