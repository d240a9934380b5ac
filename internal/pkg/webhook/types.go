package webhook

// Normalized event types the dispatcher understands. Providers deliver their
// own vocabulary; the transport layer maps it to these before claiming.
const (
	EventTypePaymentSucceeded    = "payment.succeeded"
	EventTypeSubscriptionUpdated = "subscription.updated"
)

// EventInput is the normalized input for webhook event persistence. The
// payload arrives already signature-verified; SignatureValid records the
// outcome for auditing.
type EventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// PaymentSucceededPayload is the normalized body of a payment.succeeded
// event: which user bought which provider plan.
type PaymentSucceededPayload struct {
	UserID          uint   `json:"user_id"`
	ProviderPlanRef string `json:"provider_plan_ref"`
	SourceID        string `json:"source_id"`
}

// SubscriptionUpdatedPayload is the normalized body of a
// subscription.updated event.
type SubscriptionUpdatedPayload struct {
	UserID uint   `json:"user_id"`
	Plan   string `json:"plan"`
	Status string `json:"status"`
}
