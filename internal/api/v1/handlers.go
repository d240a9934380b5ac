package apiv1

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/app/repository"
	"github.com/lumoscan/lumoscan/internal/pkg/env"
	"github.com/lumoscan/lumoscan/internal/pkg/gate"
	"github.com/lumoscan/lumoscan/internal/pkg/jobqueue"
	"github.com/lumoscan/lumoscan/internal/pkg/ledger"
	"github.com/lumoscan/lumoscan/internal/pkg/ratelimit"
	"github.com/lumoscan/lumoscan/internal/pkg/scan"
	"github.com/lumoscan/lumoscan/internal/pkg/security"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
	"github.com/lumoscan/lumoscan/internal/pkg/usercontext"
	"github.com/lumoscan/lumoscan/internal/pkg/verify"
	"github.com/lumoscan/lumoscan/internal/pkg/webhook"
)

var validate = validator.New()

// APIServer holds the service collaborators behind the v1 endpoints.
type APIServer struct {
	ledger      *ledger.Service
	authorizer  *scan.Authorizer
	gate        *gate.Tracker
	limiter     *ratelimit.Limiter
	webhooks    *webhook.Service
	attestation *verify.Checker
	sessions    repository.ScanSessionRepository
	users       repository.UserRepository
	queues      repository.QueueRepository
}

// NewAPIServer creates a new API server instance
func NewAPIServer(
	ledgerSvc *ledger.Service,
	authorizer *scan.Authorizer,
	gateTracker *gate.Tracker,
	limiter *ratelimit.Limiter,
	webhooks *webhook.Service,
	attestation *verify.Checker,
	sessions repository.ScanSessionRepository,
	users repository.UserRepository,
	queues repository.QueueRepository,
) *APIServer {
	return &APIServer{
		ledger:      ledgerSvc,
		authorizer:  authorizer,
		gate:        gateTracker,
		limiter:     limiter,
		webhooks:    webhooks,
		attestation: attestation,
		sessions:    sessions,
		users:       users,
		queues:      queues,
	}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

type bucketResponse struct {
	Amount    int        `json:"amount"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SourceID  string     `json:"source_id,omitempty"`
	Context   string     `json:"context,omitempty"`
}

// GetCredits returns the authenticated user's credit balance and buckets.
func (s *APIServer) GetCredits(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	summary, err := s.ledger.Summary(c.UserContext(), userID)
	if err != nil {
		return s.fail(c, err)
	}

	buckets := []bucketResponse{}
	if summary != nil {
		stored, err := summary.Buckets()
		if err != nil {
			return s.fail(c, err)
		}
		for _, b := range stored {
			buckets = append(buckets, bucketResponse{
				Amount:    b.Amount,
				GrantedAt: b.GrantedAt,
				ExpiresAt: b.ExpiresAt,
				SourceID:  b.SourceID,
				Context:   b.Context,
			})
		}
	}

	total := 0
	if summary != nil {
		total = summary.TotalAvailable
	}
	return c.JSON(fiber.Map{"total_available": total, "buckets": buckets})
}

type consumeRequest struct {
	Amount int `json:"amount" validate:"omitempty,min=1"`
}

// PostConsumeCredit debits credits from the authenticated user's balance.
func (s *APIServer) PostConsumeCredit(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req consumeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	result, err := s.ledger.Consume(c.UserContext(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":             "insufficient_credits",
				"message":           "Not enough credits",
				"remaining_credits": result.Remaining,
			})
		}
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"consumed": result.Consumed, "remaining_credits": result.Remaining})
}

type beginScanRequest struct {
	ScanID           string   `json:"scan_id"`
	ImageHashes      []string `json:"image_hashes" validate:"required,min=1,dive,required"`
	GateScore        float64  `json:"gate_score" validate:"min=0,max=1"`
	Mode             string   `json:"mode" validate:"omitempty,oneof=front side full"`
	AttestationToken string   `json:"attestation_token"`
}

// PostBeginScan authorizes one paid scan for the authenticated user.
func (s *APIServer) PostBeginScan(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req beginScanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.UserContext()
	if err := s.attestation.Check(ctx, userID, req.AttestationToken); err != nil {
		if errors.Is(err, verify.ErrAttestationFailed) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "attestation_failed", "message": "Device attestation failed"})
		}
		return s.fail(c, err)
	}

	limit := env.GetEnvInt("SCAN_RATE_LIMIT", 10)
	window := time.Duration(env.GetEnvInt("SCAN_RATE_WINDOW_MINUTES", 60)) * time.Minute
	if err := s.limiter.Check(ctx, userID, ratelimit.OpBeginScan, limit, window); err != nil {
		return s.fail(c, err)
	}

	result, err := s.authorizer.BeginPaidScan(ctx, scan.BeginInput{
		UserID:      userID,
		ScanID:      req.ScanID,
		ImageHashes: req.ImageHashes,
		GateScore:   req.GateScore,
		Mode:        req.Mode,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"authorized":        result.Authorized,
		"remaining_credits": result.RemainingCredits,
		"session_uuid":      result.Session.UUID,
		"status":            result.Session.Status,
	})
}

// PostGateFailure records a failed quality gate attempt for the user.
func (s *APIServer) PostGateFailure(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	ctx := c.UserContext()

	limit := env.GetEnvInt("GATE_FAILURE_RATE_LIMIT", 30)
	window := time.Duration(env.GetEnvInt("GATE_FAILURE_RATE_WINDOW_MINUTES", 60)) * time.Minute
	if err := s.limiter.Check(ctx, userID, ratelimit.OpGateFailure, limit, window); err != nil {
		return s.fail(c, err)
	}

	attempts, err := s.gate.RecordFailure(ctx, userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"failed_today":       attempts.Failed,
		"attempts_remaining": attempts.Remaining,
	})
}

// GetScan returns the status of one of the user's scan sessions.
func (s *APIServer) GetScan(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	uuid := c.Params("uuid")
	if uuid == "" {
		return badRequest(c, "uuid missing")
	}

	session, err := s.sessions.GetByUUID(uuid)
	if err != nil || session.UserID != userID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Scan session not found"})
	}
	return c.JSON(sessionResponse(session))
}

// GetScans returns the user's scan history, newest first.
func (s *APIServer) GetScans(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := s.sessions.GetByUserID(userID, offset, limit)
	if err != nil {
		return s.fail(c, err)
	}
	total, err := s.sessions.CountByUserID(userID)
	if err != nil {
		return s.fail(c, err)
	}

	items := make([]fiber.Map, 0, len(sessions))
	for i := range sessions {
		items = append(items, sessionResponse(&sessions[i]))
	}
	return c.JSON(fiber.Map{"total": total, "sessions": items})
}

func sessionResponse(session *models.ScanSession) fiber.Map {
	return fiber.Map{
		"session_uuid": session.UUID,
		"status":       session.Status,
		"mode":         session.Mode,
		"charged":      session.Charged,
		"gate_score":   session.GateScore,
		"created_at":   session.CreatedAt,
		"completed_at": session.CompletedAt,
	}
}

type uploadTokenRequest struct {
	ScanID string `json:"scan_id" validate:"required"`
}

// PostUploadToken issues an HMAC upload token scoped to one scan session.
func (s *APIServer) PostUploadToken(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)

	var req uploadTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	session, err := s.sessions.GetByUUID(req.ScanID)
	if err != nil || session.UserID != userID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Scan session not found"})
	}

	secret := env.GetEnv("UPLOAD_TOKEN_SECRET", "")
	maxBytes := int64(env.GetEnvInt("UPLOAD_MAX_BYTES", 25<<20))
	ttl := time.Duration(env.GetEnvInt("UPLOAD_TOKEN_TTL_MINUTES", 15)) * time.Minute

	token, err := security.GenerateUploadToken(userID, session.UUID, maxBytes, ttl, secret)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"upload_token": token,
		"max_bytes":    maxBytes,
		"expires_in":   int(ttl.Seconds()),
	})
}

// PostPaymentWebhook ingests a payment provider event. The provider retries
// deliveries, so a duplicate must return success without re-applying.
func (s *APIServer) PostPaymentWebhook(c *fiber.Ctx) error {
	provider := c.Params("provider")
	payload := c.Body()

	secret := env.GetEnv("WEBHOOK_SECRET", "")
	signatureValid := webhook.VerifySignature(payload, c.Get("X-Webhook-Signature"), secret)
	if !signatureValid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid webhook signature"})
	}

	in := webhook.EventInput{
		Provider:        provider,
		ProviderEventID: c.Get("X-Webhook-Event-Id"),
		EventType:       c.Get("X-Webhook-Event-Type"),
		PayloadJSON:     string(payload),
		SignatureValid:  signatureValid,
	}
	if err := s.webhooks.Process(c.UserContext(), in); err != nil {
		log.Errorf("[API] webhook processing failed: %v", err)
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"received": true})
}

type adminGrantRequest struct {
	UserID       uint   `json:"user_id" validate:"required"`
	Amount       int    `json:"amount" validate:"required,min=1"`
	ExpiryMonths *int   `json:"expiry_months" validate:"omitempty,min=1"`
	SourceID     string `json:"source_id"`
	Context      string `json:"context"`
}

// PostAdminGrant credits a user's balance manually (support/compensation).
func (s *APIServer) PostAdminGrant(c *fiber.Ctx) error {
	var req adminGrantRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	grantContext := req.Context
	if grantContext == "" {
		grantContext = "admin-grant"
	}
	summary, err := s.ledger.Grant(c.UserContext(), req.UserID, req.Amount, req.ExpiryMonths, req.SourceID, grantContext)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"total_available": summary.TotalAvailable})
}

type adminRefundRequest struct {
	UserID  uint   `json:"user_id" validate:"required"`
	Amount  int    `json:"amount" validate:"required,min=1"`
	Context string `json:"context"`
}

// PostAdminRefund restores credits to a user's balance.
func (s *APIServer) PostAdminRefund(c *fiber.Ctx) error {
	var req adminRefundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	refundContext := req.Context
	if refundContext == "" {
		refundContext = "admin-refund"
	}
	remaining, err := s.ledger.Refund(c.UserContext(), req.UserID, req.Amount, refundContext)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"total_available": remaining})
}

type adminCreateUserRequest struct {
	Name     string `json:"name" validate:"required,min=3,max=150"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Plan     string `json:"plan" validate:"omitempty,oneof=free starter pro"`
	Admin    bool   `json:"admin"`
}

// PostAdminCreateUser provisions a new user with an active API key. The raw
// key appears once in the response; only its hash is stored.
func (s *APIServer) PostAdminCreateUser(c *fiber.Ctx) error {
	var req adminCreateUserRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if _, err := s.users.GetByEmail(req.Email); err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "email_taken", "message": "Email already registered"})
	}

	user, err := models.CreateUser(req.Name, req.Email, req.Password)
	if err != nil {
		return badRequest(c, err.Error())
	}
	// Admin-created accounts skip the verification flow.
	user.Status = models.STATUS_ACTIVE
	if req.Admin {
		user.Role = models.ROLE_ADMIN
	}
	if err := s.users.Create(user); err != nil {
		return s.fail(c, err)
	}

	settings, err := s.users.GetSettings(user.ID)
	if err != nil {
		return s.fail(c, err)
	}
	if req.Plan != "" {
		settings.Plan = req.Plan
	}
	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.users.SaveSettings(settings); err != nil {
		return s.fail(c, err)
	}

	log.Infof("[API] provisioned user %d (%s)", user.ID, user.Email)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user_id": user.ID,
		"email":   user.Email,
		"plan":    settings.Plan,
		"api_key": rawKey,
	})
}

type adminAPIKeyRequest struct {
	UserID uint `json:"user_id" validate:"required"`
}

// PostAdminIssueAPIKey rotates a user's API key. The previous key stops
// working as soon as the new hash is stored.
func (s *APIServer) PostAdminIssueAPIKey(c *fiber.Ctx) error {
	var req adminAPIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if _, err := s.users.GetByID(req.UserID); err != nil {
		return s.fail(c, err)
	}

	settings, err := s.users.GetSettings(req.UserID)
	if err != nil {
		return s.fail(c, err)
	}
	rawKey, err := settings.IssueAPIKey()
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.users.SaveSettings(settings); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"user_id": req.UserID, "api_key": rawKey})
}

// DeleteAdminAPIKey revokes a user's API key without deleting the account.
func (s *APIServer) DeleteAdminAPIKey(c *fiber.Ctx) error {
	var req adminAPIKeyRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	settings, err := s.users.GetSettings(req.UserID)
	if err != nil {
		return s.fail(c, err)
	}
	settings.RevokeAPIKey()
	if err := s.users.SaveSettings(settings); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"user_id": req.UserID, "revoked": true})
}

type queueItemResponse struct {
	Key        string `json:"key"`
	Type       string `json:"type"`
	Value      string `json:"value,omitempty"`
	Length     int64  `json:"length,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// GetAdminQueues lists the cache and queue entries backing the job system so
// operators can inspect pending work without a Redis shell.
func (s *APIServer) GetAdminQueues(c *fiber.Ctx) error {
	keys, err := s.queues.GetAllKeys()
	if err != nil {
		return s.fail(c, err)
	}

	items := make([]queueItemResponse, 0, len(keys))
	for _, key := range keys {
		item := queueItemResponse{Key: key, Type: classifyQueueKey(key), TTLSeconds: -1}
		if ttl, err := s.queues.GetTTL(key); err == nil {
			item.TTLSeconds = int64(ttl.Seconds())
		}
		switch item.Type {
		case "job_queue", "job_processing":
			if length, err := s.queues.GetListLength(key); err == nil {
				item.Length = length
			}
		default:
			value, err := s.queues.GetValue(key)
			if err != nil {
				// Key vanished or holds a non-string type; skip it.
				continue
			}
			item.Value = value
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Type != items[j].Type {
			return items[i].Type < items[j].Type
		}
		return items[i].Key < items[j].Key
	})
	return c.JSON(fiber.Map{"total": len(items), "items": items})
}

func classifyQueueKey(key string) string {
	switch {
	case key == jobqueue.JobQueueKey:
		return "job_queue"
	case key == jobqueue.JobProcessingKey:
		return "job_processing"
	case key == jobqueue.JobStatsKey:
		return "job_stats"
	case strings.HasPrefix(key, jobqueue.JobKeyPrefix):
		return "job"
	default:
		return "cache"
	}
}

// DeleteAdminQueueKey removes one cache or queue entry.
func (s *APIServer) DeleteAdminQueueKey(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return badRequest(c, "key missing")
	}
	deleted, err := s.queues.DeleteKey(key)
	if err != nil {
		return s.fail(c, err)
	}
	if deleted == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Key not found"})
	}
	return c.JSON(fiber.Map{"deleted": key})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// fail maps service errors to their HTTP responses.
func (s *APIServer) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, scan.ErrMissingHashes):
		return badRequest(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_credits", "message": "Not enough credits"})
	case errors.Is(err, scan.ErrDuplicateScan):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "duplicate_scan", "message": "Scan matches a recent submission"})
	case errors.Is(err, scan.ErrAlreadyAuthorized):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_authorized", "message": "Scan session already authorized"})
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
	case errors.Is(err, gate.ErrTooManyFailedGates):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "gate_cap_reached", "message": "Daily failed gate limit reached"})
	case errors.Is(err, txretry.ErrStoreUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable", "message": "Please retry shortly"})
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Resource not found"})
	default:
		log.Errorf("[API] internal error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}
