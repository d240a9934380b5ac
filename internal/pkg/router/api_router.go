package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/lumoscan/lumoscan/internal/api/v1"
	"github.com/lumoscan/lumoscan/app/repository"
	"github.com/lumoscan/lumoscan/internal/pkg/catalog"
	"github.com/lumoscan/lumoscan/internal/pkg/database"
	"github.com/lumoscan/lumoscan/internal/pkg/env"
	"github.com/lumoscan/lumoscan/internal/pkg/gate"
	"github.com/lumoscan/lumoscan/internal/pkg/jobqueue"
	"github.com/lumoscan/lumoscan/internal/pkg/ledger"
	"github.com/lumoscan/lumoscan/internal/pkg/middleware"
	"github.com/lumoscan/lumoscan/internal/pkg/ratelimit"
	"github.com/lumoscan/lumoscan/internal/pkg/scan"
	"github.com/lumoscan/lumoscan/internal/pkg/verify"
	"github.com/lumoscan/lumoscan/internal/pkg/webhook"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	db := database.GetDB()
	queue := jobqueue.GetManager().GetQueue()

	ledgerSvc := ledger.NewService(db)
	gateTracker := gate.NewTracker(db)
	rateLimiter := ratelimit.NewLimiter(db)
	authorizer := scan.NewAuthorizer(db, scan.NewRepository(), ledgerSvc, gateTracker, queue)
	webhookSvc := webhook.NewService(webhook.NewRepository(db), ledgerSvc, catalog.NewService(db), webhook.NewPlanStore(db))
	attestation := verify.NewChecker(verify.NewTokenAttestor(env.GetEnv("ATTESTATION_SECRET", "")), verify.ModeFromEnv())
	factory := repository.GetGlobalFactory()
	sessions := factory.GetScanSessionRepository()
	users := factory.GetUserRepository()
	queues := factory.GetQueueRepository()

	server := apiv1.NewAPIServer(ledgerSvc, authorizer, gateTracker, rateLimiter, webhookSvc, attestation, sessions, users, queues)

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", server.GetPing)

	// Payment provider webhooks authenticate via signature, not API key.
	v1.Post("/webhooks/:provider", server.PostPaymentWebhook)

	// User endpoints behind API key auth.
	authed := v1.Group("", middleware.APIKeyAuthMiddleware())
	authed.Get("/credits", server.GetCredits)
	authed.Post("/credits/consume", server.PostConsumeCredit)
	authed.Post("/scans", server.PostBeginScan)
	authed.Get("/scans", server.GetScans)
	authed.Get("/scans/:uuid", server.GetScan)
	authed.Post("/gate-failures", server.PostGateFailure)
	authed.Post("/upload-tokens", server.PostUploadToken)

	// Admin endpoints.
	admin := authed.Group("/admin", middleware.RequireAdmin)
	admin.Post("/credits/grant", server.PostAdminGrant)
	admin.Post("/credits/refund", server.PostAdminRefund)
	admin.Post("/users", server.PostAdminCreateUser)
	admin.Post("/users/api-key", server.PostAdminIssueAPIKey)
	admin.Delete("/users/api-key", server.DeleteAdminAPIKey)
	admin.Get("/queues", server.GetAdminQueues)
	admin.Delete("/queues/:key", server.DeleteAdminQueueKey)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
