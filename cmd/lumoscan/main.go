package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/lumoscan/lumoscan/app/repository"
	"github.com/lumoscan/lumoscan/internal/pkg/cache"
	"github.com/lumoscan/lumoscan/internal/pkg/database"
	"github.com/lumoscan/lumoscan/internal/pkg/env"
	"github.com/lumoscan/lumoscan/internal/pkg/gate"
	"github.com/lumoscan/lumoscan/internal/pkg/jobqueue"
	"github.com/lumoscan/lumoscan/internal/pkg/ledger"
	"github.com/lumoscan/lumoscan/internal/pkg/pipeline"
	"github.com/lumoscan/lumoscan/internal/pkg/router"
	"github.com/lumoscan/lumoscan/internal/pkg/scan"
)

func main() {
	app := NewApplication()

	// Graceful shutdown: stop taking requests, then drain the job queue.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutting down")
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	jobqueue.GetManager().Stop()
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	startJobQueue()

	app := fiber.New(fiber.Config{
		BodyLimit: 26214400, // 25 MiB, scan image payloads
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}

// startJobQueue wires the scan processor into the queue and starts the
// manager. The authorizer here is the processing-side one; request-side
// authorizers are built per router install.
func startJobQueue() {
	db := database.GetDB()
	manager := jobqueue.GetManager()
	queue := manager.GetQueue()

	ledgerSvc := ledger.NewService(db)
	authorizer := scan.NewAuthorizer(db, scan.NewRepository(), ledgerSvc, gate.NewTracker(db), queue)

	queue.SetScanProcessor(jobqueue.NewScanProcessor(pipeline.NewFromEnv(), authorizer))
	manager.Start()
}
