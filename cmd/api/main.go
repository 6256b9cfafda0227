package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/marzguard/backend/internal/config"
	"github.com/marzguard/backend/internal/database"
	"github.com/marzguard/backend/internal/handlers"
	"github.com/marzguard/backend/internal/marzban"
	"github.com/marzguard/backend/internal/middleware"
	"github.com/marzguard/backend/internal/models"
	"github.com/marzguard/backend/internal/services"
	"github.com/marzguard/backend/internal/store"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed operator user if not exists
	seedOperatorUser()

	// Remote panel clients: one sudo client for enforcement, per-panel
	// clients derived from it for scoped collection
	sudo := marzban.NewClient(cfg.PanelURL, cfg.PanelUsername, cfg.PanelPassword, cfg.APITimeout)
	panelAPIFactory := services.PanelAPIFactory(func(username, secret string) services.PanelAPI {
		return sudo.ForAccount(username, secret)
	})

	// Engine wiring
	repo := store.NewGormStore(database.DB)
	ledger := services.NewTrafficLedger(repo)
	collector := services.NewSnapshotCollector(panelAPIFactory, ledger, repo)
	notifier := services.NewTelegramNotifier(cfg.TelegramBotToken, cfg.OperatorChatIDs, repo)
	enforcer := services.NewEnforcementController(
		repo, repo, sudo, panelAPIFactory, notifier,
		cfg.RotationSecret, cfg.InterUserDelay,
	)
	remover := services.NewSubEntityRemover(ledger, repo, sudo)
	scheduler := services.NewMonitoringScheduler(
		cfg.MonitoringInterval, cfg.InterPanelDelay, cfg.WarningThreshold,
		repo, collector, enforcer, notifier,
	)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start monitoring scheduler: %v", err)
	}

	// Daily usage-report archival to FTP (disabled without REPORT_FTP_HOST)
	archiver := services.NewReportArchiver(cfg)
	archiver.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "MarzGuard API v1.0",
		ServerHeader: "MarzGuard",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "marzguard-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	panelHandler := handlers.NewPanelHandler(ledger, collector, enforcer, scheduler, remover, cfg.WarningThreshold)

	// API routes
	api := app.Group("/api")
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg))

	// Auth routes
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/refresh", authHandler.RefreshToken)
	protected.Put("/auth/password", authHandler.ChangePassword)

	// Panel routes
	panels := protected.Group("/panels")
	panels.Get("/", panelHandler.ListPanels)
	panels.Get("/:id/usage", panelHandler.GetPanelUsage)
	panels.Post("/:id/deactivate", panelHandler.DeactivatePanel)
	panels.Post("/:id/reactivate", panelHandler.ReactivatePanel)
	panels.Delete("/:id/users/:username", panelHandler.RemoveSubEntity)

	// Monitor routes
	protected.Get("/monitor/status", panelHandler.MonitorStatus)
	protected.Post("/monitor/start", panelHandler.MonitorStart)
	protected.Post("/monitor/stop", panelHandler.MonitorStop)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		scheduler.Stop()
		archiver.Stop()
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting MarzGuard API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedOperatorUser() {
	var count int64
	database.DB.Model(&models.User{}).Count(&count)

	if count == 0 {
		log.Println("Creating default operator user...")

		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)

		operator := models.User{
			Username: "admin",
			Password: string(hashedPassword),
			FullName: "System Operator",
			IsActive: true,
		}

		if err := database.DB.Create(&operator).Error; err != nil {
			log.Printf("Failed to create operator user: %v", err)
		} else {
			log.Println("Operator user created successfully (username: admin, password: admin123)")
		}
	}
}
