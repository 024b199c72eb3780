package routes

import (
	"time"

	controller "coldreach/controllers"
	"coldreach/middleware"
	"coldreach/worker"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deps carries what the HTTP layer needs from the rest of the process.
type Deps struct {
	DB        *gorm.DB
	Redis     redis.UniversalClient
	Scheduler *worker.Scheduler
	Hub       *controller.ActivityHub
	Log       *logrus.Entry

	JWTSecret         string
	TrackingRateLimit int
}

var requestLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

func SetupRoutes(app *fiber.App, d Deps) {
	startedAt := time.Now()
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok", "uptime": time.Since(startedAt).Round(time.Second).String()}
		if sqlDB, err := d.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			return c.Status(fiber.StatusServiceUnavailable).JSON(status)
		}
		if err := d.Redis.Ping(c.UserContext()).Err(); err != nil {
			status["status"] = "degraded"
			status["redis"] = "unreachable"
			return c.Status(fiber.StatusServiceUnavailable).JSON(status)
		}
		return c.JSON(status)
	})

	SetupTrackingRoutes(app, d)
	SetupAPIRoutes(app, d)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Route not found",
		})
	})
}

// SetupTrackingRoutes mounts the public pixel and click endpoints.
func SetupTrackingRoutes(app *fiber.App, d Deps) {
	tracking := controller.NewTrackingController(d.DB, d.Hub, d.Log)

	t := app.Group("/t", middleware.TrackingRateLimiter(
		middleware.NewRedisStorage(d.Redis, "ratelimit"),
		d.TrackingRateLimit,
		d.Log,
	))
	t.Get("/o/:logID", tracking.Open)
	t.Get("/c/:logID", tracking.Click)
}

func SetupAPIRoutes(app *fiber.App, d Deps) {
	campaignController := controller.NewCampaignController(d.DB, d.Scheduler, d.Log)
	leadController := controller.NewLeadController(d.DB, d.Scheduler, d.Log)
	dashboardController := controller.NewDashboardController(d.DB, d.Log)
	syncController := controller.NewSyncController(d.Scheduler.Sync(), d.Scheduler.Queue(), d.Log)

	api := app.Group("/api/v1", middleware.Protected(d.JWTSecret), logger.New(logger.Config{
		Format: requestLogFormat,
	}))

	dashboard := api.Group("/dashboard")
	dashboard.Get("/stats", dashboardController.GetDashboardStats)
	dashboard.Get("/accounts", dashboardController.GetAccountHealth)

	campaigns := api.Group("/campaigns")
	campaigns.Post("/:id/launch", campaignController.LaunchCampaign)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Get("/:id/stats", campaignController.GetCampaignStats)

	leads := api.Group("/leads")
	leads.Post("/:id/reply", leadController.ReplyToLead)
	leads.Get("/:id/activity", leadController.GetLeadActivity)

	api.Post("/sync", syncController.TriggerSync)
	api.Get("/queue/stats", syncController.GetQueueStats)

	ws := app.Group("/ws", middleware.Protected(d.JWTSecret), d.Hub.Upgrade)
	ws.Get("/activity", d.Hub.Stream())
}
