package channel

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/health"
)

// AdminServer exposes an operator-facing HTTP surface alongside the TLS
// protocol channel — /healthz and /status — built on Fiber. This surface is
// ambient tooling, not part of the client-facing wire protocol.
type AdminServer struct {
	app     *fiber.App
	checker *health.HealthChecker
	monitor *hal.GPIOMonitor
}

// NewAdminServer wires a HealthChecker's registered checks and a
// GPIOMonitor snapshot into a small Fiber app.
func NewAdminServer(checker *health.HealthChecker, monitor *hal.GPIOMonitor) *AdminServer {
	app := fiber.New(fiber.Config{AppName: "keyguardd-admin"})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: "*", AllowMethods: "GET"}))

	a := &AdminServer{app: app, checker: checker, monitor: monitor}

	app.Get("/healthz", a.handleHealthz)
	app.Get("/status", a.handleStatus)

	return a
}

func (a *AdminServer) handleHealthz(c *fiber.Ctx) error {
	a.checker.RunChecks(context.Background())
	results := a.checker.GetCheckResults()
	status := fiber.StatusOK
	if a.checker.GetOverallStatus() != health.StatusHealthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(results)
}

func (a *AdminServer) handleStatus(c *fiber.Ctx) error {
	return c.JSON(a.monitor.Snapshot())
}

// Listen blocks serving the admin app until ctx is cancelled.
func (a *AdminServer) Listen(ctx context.Context, addr string) error {
	go func() {
		<-ctx.Done()
		_ = a.app.Shutdown()
	}()
	return a.app.Listen(addr)
}
