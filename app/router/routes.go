// Package router provides HTTP routing, middleware configuration, and server setup for the dispatch service
package router

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/handlers"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/compress"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/helmet"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	healthPath     = "/api/v1/health"
	webhooksPrefix = "/webhooks/"
)

// Router interface for HTTP routing
type Router interface {
	SetupRoutes()
	Start(address string) error
	GetApp() *fiber.App
}

// Handlers groups the endpoint handlers mounted by the router
type Handlers struct {
	Send     handlers.SendHandlerInterface
	Webhook  handlers.WebhookHandlerInterface
	Operator handlers.OperatorHandlerInterface
}

// FiberRouter implements Router using Fiber v3
type FiberRouter struct {
	app            *fiber.App
	handlers       Handlers
	authMiddleware *middleware.AuthMiddleware
	cfg            *config.ProductionConfig
	logger         zerolog.Logger
}

// NewFiberRouter creates a new Fiber router
func NewFiberRouter(h Handlers, authMiddleware *middleware.AuthMiddleware, cfg *config.ProductionConfig, log zerolog.Logger) *FiberRouter {
	log = log.With().Str("component", "router").Logger()

	bodyLimit := cfg.Server.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 4 * 1024 * 1024
	}

	app := fiber.New(fiber.Config{
		AppName:      "Orochi Dispatch API",
		ServerHeader: "Orochi-Dispatch",
		ErrorHandler: newErrorHandler(log),
		BodyLimit:    bodyLimit,
		ReadTimeout:  orDefault(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout: orDefault(cfg.Server.WriteTimeout, 10*time.Second),
		IdleTimeout:  orDefault(cfg.Server.IdleTimeout, 60*time.Second),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ProxyHeader:  cfg.Server.ProxyHeader,
		TrustProxy:   len(cfg.Server.TrustedProxies) > 0,
		TrustProxyConfig: fiber.TrustProxyConfig{
			Proxies: cfg.Server.TrustedProxies,
		},
	})

	return &FiberRouter{
		app:            app,
		handlers:       h,
		authMiddleware: authMiddleware,
		cfg:            cfg,
		logger:         log,
	}
}

// SetupRoutes configures all application routes
func (r *FiberRouter) SetupRoutes() {
	r.logger.Info().Msg("Setting up routes")

	r.setupMiddleware()

	r.app.Get(healthPath, r.healthCheck)

	if r.cfg.Metrics.Enabled {
		r.app.Get(r.metricsPath(), adaptor.HTTPHandler(promhttp.Handler()))
	}

	sendLimit := r.sendLimiter()

	// Legacy form endpoint answered with a bare result code
	r.app.Post("/send", sendLimit, r.handlers.Send.Send)

	api := r.app.Group("/api/v1")
	api.Use(r.globalLimiter())

	api.Post("/messages", sendLimit, r.handlers.Send.SendJSON)
	api.Get("/messages/:uuid", r.handlers.Send.GetStatus)

	// Provider callbacks are not rate limited; providers retry on 429
	webhooks := r.app.Group("/webhooks")
	webhooks.Post("/sms", r.handlers.Webhook.SMS)
	webhooks.Post("/whatsapp-unofficial", r.handlers.Webhook.WhatsappUnofficial)
	webhooks.Post("/whatsapp-official", r.handlers.Webhook.WhatsappOfficial)
	webhooks.Get("/whatsapp-official", r.handlers.Webhook.VerifyWhatsappOfficial)

	operator := api.Group("/operator", r.authMiddleware.OperatorAuthenticate())
	operator.Post("/messages/:uuid/read", r.handlers.Operator.MarkRead)
	operator.Get("/providers/balance", r.handlers.Operator.ProviderBalances)
	operator.Post("/accounts/:id/deposit", r.handlers.Operator.Deposit)
	operator.Get("/accounts/:id/statement.xlsx", r.handlers.Operator.UsageStatement)

	r.app.Use(r.notFoundHandler)

	r.logger.Info().Msg("Routes configured successfully")
}

// setupMiddleware configures global middleware
func (r *FiberRouter) setupMiddleware() {
	// Request ID middleware - must be first
	r.app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: generateRequestID,
	}))

	r.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			r.logger.Error().
				Interface("panic", e).
				Interface("request_id", c.Locals("requestid")).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Str("ip", c.IP()).
				Msg("Recovered from panic")
		},
	}))

	if r.cfg.Metrics.Enabled {
		r.app.Use(middleware.Metrics(r.metricsPath()))
	}

	sec := r.cfg.Security
	r.app.Use(helmet.New(helmet.Config{
		XSSProtection:             "1; mode=block",
		ContentTypeNosniff:        orDefaultString(sec.XContentTypeOptions, "nosniff"),
		XFrameOptions:             orDefaultString(sec.XFrameOptions, "DENY"),
		HSTSMaxAge:                31536000,
		ContentSecurityPolicy:     "default-src 'none'; frame-ancestors 'none';",
		ReferrerPolicy:            orDefaultString(sec.ReferrerPolicy, "strict-origin-when-cross-origin"),
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
		XDNSPrefetchControl:       "off",
		XDownloadOptions:          "noopen",
		XPermittedCrossDomain:     "none",
	}))

	if len(sec.AllowedOrigins) > 0 {
		r.app.Use(cors.New(cors.Config{
			AllowOrigins:     sec.AllowedOrigins,
			AllowMethods:     sec.AllowedMethods,
			AllowHeaders:     sec.AllowedHeaders,
			ExposeHeaders:    []string{"X-Request-ID"},
			AllowCredentials: sec.AllowCredentials,
			MaxAge:           sec.CORSMaxAge,
		}))
	}

	if r.cfg.Server.EnableCompression {
		r.app.Use(compress.New(compress.Config{
			Level: compress.LevelBestSpeed,
			Next: func(c fiber.Ctx) bool {
				// Workbooks are already zip compressed
				return strings.HasSuffix(c.Path(), ".xlsx")
			},
		}))
	}

	if r.cfg.Logging.EnableAccessLog {
		r.app.Use(logger.New(logger.Config{
			Format:     `{"time":"${time}","request_id":"${locals:requestid}","level":"info","method":"${method}","path":"${path}","ip":"${ip}","status":${status},"latency":"${latency}","bytes_in":${bytesReceived},"bytes_out":${bytesSent}}` + "\n",
			TimeFormat: time.RFC3339,
			TimeZone:   "UTC",
			Next: func(c fiber.Ctx) bool {
				return c.Path() == healthPath
			},
		}))
	}

	r.app.Use(r.ipFilterMiddleware)
}

// ipFilterMiddleware applies the configured allow and deny lists
func (r *FiberRouter) ipFilterMiddleware(c fiber.Ctx) error {
	clientIP := c.IP()

	// Webhooks come from provider infrastructure and bypass both lists
	if strings.HasPrefix(c.Path(), webhooksPrefix) {
		return c.Next()
	}

	if contains(r.cfg.Security.IPBlacklist, clientIP) {
		return c.Status(fiber.StatusForbidden).JSON(dto.APIResponse{
			Success: false,
			Message: "Access denied from this IP address",
			Error:   dto.ErrorDetail{Code: "ACCESS_DENIED"},
		})
	}
	if len(r.cfg.Security.IPWhitelist) > 0 && !contains(r.cfg.Security.IPWhitelist, clientIP) {
		return c.Status(fiber.StatusForbidden).JSON(dto.APIResponse{
			Success: false,
			Message: "Access denied from this IP address",
			Error:   dto.ErrorDetail{Code: "ACCESS_DENIED"},
		})
	}

	return c.Next()
}

func (r *FiberRouter) globalLimiter() fiber.Handler {
	return r.newLimiter(r.cfg.Security.GlobalRateLimit, func(c fiber.Ctx) bool {
		return c.Path() == healthPath
	})
}

// sendLimiter is the stricter per IP limit shared by both send endpoints
func (r *FiberRouter) sendLimiter() fiber.Handler {
	return r.newLimiter(r.cfg.Security.SendRateLimit, nil)
}

func (r *FiberRouter) newLimiter(max int, next func(c fiber.Ctx) bool) fiber.Handler {
	if max <= 0 {
		return func(c fiber.Ctx) error { return c.Next() }
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: orDefault(r.cfg.Security.RateLimitWindow, time.Minute),
		KeyGenerator: func(c fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.APIResponse{
				Success: false,
				Message: "Too many requests. Please try again later.",
				Error:   dto.ErrorDetail{Code: "RATE_LIMIT_EXCEEDED"},
			})
		},
		Next: next,
	})
}

// Start starts the HTTP server
func (r *FiberRouter) Start(address string) error {
	r.logger.Info().Str("address", address).Msg("Starting server")
	return r.app.Listen(address, fiber.ListenConfig{DisableStartupMessage: true})
}

// GetApp returns the Fiber app instance
func (r *FiberRouter) GetApp() *fiber.App {
	return r.app
}

func (r *FiberRouter) metricsPath() string {
	if r.cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return r.cfg.Metrics.Path
}

// Health check endpoint
func (r *FiberRouter) healthCheck(c fiber.Ctx) error {
	return c.JSON(dto.APIResponse{
		Success: true,
		Message: "Service is healthy",
		Data: fiber.Map{
			"status":    "ok",
			"timestamp": utils.UTCNow().Unix(),
			"version":   r.cfg.Deployment.Version,
			"service":   "orochi-dispatch",
		},
	})
}

// Not found handler
func (r *FiberRouter) notFoundHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(dto.APIResponse{
		Success: false,
		Message: "The requested resource was not found",
		Error: dto.ErrorDetail{
			Code: "NOT_FOUND",
			Details: fiber.Map{
				"path":       c.Path(),
				"method":     c.Method(),
				"request_id": c.Locals("requestid"),
			},
		},
	})
}

// newErrorHandler returns the global error handler
func newErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "An internal server error occurred"
		errCode := "INTERNAL_ERROR"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			if code < fiber.StatusInternalServerError {
				message = fe.Message
				errCode = "REQUEST_ERROR"
			}
		}

		event := log.Warn()
		if code >= fiber.StatusInternalServerError {
			event = log.Error()
		}
		event.Err(err).
			Int("status", code).
			Interface("request_id", c.Locals("requestid")).
			Str("path", c.Path()).
			Msg("Request failed")

		// Providers retry anything but 200, so webhook failures are acknowledged as not received
		if strings.HasPrefix(c.Path(), webhooksPrefix) && code < fiber.StatusInternalServerError {
			return c.Status(fiber.StatusOK).JSON(dto.WebhookAck{Received: false})
		}

		return c.Status(code).JSON(dto.APIResponse{
			Success: false,
			Message: message,
			Error: dto.ErrorDetail{
				Code: errCode,
				Details: fiber.Map{
					"timestamp":  utils.UTCNow().Unix(),
					"request_id": c.Locals("requestid"),
				},
			},
		})
	}
}

// Helper functions

// generateRequestID creates a unique request ID
func generateRequestID() string {
	bytes := make([]byte, 8)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func orDefaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
