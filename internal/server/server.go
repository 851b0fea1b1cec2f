package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bark-labs/liveness-watch/internal/barkclient"
	"github.com/bark-labs/liveness-watch/internal/config"
	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/labstack/gommon/log"
)

// Server wires HTTP handlers.
type Server struct {
	app        *fiber.App
	deviceSvc  *service.DeviceService
	logSvc     *service.NoticeLogService
	authSvc    *service.AuthService
	barkClient *barkclient.Client
	cfg        *config.Config
}

// New builds a server instance. barkClient may be nil, in which case health
// checks skip the Bark probe.
func New(cfg *config.Config, deviceSvc *service.DeviceService, logSvc *service.NoticeLogService, authSvc *service.AuthService, barkClient *barkclient.Client) *Server {
	app := fiber.New(fiber.Config{
		IdleTimeout:           cfg.HTTP.ReadTimeout,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		AppName:               "liveness-watch",
		DisableStartupMessage: true,
	})
	s := &Server{
		app:        app,
		deviceSvc:  deviceSvc,
		logSvc:     logSvc,
		authSvc:    authSvc,
		barkClient: barkClient,
		cfg:        cfg,
	}
	s.registerRoutes()
	return s
}

// Start listens and serves HTTP traffic.
func (s *Server) Start() error {
	return s.app.Listen(s.cfg.HTTP.Addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	s.app.Post("/auth/login", s.handleLogin)
	s.app.Get("/auth/profile", s.handleProfile)

	// Heartbeat endpoint called by the devices themselves.
	s.app.Post("/make-alive/:deviceId", s.handleMakeAlive)

	s.app.Post("/api/devices", s.handleCreateDevice)
	s.app.Get("/api/devices", s.handleListDevices)
	s.app.Post("/api/devices/:deviceId/subscribers", s.handleSubscribe)
	s.app.Delete("/api/devices/:deviceId/subscribers", s.handleUnsubscribe)

	admin := s.app.Group("/admin", s.requireAuth)
	admin.Get("/summary", s.handleAdminSummary)
	admin.Get("/notice-logs", s.handleLogList)
	admin.Get("/notice-logs/count/status", s.handleLogCountStatus)
	admin.Get("/notice-logs/count/event", s.handleLogCountEvent)
	admin.Get("/notice-logs/count/device", s.handleLogCountDevice)

	s.serveAlivePage()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if s.barkClient != nil {
		resp["bark"] = s.barkStatus()
	}
	return c.Status(http.StatusOK).JSON(resp)
}

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(http.StatusBadRequest).JSON(model.Error("Malformed request body"))
	}
	if !s.authSvc.Enabled() {
		return c.JSON(model.Success("Login not required", fiber.Map{
			"token":    "",
			"enabled":  false,
			"username": "guest",
		}))
	}
	token, err := s.authSvc.Authenticate(req.Username, req.Password)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error(err.Error()))
	}
	return c.JSON(model.Success("Logged in", fiber.Map{
		"token":    token,
		"enabled":  true,
		"username": s.authSvc.Username(),
	}))
}

func (s *Server) handleProfile(c *fiber.Ctx) error {
	if !s.authSvc.Enabled() {
		return c.JSON(model.Success("ok", fiber.Map{
			"enabled":  false,
			"username": "guest",
		}))
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("Not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("Session expired"))
	}
	return c.JSON(model.Success("ok", fiber.Map{
		"enabled":  true,
		"username": claims.Username,
	}))
}

func (s *Server) handleMakeAlive(c *fiber.Ctx) error {
	res, err := s.deviceSvc.MarkAsAlive(c.UserContext(), service.HeartbeatInput{
		DeviceID:    c.Params("deviceId"),
		DeviceToken: c.Get("token"),
	})
	if err != nil {
		return s.fail(c, "make-alive", err)
	}
	at := time.UnixMilli(res.DeviceAliveAt).Format("15:04:05")
	return c.JSON(model.Success("ok", fiber.Map{
		"deviceAliveAt": res.DeviceAliveAt,
		"status":        1,
		"message":       "Success: " + at,
	}))
}

func (s *Server) handleCreateDevice(c *fiber.Ctx) error {
	var req service.CreateDeviceInput
	if err := c.BodyParser(&req); err != nil {
		return s.badBody(c)
	}
	created, err := s.deviceSvc.CreateDevice(c.UserContext(), req)
	if err != nil {
		return s.fail(c, "create-device", err)
	}
	return c.Status(http.StatusCreated).JSON(model.Success("Device created", created))
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	client := model.Identity{Source: c.Query("source"), SourceID: c.Query("sourceId")}
	devices, err := s.deviceSvc.ListDevices(c.UserContext(), client)
	if err != nil {
		return s.fail(c, "list-devices", err)
	}
	return c.JSON(model.Success("ok", devices))
}

func (s *Server) handleSubscribe(c *fiber.Ctx) error {
	return s.handleSubscription(c, "subscribe", s.deviceSvc.Subscribe)
}

func (s *Server) handleUnsubscribe(c *fiber.Ctx) error {
	return s.handleSubscription(c, "unsubscribe", s.deviceSvc.Unsubscribe)
}

func (s *Server) handleSubscription(c *fiber.Ctx, op string, apply func(context.Context, service.SubscriptionInput) (*service.SubscriptionResult, error)) error {
	var req struct {
		Client model.Identity `json:"client"`
	}
	if err := c.BodyParser(&req); err != nil {
		return s.badBody(c)
	}
	res, err := apply(c.UserContext(), service.SubscriptionInput{Client: req.Client, DeviceID: c.Params("deviceId")})
	if err != nil {
		return s.fail(c, op, err)
	}
	return c.JSON(model.Success("ok", res))
}

func (s *Server) handleLogList(c *fiber.Ctx) error {
	page, err := s.logSvc.Query(c.UserContext(), parseLogFilter(c))
	if err != nil {
		return s.fail(c, "notice-logs", err)
	}
	return c.JSON(model.Success("ok", page))
}

func (s *Server) handleLogCountStatus(c *fiber.Ctx) error {
	return s.handleLogCount(c, s.logSvc.CountByStatus)
}

func (s *Server) handleLogCountEvent(c *fiber.Ctx) error {
	return s.handleLogCount(c, s.logSvc.CountByEvent)
}

func (s *Server) handleLogCountDevice(c *fiber.Ctx) error {
	return s.handleLogCount(c, s.logSvc.CountByDevice)
}

func (s *Server) handleLogCount(c *fiber.Ctx, count func(context.Context, *time.Time, *time.Time) ([]map[string]any, error)) error {
	begin, end := parseTimeRange(c)
	data, err := count(c.UserContext(), begin, end)
	if err != nil {
		return s.fail(c, "notice-logs-count", err)
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) handleAdminSummary(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := s.deviceSvc.Stats(ctx)
	if err != nil {
		return s.fail(c, "summary", err)
	}

	todayStart := time.Now().UTC().Truncate(24 * time.Hour)
	today, err := s.logSvc.CountByStatus(ctx, &todayStart, nil)
	if err != nil {
		return s.fail(c, "summary", err)
	}
	todaySent, todaySuccess := 0, 0
	for _, row := range today {
		n, _ := row["count"].(int)
		todaySent += n
		if row["status"] == model.NoticeStatusSuccess {
			todaySuccess += n
		}
	}

	recent, err := s.logSvc.Query(ctx, model.NoticeLogFilter{Page: 1, PageSize: 5})
	if err != nil {
		return s.fail(c, "summary", err)
	}
	recentLogs := make([]fiber.Map, 0, len(recent.Data))
	for _, l := range recent.Data {
		recentLogs = append(recentLogs, fiber.Map{
			"title":     l.Title,
			"device":    l.DeviceName,
			"event":     l.Event,
			"status":    l.Status,
			"recipient": maskKey(l.Recipient),
			"time":      l.CreatedAt.Local().Format("01-02 15:04"),
		})
	}

	data := fiber.Map{
		"total":        stats.Total,
		"alive":        stats.Alive,
		"todaySent":    todaySent,
		"todaySuccess": todaySuccess,
		"recentLogs":   recentLogs,
	}
	if s.barkClient != nil {
		data["bark"] = s.barkStatus()
	}
	return c.JSON(model.Success("ok", data))
}

func (s *Server) barkStatus() fiber.Map {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := s.barkClient.Ping(ctx)
	if err != nil {
		return fiber.Map{"status": "degraded", "error": err.Error()}
	}
	if resp == nil || resp.Code != http.StatusOK {
		return fiber.Map{"status": "degraded"}
	}
	return fiber.Map{"status": "up"}
}

// fail maps a service error onto an HTTP status and the JSON envelope.
func (s *Server) fail(c *fiber.Ctx, op string, err error) error {
	e := service.AsError(err)
	if service.IsServerError(err) {
		log.Errorj(log.JSON{"message": "request failed", "op": op, "error": err.Error()})
	} else {
		log.Infoj(log.JSON{"message": "request rejected", "op": op, "code": string(e.Code), "error": e.Message})
	}
	var data any
	if len(e.Fields) > 0 {
		data = e.Fields
	}
	return c.Status(statusFor(e.Code)).JSON(model.ErrorWithCode(string(e.Code), e.PublicMessage(), data))
}

func (s *Server) badBody(c *fiber.Ctx) error {
	return c.Status(http.StatusBadRequest).JSON(model.ErrorWithCode(string(service.CodeValidation), "Malformed request body", nil))
}

func statusFor(code service.Code) int {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeInvalidToken:
		return http.StatusUnauthorized
	case service.CodeDeviceNotFound:
		return http.StatusNotFound
	case service.CodeAlreadySubscribed, service.CodeNotSubscribed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) serveAlivePage() {
	page := strings.TrimSpace(s.cfg.HTTP.AlivePage)
	if page == "" {
		return
	}
	info, err := os.Stat(page)
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("alive page unavailable: %v", err)
		}
		return
	}
	s.app.Get("/alive-page", func(c *fiber.Ctx) error {
		return c.SendFile(page)
	})
}

func parseLogFilter(c *fiber.Ctx) model.NoticeLogFilter {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("pageSize", "10"))
	begin, end := parseTimeRange(c)
	return model.NoticeLogFilter{
		Recipient: c.Query("recipient"),
		Event:     c.Query("event"),
		Status:    c.Query("status"),
		BeginTime: begin,
		EndTime:   end,
		Page:      page,
		PageSize:  pageSize,
	}
}

func parseTimeRange(c *fiber.Ctx) (*time.Time, *time.Time) {
	begin := parseTime(c.Query("beginTime"))
	end := parseTime(c.Query("endTime"))
	return begin, end
}

func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func (s *Server) requireAuth(c *fiber.Ctx) error {
	if !s.authSvc.Enabled() {
		return c.Next()
	}
	token := extractBearerToken(c.Get("Authorization"))
	if token == "" {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("Not logged in"))
	}
	claims, err := s.authSvc.Validate(token)
	if err != nil {
		return c.Status(http.StatusUnauthorized).JSON(model.Error("Session expired"))
	}
	c.Locals("username", claims.Username)
	return c.Next()
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func maskKey(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	runes := []rune(value)
	if len(runes) <= 4 {
		return value
	}
	return string(runes[:4]) + strings.Repeat("*", len(runes)-4)
}
