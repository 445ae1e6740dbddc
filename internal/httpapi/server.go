// Package httpapi is the echo HTTP surface: health, presence state, the
// admin mute endpoints, avatar uploads and the websocket route.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chathub/internal/auth"
	"chathub/internal/blob"
	"chathub/internal/chat"
	"chathub/internal/core"
	"chathub/internal/mute"
	"chathub/internal/protocol"
	"chathub/internal/store"
	"chathub/internal/ws"
)

// MaxAvatarBytes caps an avatar upload.
const MaxAvatarBytes = 300 << 10

var avatarTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// UserStore resolves identities for bearer tokens. Implementations that also
// provide SetUserAvatar get the uploader's avatar updated on upload.
type UserStore interface {
	User(ctx context.Context, id int64) (protocol.Identity, bool, error)
}

type avatarSetter interface {
	SetUserAvatar(ctx context.Context, id int64, avatar string) error
}

// Deps are the collaborators the HTTP surface is wired to. Blobs may be nil,
// which disables the avatar and blob routes.
type Deps struct {
	Hub    *core.Hub
	Chat   *chat.Service
	Mutes  *mute.Oracle
	Tokens *auth.Tokens
	Users  UserStore
	Blobs  *blob.Store
	WS     ws.Options
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// New constructs an Echo app with websocket + REST routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, deps: deps}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)

	admin := s.echo.Group("/chat", s.requireAdmin)
	admin.POST("/mute", s.handleMute)
	admin.POST("/unmute", s.handleUnmute)
	admin.GET("/mutes", s.handleMutes)

	if s.deps.Blobs != nil {
		s.echo.POST("/api/avatars", s.handleAvatarUpload)
		s.echo.GET("/api/blobs/:id", s.handleBlobDownload)
	}
	ws.NewHandler(s.deps.Chat, s.deps.WS).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Debug("http request", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Debug("http request", attrs...)
			return nil
		},
	})
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Channels int    `json:"channels"`
}

func (s *Server) handleHealth(c echo.Context) error {
	sessions, channels, _, _ := s.deps.Hub.Stats()
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: sessions,
		Channels: channels,
	})
}

type stateResponse struct {
	Channels []core.ChannelPresence `json:"channels"`
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, stateResponse{Channels: s.deps.Hub.Snapshot()})
}

const identityKey = "identity"

// bearer resolves the identity behind the request's Authorization header.
func (s *Server) bearer(c echo.Context) (protocol.Identity, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return protocol.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "bearer token is required")
	}
	userID, err := s.deps.Tokens.UserID(strings.TrimSpace(raw))
	if err != nil {
		return protocol.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	who, found, err := s.deps.Users.User(c.Request().Context(), userID)
	if err != nil {
		return protocol.Identity{}, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("resolve user: %v", err))
	}
	if !found {
		return protocol.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
	}
	return who, nil
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		who, err := s.bearer(c)
		if err != nil {
			return err
		}
		if !who.IsAdmin() {
			return echo.NewHTTPError(http.StatusForbidden, "administrator role required")
		}
		c.Set(identityKey, who)
		return next(c)
	}
}

func userAndChannel(c echo.Context) (int64, string, error) {
	userID, err := strconv.ParseInt(strings.TrimSpace(c.QueryParam("userId")), 10, 64)
	if err != nil || userID <= 0 {
		return 0, "", echo.NewHTTPError(http.StatusBadRequest, "userId must be a positive integer")
	}
	channel := strings.TrimSpace(c.QueryParam("channelId"))
	if channel == "" {
		return 0, "", echo.NewHTTPError(http.StatusBadRequest, "channelId is required")
	}
	return userID, channel, nil
}

func muteError(err error) error {
	switch {
	case errors.Is(err, mute.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, mute.ErrTargetIsAdmin):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, mute.ErrInvalidDuration):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, mute.ErrAlreadyMuted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("mute: %v", err))
	}
}

func (s *Server) handleMute(c echo.Context) error {
	userID, channel, err := userAndChannel(c)
	if err != nil {
		return err
	}
	minutes := mute.DefaultDurationMinutes
	if raw := strings.TrimSpace(c.QueryParam("durationMinutes")); raw != "" {
		minutes, err = strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "durationMinutes must be an integer")
		}
	}

	rec, err := s.deps.Mutes.Mute(c.Request().Context(), userID, channel, minutes)
	if err != nil {
		return muteError(err)
	}
	admin, _ := c.Get(identityKey).(protocol.Identity)
	slog.Debug("admin mute applied", "admin_id", admin.ID, "user_id", userID, "channel", channel)
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleUnmute(c echo.Context) error {
	userID, channel, err := userAndChannel(c)
	if err != nil {
		return err
	}
	if err := s.deps.Mutes.Unmute(c.Request().Context(), userID, channel); err != nil {
		return muteError(err)
	}
	admin, _ := c.Get(identityKey).(protocol.Identity)
	slog.Debug("admin unmute applied", "admin_id", admin.ID, "user_id", userID, "channel", channel)
	return c.NoContent(http.StatusNoContent)
}

type mutesResponse struct {
	Channel string        `json:"channelId"`
	Mutes   []mute.Record `json:"mutes"`
}

func (s *Server) handleMutes(c echo.Context) error {
	channel := strings.TrimSpace(c.QueryParam("channelId"))
	if channel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channelId is required")
	}
	recs, err := s.deps.Mutes.Active(c.Request().Context(), channel)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("list mutes: %v", err))
	}
	if recs == nil {
		recs = []mute.Record{}
	}
	return c.JSON(http.StatusOK, mutesResponse{Channel: channel, Mutes: recs})
}

type avatarUploadResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedAt   string `json:"created_at"`
}

func (s *Server) handleAvatarUpload(c echo.Context) error {
	who, err := s.bearer(c)
	if err != nil {
		return err
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}
	if fileHeader.Size > MaxAvatarBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "avatar exceeds 300KB")
	}
	contentType := strings.ToLower(strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType)))
	if !avatarTypes[contentType] {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "avatar must be image/jpeg or image/png")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	ctx := c.Request().Context()
	meta, err := s.deps.Blobs.Put(ctx, blob.PutInput{
		Kind:         "avatar",
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		Reader:       src,
		MaxBytes:     MaxAvatarBytes,
	})
	if errors.Is(err, blob.ErrTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "avatar exceeds 300KB")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist avatar: %v", err))
	}

	url := "/api/blobs/" + meta.ID
	if setter, ok := s.deps.Users.(avatarSetter); ok {
		if err := setter.SetUserAvatar(ctx, who.ID, url); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("update avatar: %v", err))
		}
	}

	return c.JSON(http.StatusCreated, avatarUploadResponse{
		ID:          meta.ID,
		URL:         url,
		ContentType: meta.ContentType,
		SizeBytes:   meta.SizeBytes,
		CreatedAt:   meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleBlobDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blob id is required")
	}

	result, err := s.deps.Blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "blob not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open blob: %v", err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`inline; filename="%s"`, safeFilename(result.Metadata.OriginalName)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "blob"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
