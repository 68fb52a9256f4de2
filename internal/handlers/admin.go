// Package handlers implements the admin HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tentacle/internal/auth"
	"github.com/memohai/tentacle/internal/channel/inbound"
	"github.com/memohai/tentacle/internal/instance"
	"github.com/memohai/tentacle/internal/memory"
)

// Gateway is the coordinator surface exposed to operators.
type Gateway interface {
	Query(ctx context.Context, instanceID int64, e inbound.Event) (inbound.Outcome, error)
	Reset(ctx context.Context, instanceID int64) error
	Reload(ctx context.Context, tiers instance.Tiers) ([]int64, error)
}

type Instances interface {
	InstanceIDs() []int64
	Resolve(id int64) (instance.EffectiveContext, error)
	Version() uint64
}

type MemoryStatus interface {
	Status() memory.Status
}

type DenialCounter interface {
	Denials() map[string]int64
}

// TiersLoader re-reads the gateway tiers file.
type TiersLoader func() (instance.Tiers, error)

type AdminHandler struct {
	logger    *slog.Logger
	gateway   Gateway
	instances Instances
	memory    MemoryStatus
	denials   DenialCounter
	loadTiers TiersLoader
}

type StatusResponse struct {
	ConfigVersion uint64           `json:"config_version"`
	Instances     []int64          `json:"instances"`
	Memory        memory.Status    `json:"memory"`
	Denials       map[string]int64 `json:"denials"`
}

type InstanceResponse struct {
	instance.EffectiveContext
	Capabilities []string `json:"capabilities"`
}

type ReloadResponse struct {
	Changed []int64 `json:"changed"`
}

type QueryRequest struct {
	Content    string `json:"content"`
	AuthorID   string `json:"author_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
}

func NewAdminHandler(log *slog.Logger, gateway Gateway, instances Instances, mem MemoryStatus, denials DenialCounter, loadTiers TiersLoader) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		logger:    log.With(slog.String("handler", "admin")),
		gateway:   gateway,
		instances: instances,
		memory:    mem,
		denials:   denials,
		loadTiers: loadTiers,
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	g := e.Group("/admin", auth.RequireAdmin)
	g.GET("/status", h.Status)
	g.POST("/reload", h.Reload)
	g.GET("/instances/:id", h.Instance)
	g.POST("/instances/:id/query", h.Query)
	g.POST("/instances/:id/reset", h.Reset)
}

func (h *AdminHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		ConfigVersion: h.instances.Version(),
		Instances:     h.instances.InstanceIDs(),
		Denials:       map[string]int64{},
	}
	if h.memory != nil {
		resp.Memory = h.memory.Status()
	}
	if h.denials != nil {
		resp.Denials = h.denials.Denials()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AdminHandler) Instance(c echo.Context) error {
	id, err := instanceParam(c)
	if err != nil {
		return err
	}
	ec, err := h.instances.Resolve(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	ec.InstanceID = id
	return c.JSON(http.StatusOK, InstanceResponse{EffectiveContext: ec, Capabilities: ec.Capabilities.Strings()})
}

func (h *AdminHandler) Reload(c echo.Context) error {
	if h.loadTiers == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reload not configured")
	}
	tiers, err := h.loadTiers()
	if err != nil {
		h.logger.Warn("reload rejected", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	changed, err := h.gateway.Reload(c.Request().Context(), tiers)
	if err != nil && changed == nil {
		h.logger.Warn("reload rejected", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		// The new configuration is live; some conversations could not be cleared.
		h.logger.Error("reload reset failed", slog.Any("error", err))
	}
	if changed == nil {
		changed = []int64{}
	}
	return c.JSON(http.StatusOK, ReloadResponse{Changed: changed})
}

func (h *AdminHandler) Query(c echo.Context) error {
	id, err := instanceParam(c)
	if err != nil {
		return err
	}
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	operator, _ := auth.SubjectFromContext(c)
	author := inbound.Author{ID: req.AuthorID, Name: req.AuthorName}
	if author.ID == "" {
		author.ID = operator
	}
	if author.Name == "" {
		author.Name = operator
	}
	author.Mention = "@" + author.Name
	channelID := req.ChannelID
	if channelID == "" {
		channelID = strconv.FormatInt(id, 10)
	}

	out, err := h.gateway.Query(c.Request().Context(), id, inbound.Event{
		Author:     author,
		ChannelID:  channelID,
		Content:    req.Content,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, instance.ErrUnknownInstance) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) Reset(c echo.Context) error {
	id, err := instanceParam(c)
	if err != nil {
		return err
	}
	if err := h.gateway.Reset(c.Request().Context(), id); err != nil {
		h.logger.Error("reset failed", slog.Int64("instance_id", id), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	h.logger.Info("conversation reset", slog.Int64("instance_id", id))
	return c.NoContent(http.StatusNoContent)
}

func instanceParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "instance id must be an integer")
	}
	return id, nil
}
