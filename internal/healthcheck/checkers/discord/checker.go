package discordchecker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/tentacle/internal/channel/adapters/discord"
	"github.com/memohai/tentacle/internal/healthcheck"
)

const checkTypeDiscordGateway = "discord.gateway"

// ConnectionObserver reads the adapter's gateway connection state.
type ConnectionObserver interface {
	ConnectionStatus() discord.ConnectionStatus
}

// Checker evaluates the Discord gateway connection.
type Checker struct {
	logger   *slog.Logger
	observer ConnectionObserver
}

func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_discord")),
		observer: observer,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		return []healthcheck.CheckResult{{
			ID:      checkTypeDiscordGateway,
			Type:    checkTypeDiscordGateway,
			Status:  healthcheck.StatusUnknown,
			Summary: "Discord adapter is not available.",
		}}
	}
	status := c.observer.ConnectionStatus()
	item := healthcheck.CheckResult{
		ID:   checkTypeDiscordGateway,
		Type: checkTypeDiscordGateway,
		Metadata: map[string]any{
			"running": status.Running,
		},
	}
	if status.BotID != "" {
		item.Metadata["bot_id"] = status.BotID
	}
	if !status.UpdatedAt.IsZero() {
		item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	switch {
	case !status.Configured:
		item.Status = healthcheck.StatusWarn
		item.Summary = "Discord bot token is not configured."
	case status.Running:
		item.Status = healthcheck.StatusOK
		item.Summary = "Discord gateway is connected."
	default:
		item.Status = healthcheck.StatusError
		item.Summary = "Discord gateway is disconnected."
		item.Detail = strings.TrimSpace(status.LastError)
	}
	return []healthcheck.CheckResult{item}
}
