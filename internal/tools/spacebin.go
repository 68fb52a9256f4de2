package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/conversation"
)

const (
	defaultSpacebinURL = "https://spaceb.in/"
	spacebinEmbedColor = 0x52FF83
)

// SpacebinExecutor posts text to a SpaceBin instance.
type SpacebinExecutor struct {
	client *http.Client
	logger *slog.Logger
}

func NewSpacebinExecutor(log *slog.Logger, client *http.Client) *SpacebinExecutor {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SpacebinExecutor{client: client, logger: log.With(slog.String("tool", "spacebin"))}
}

func (e *SpacebinExecutor) Descriptor() Descriptor {
	return Descriptor{
		Name: capability.SpacebinPost,
		Description: "Post a plain text message to a pastebin service, allowing longer messages to be sent as one link. " +
			"Ask the user before using this method and leave out sensitive information; posts may be publicly accessible. Returns: Success | Error message",
		InputSchema: objectSchema(map[string]any{
			"message": stringProp("The message to post to SpaceBin."),
		}, "message"),
	}
}

type spacebinResponse struct {
	Payload struct {
		ID string `json:"id"`
	} `json:"payload"`
}

func (e *SpacebinExecutor) Call(ctx context.Context, call Call) (Result, error) {
	cfg := call.Session.Context.MethodConfig(capability.SpacebinPost)
	base := StringArg(cfg, "post_url")
	if base == "" {
		base = defaultSpacebinURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	message := RawStringArg(call.Arguments, "message")

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"api/", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	e.logger.Info("posting to spacebin", slog.String("base_url", base))
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("spacebin request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.logger.Error("spacebin post failed", slog.Int("status", resp.StatusCode))
		return ErrorResult(fmt.Sprintf("Failed to post to SpaceBin: %d", resp.StatusCode)), nil
	}
	var payload spacebinResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil || payload.Payload.ID == "" {
		e.logger.Error("spacebin response has no id", slog.Any("error", err))
		return ErrorResult("Failed to get ID from SpaceBin response."), nil
	}

	link := base + payload.Payload.ID + "/raw"
	embed := &conversation.Embed{
		Title: "SpaceBin Posted Successfully",
		URL:   link,
		Color: spacebinEmbedColor,
	}
	if footer, ok := cfg["footer"].(map[string]any); ok {
		embed.FooterText = StringArg(footer, "text")
		embed.FooterIconURL = StringArg(footer, "icon_url")
	}
	e.logger.Info("posted to spacebin", slog.String("url", link))
	return Result{
		Content: fmt.Sprintf("Message posted to SpaceBin successfully. An embed of this link has been sent in this channel. (%s)", link),
		Outputs: []conversation.Output{directive(conversation.Directive{
			Kind:       conversation.DirectiveLinkEmbed,
			Capability: capability.SpacebinPost,
			Text:       link,
			Embed:      embed,
		})},
	}, nil
}
