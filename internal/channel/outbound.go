package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DiscordMessageLimit is the maximum length of one Discord message.
const DiscordMessageLimit = 2000

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound text is chunked and sends retried.
type OutboundPolicy struct {
	TextChunkLimit int         `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode `json:"chunker_mode,omitempty"`
	Chunker        Chunker     `json:"-"`
	RetryMax       int         `json:"retry_max,omitempty"`
	RetryBackoffMs int         `json:"retry_backoff_ms,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = DiscordMessageLimit
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeText
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = 3
	}
	if policy.RetryBackoffMs <= 0 {
		policy.RetryBackoffMs = 500
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	return policy
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeMarkdown:
		return ChunkMarkdownText
	default:
		return ChunkText
	}
}

// ChunkText packs lines into chunks of at most limit runes. Lines longer
// than the limit are cut into limit-sized pieces first. Order is kept.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	var chunks []string
	var buf strings.Builder
	bufLen := 0
	flush := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			chunks = append(chunks, s)
		}
		buf.Reset()
		bufLen = 0
	}
	for _, line := range strings.Split(trimmed, "\n") {
		for _, piece := range splitLongLine(line, limit) {
			pieceLen := runeLen(piece)
			sep := 0
			if bufLen > 0 {
				sep = 1
			}
			if bufLen+sep+pieceLen > limit {
				flush()
				sep = 0
			}
			if sep > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(piece)
			bufLen += sep + pieceLen
		}
	}
	flush()
	return chunks
}

// ChunkMarkdownText splits at paragraph boundaries first and falls back to
// ChunkText for paragraphs over the limit.
func ChunkMarkdownText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	var chunks []string
	var buf []string
	bufLen := 0
	for _, para := range strings.Split(trimmed, "\n\n") {
		paraLen := runeLen(para)
		sep := 0
		if len(buf) > 0 {
			sep = 2
		}
		if bufLen+sep+paraLen <= limit {
			buf = append(buf, para)
			bufLen += sep + paraLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf, bufLen = nil, 0
		}
		if paraLen <= limit {
			buf = append(buf, para)
			bufLen = paraLen
			continue
		}
		chunks = append(chunks, ChunkText(para, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n\n"))
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	runes := []rune(line)
	if len(runes) <= limit {
		return []string{line}
	}
	out := make([]string, 0, len(runes)/limit+1)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}

// Deliverer executes actions through a Sender.
type Deliverer struct {
	logger *slog.Logger
	policy OutboundPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDeliverer(log *slog.Logger, policy OutboundPolicy) *Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return &Deliverer{
		logger: log.With(slog.String("service", "deliverer")),
		policy: NormalizeOutboundPolicy(policy),
		sleep:  sleepContext,
	}
}

// Deliver runs actions in order. Refused or missing targets are logged and
// skipped; other failures are retried with linear backoff. The returned error
// joins every action that still failed.
func (d *Deliverer) Deliver(ctx context.Context, sender Sender, target Target, actions []Action) error {
	var errs []error
	for i, action := range actions {
		err := d.deliverOne(ctx, sender, target, action)
		switch {
		case err == nil:
		case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotFound):
			d.logger.Warn("outbound action skipped",
				slog.String("channel_id", target.ChannelID),
				slog.String("action", string(action.Kind)),
				slog.Any("error", err))
		default:
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, action.Kind, err))
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return errors.Join(errs...)
}

func (d *Deliverer) deliverOne(ctx context.Context, sender Sender, target Target, action Action) error {
	var lastErr error
	for attempt := 1; attempt <= d.policy.RetryMax; attempt++ {
		err := perform(ctx, sender, target, action)
		if err == nil || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotFound) {
			return err
		}
		lastErr = err
		d.logger.Warn("send outbound retry",
			slog.String("action", string(action.Kind)),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == d.policy.RetryMax {
			break
		}
		backoff := time.Duration(attempt) * time.Duration(d.policy.RetryBackoffMs) * time.Millisecond
		if err := d.sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return fmt.Errorf("send outbound failed after retries: %w", lastErr)
}

func perform(ctx context.Context, sender Sender, target Target, action Action) error {
	switch action.Kind {
	case ActionSendText:
		return sender.SendText(ctx, target.ChannelID, action.Text)
	case ActionSendAttachment:
		if action.Attachment == nil {
			return fmt.Errorf("attachment is required")
		}
		return sender.SendAttachment(ctx, target.ChannelID, *action.Attachment)
	case ActionSendDirectMessage:
		if target.AuthorID == "" {
			return fmt.Errorf("%w: no author to message", ErrNotFound)
		}
		return sender.SendDirectMessage(ctx, target.AuthorID, action.Text)
	case ActionAddReaction:
		if target.MessageID == "" {
			return fmt.Errorf("%w: no message to react to", ErrNotFound)
		}
		return sender.AddReaction(ctx, target.ChannelID, target.MessageID, action.Emoji)
	case ActionSendEmbed:
		if action.Embed == nil {
			return fmt.Errorf("embed is required")
		}
		return sender.SendEmbed(ctx, target.ChannelID, *action.Embed)
	default:
		return fmt.Errorf("unsupported action kind: %s", action.Kind)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
