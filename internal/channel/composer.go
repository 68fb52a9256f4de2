package channel

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
)

var failureMessages = map[conversation.FailureReason]string{
	conversation.ReasonDepthExceeded:   "Sorry, that request needed too many nested agents. Please try something simpler.",
	conversation.ReasonTimeout:         "Sorry, the model took too long to answer. Please try again.",
	conversation.ReasonRateLimited:     "Sorry, I'm being rate limited right now. Please try again in a bit.",
	conversation.ReasonContentFiltered: "Sorry, I can't respond to that.",
	conversation.ReasonProviderError:   "Sorry, something went wrong while generating a response.",
}

// emptyReply stands in when a completed result leaves nothing to deliver.
const emptyReply = "I don't have anything to send for that."

// FailureMessage returns the default apology for a failure reason.
func FailureMessage(reason conversation.FailureReason) string {
	if msg, ok := failureMessages[reason]; ok {
		return msg
	}
	return failureMessages[conversation.ReasonProviderError]
}

// Composer maps dispatch results onto platform actions, re-checking every
// gated directive against the grant current at composition time.
type Composer struct {
	logger *slog.Logger
	gate   *capability.Gate
	policy OutboundPolicy
}

func NewComposer(log *slog.Logger, gate *capability.Gate, policy OutboundPolicy) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{
		logger: log.With(slog.String("service", "composer")),
		gate:   gate,
		policy: NormalizeOutboundPolicy(policy),
	}
}

// Compose returns the ordered actions for result. A failed result yields
// exactly one apology and a completed one at least one action.
func (c *Composer) Compose(grant instance.EffectiveContext, result conversation.DispatchResult) []Action {
	if result.Failed() {
		return []Action{{Kind: ActionSendText, Text: grant.Apology(FailureMessage(result.Reason))}}
	}
	var actions []Action
	var pending []string
	flushText := func() {
		if len(pending) == 0 {
			return
		}
		actions = append(actions, c.texts(ActionSendText, strings.Join(pending, "\n"))...)
		pending = nil
	}
	for _, out := range result.Outputs {
		switch out.Kind {
		case conversation.OutputText:
			if strings.TrimSpace(out.Text) != "" {
				pending = append(pending, out.Text)
			}
		case conversation.OutputAttachment:
			if out.Attachment == nil {
				continue
			}
			flushText()
			a := *out.Attachment
			actions = append(actions, Action{Kind: ActionSendAttachment, Attachment: &a})
		case conversation.OutputDirective:
			if out.Directive == nil {
				continue
			}
			flushText()
			actions = append(actions, c.directive(grant, *out.Directive)...)
		}
	}
	flushText()
	if len(actions) == 0 {
		c.logger.Info("nothing left to deliver, sending fallback text", slog.Int64("instance_id", grant.InstanceID))
		return []Action{{Kind: ActionSendText, Text: emptyReply}}
	}
	return actions
}

func (c *Composer) directive(grant instance.EffectiveContext, d conversation.Directive) []Action {
	allowed := c.gate.Authorize(grant, string(d.Capability))
	switch d.Kind {
	case conversation.DirectiveReaction:
		if !allowed || strings.TrimSpace(d.Emoji) == "" {
			return nil
		}
		return []Action{{Kind: ActionAddReaction, Emoji: d.Emoji}}
	case conversation.DirectiveChannelMessage:
		if !allowed {
			c.logDowngrade(grant, d, "dropped")
			return nil
		}
		return c.texts(ActionSendText, d.Text)
	case conversation.DirectiveDirectMessage:
		if !allowed {
			c.logDowngrade(grant, d, "channel text")
			return c.texts(ActionSendText, d.Text)
		}
		return c.texts(ActionSendDirectMessage, d.Text)
	case conversation.DirectiveAttachment:
		if d.Attachment == nil {
			return nil
		}
		a := *d.Attachment
		if allowed {
			return []Action{{Kind: ActionSendAttachment, Attachment: &a}}
		}
		c.logDowngrade(grant, d, "channel text")
		if !a.IsText() {
			return nil
		}
		return c.texts(ActionSendText, fmt.Sprintf("**%s**\n%s", a.Name, string(a.Data)))
	case conversation.DirectiveLinkEmbed:
		if d.Embed == nil {
			return nil
		}
		e := *d.Embed
		if allowed {
			return []Action{{Kind: ActionSendEmbed, Embed: &e}}
		}
		c.logDowngrade(grant, d, "link text")
		return c.texts(ActionSendText, strings.TrimSpace(e.Title+"\n"+e.URL))
	default:
		c.logger.Warn("unknown directive", slog.String("kind", string(d.Kind)))
		return nil
	}
}

func (c *Composer) texts(kind ActionKind, text string) []Action {
	chunks := c.policy.Chunker(text, c.policy.TextChunkLimit)
	actions := make([]Action, 0, len(chunks))
	for _, chunk := range chunks {
		actions = append(actions, Action{Kind: kind, Text: chunk})
	}
	return actions
}

func (c *Composer) logDowngrade(grant instance.EffectiveContext, d conversation.Directive, fallback string) {
	c.logger.Info("directive downgraded",
		slog.Int64("instance_id", grant.InstanceID),
		slog.String("capability", string(d.Capability)),
		slog.String("fallback", fallback),
	)
}
