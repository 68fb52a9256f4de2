package channel

import (
	"strings"
	"testing"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/conversation"
	"github.com/memohai/tentacle/internal/instance"
)

func grantWith(caps ...capability.Capability) instance.EffectiveContext {
	return instance.EffectiveContext{
		InstanceID:   42,
		Capabilities: capability.NewSet(caps...),
	}
}

func directiveOutput(d conversation.Directive) conversation.Output {
	return conversation.Output{Kind: conversation.OutputDirective, Directive: &d}
}

func kinds(actions []Action) string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a.Kind)
	}
	return strings.Join(out, ",")
}

func TestComposeFailureYieldsOneApology(t *testing.T) {
	t.Parallel()

	c := NewComposer(nil, capability.NewGate(nil), OutboundPolicy{})
	result := conversation.DispatchResult{
		State:   conversation.StateFailed,
		Reason:  conversation.ReasonDepthExceeded,
		Outputs: []conversation.Output{{Kind: conversation.OutputText, Text: "partial"}},
	}

	actions := c.Compose(grantWith(), result)
	if len(actions) != 1 || actions[0].Kind != ActionSendText {
		t.Fatalf("actions = %+v", actions)
	}
	if actions[0].Text != FailureMessage(conversation.ReasonDepthExceeded) {
		t.Fatalf("text = %q", actions[0].Text)
	}

	grant := grantWith()
	grant.Apologies = []string{"oops"}
	actions = c.Compose(grant, result)
	if len(actions) != 1 || actions[0].Text != "oops" {
		t.Fatalf("configured apology not used: %+v", actions)
	}
}

func TestComposeChunksLongText(t *testing.T) {
	t.Parallel()

	c := NewComposer(nil, capability.NewGate(nil), OutboundPolicy{})
	long := strings.Repeat("a", 4100)
	actions := c.Compose(grantWith(), conversation.DispatchResult{
		State:   conversation.StateCompleted,
		Outputs: []conversation.Output{{Kind: conversation.OutputText, Text: long}},
	})
	if kinds(actions) != "send_text,send_text,send_text" {
		t.Fatalf("actions = %s", kinds(actions))
	}
	for _, a := range actions {
		if len(a.Text) > DiscordMessageLimit {
			t.Fatalf("chunk too long: %d", len(a.Text))
		}
	}
}

func TestComposeKeepsOutputOrder(t *testing.T) {
	t.Parallel()

	c := NewComposer(nil, capability.NewGate(nil), OutboundPolicy{})
	actions := c.Compose(grantWith(capability.SendDirectMessage, capability.SpacebinPost), conversation.DispatchResult{
		State: conversation.StateCompleted,
		Outputs: []conversation.Output{
			{Kind: conversation.OutputText, Text: "one"},
			{Kind: conversation.OutputText, Text: "two"},
			directiveOutput(conversation.Directive{Kind: conversation.DirectiveReaction, Capability: capability.AddReaction, Emoji: "🐙"}),
			{Kind: conversation.OutputAttachment, Attachment: &conversation.Attachment{Name: "image_1.png", MimeType: "image/png"}},
			directiveOutput(conversation.Directive{Kind: conversation.DirectiveDirectMessage, Capability: capability.SendDirectMessage, Text: "secret"}),
			directiveOutput(conversation.Directive{Kind: conversation.DirectiveLinkEmbed, Capability: capability.SpacebinPost, Embed: &conversation.Embed{Title: "t", URL: "https://spaceb.in/x/raw"}}),
			{Kind: conversation.OutputText, Text: "three"},
		},
	})
	want := "send_text,add_reaction,send_attachment,send_direct_message,send_embed,send_text"
	if got := kinds(actions); got != want {
		t.Fatalf("kinds = %s, want %s", got, want)
	}
	if actions[0].Text != "one\ntwo" {
		t.Fatalf("merged text = %q", actions[0].Text)
	}
}

func TestComposeDowngradesRevokedDirectives(t *testing.T) {
	t.Parallel()

	gate := capability.NewGate(nil)
	c := NewComposer(nil, gate, OutboundPolicy{})
	tests := []struct {
		name      string
		directive conversation.Directive
		wantKinds string
		wantText  string
	}{
		{
			name:      "direct message becomes channel text",
			directive: conversation.Directive{Kind: conversation.DirectiveDirectMessage, Capability: capability.SendDirectMessage, Text: "hello"},
			wantKinds: "send_text",
			wantText:  "hello",
		},
		{
			name: "text attachment becomes channel text",
			directive: conversation.Directive{Kind: conversation.DirectiveAttachment, Capability: capability.SendTextAttachment, Attachment: &conversation.Attachment{
				Name: "notes.md", MimeType: "text/plain; charset=utf-8", Data: []byte("body"),
			}},
			wantKinds: "send_text",
			wantText:  "**notes.md**\nbody",
		},
		{
			name:      "embed becomes link",
			directive: conversation.Directive{Kind: conversation.DirectiveLinkEmbed, Capability: capability.SpacebinPost, Embed: &conversation.Embed{Title: "Posted", URL: "https://spaceb.in/abc/raw"}},
			wantKinds: "send_text",
			wantText:  "Posted\nhttps://spaceb.in/abc/raw",
		},
		{
			name:      "builtin reaction passes",
			directive: conversation.Directive{Kind: conversation.DirectiveReaction, Capability: capability.AddReaction, Emoji: "👍"},
			wantKinds: "add_reaction",
		},
		{
			name:      "builtin channel message passes",
			directive: conversation.Directive{Kind: conversation.DirectiveChannelMessage, Capability: capability.SendMessage, Text: "hey"},
			wantKinds: "send_text",
			wantText:  "hey",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			actions := c.Compose(grantWith(), conversation.DispatchResult{
				State:   conversation.StateCompleted,
				Outputs: []conversation.Output{directiveOutput(tt.directive)},
			})
			if got := kinds(actions); got != tt.wantKinds {
				t.Fatalf("kinds = %s, want %s", got, tt.wantKinds)
			}
			if tt.wantText != "" && actions[0].Text != tt.wantText {
				t.Fatalf("text = %q, want %q", actions[0].Text, tt.wantText)
			}
		})
	}
}

func TestComposeEmptyCompletedResultFallsBackToText(t *testing.T) {
	t.Parallel()

	c := NewComposer(nil, capability.NewGate(nil), OutboundPolicy{})
	tests := []struct {
		name    string
		outputs []conversation.Output
	}{
		{name: "no outputs"},
		{
			name:    "reaction without emoji",
			outputs: []conversation.Output{directiveOutput(conversation.Directive{Kind: conversation.DirectiveReaction, Capability: capability.AddReaction, Emoji: " "})},
		},
		{
			name: "revoked binary attachment",
			outputs: []conversation.Output{directiveOutput(conversation.Directive{Kind: conversation.DirectiveAttachment, Capability: capability.SendTextAttachment, Attachment: &conversation.Attachment{
				Name: "image.png", MimeType: "image/png", Data: []byte{0x89},
			}})},
		},
		{name: "blank text", outputs: []conversation.Output{{Kind: conversation.OutputText, Text: "  "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			actions := c.Compose(grantWith(), conversation.DispatchResult{State: conversation.StateCompleted, Outputs: tt.outputs})
			if len(actions) != 1 || actions[0].Kind != ActionSendText || actions[0].Text != emptyReply {
				t.Fatalf("actions = %+v", actions)
			}
		})
	}

	reaction := directiveOutput(conversation.Directive{Kind: conversation.DirectiveReaction, Capability: capability.AddReaction, Emoji: "🐙"})
	actions := c.Compose(grantWith(), conversation.DispatchResult{State: conversation.StateCompleted, Outputs: []conversation.Output{reaction}})
	if kinds(actions) != "add_reaction" {
		t.Fatalf("queued reaction got a fallback: %s", kinds(actions))
	}
}
