package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memohai/tentacle/internal/conversation"
)

func TestChunkTextRespectsLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "empty", text: "   ", limit: 10, want: nil},
		{name: "fits", text: "hello", limit: 10, want: []string{"hello"}},
		{name: "packs lines", text: "aaa\nbbb\nccc", limit: 7, want: []string{"aaa\nbbb", "ccc"}},
		{name: "long line", text: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "runes", text: "ééééé", limit: 2, want: []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ChunkText(tt.text, tt.limit)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Fatalf("ChunkText(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestChunkTextDiscordLimit(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 300; i++ {
		b.WriteString("line number with some padding text\n")
	}
	b.WriteString(strings.Repeat("x", 4500))
	text := b.String()

	chunks := ChunkText(text, DiscordMessageLimit)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if n := len([]rune(chunk)); n > DiscordMessageLimit {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
	joined := strings.ReplaceAll(strings.Join(chunks, ""), "\n", "")
	if joined != strings.ReplaceAll(strings.TrimSpace(text), "\n", "") {
		t.Fatal("chunks lost or reordered content")
	}
}

func TestChunkMarkdownTextKeepsParagraphs(t *testing.T) {
	t.Parallel()

	got := ChunkMarkdownText("para one\n\npara two\n\npara three", 20)
	want := []string{"para one\n\npara two", "para three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}

type recordingSender struct {
	mu       sync.Mutex
	calls    []string
	failures map[ActionKind][]error
}

func (s *recordingSender) record(kind ActionKind, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, string(kind)+":"+detail)
	if queue := s.failures[kind]; len(queue) > 0 {
		err := queue[0]
		s.failures[kind] = queue[1:]
		return err
	}
	return nil
}

func (s *recordingSender) SendText(ctx context.Context, channelID, text string) error {
	return s.record(ActionSendText, channelID+"/"+text)
}

func (s *recordingSender) SendAttachment(ctx context.Context, channelID string, a conversation.Attachment) error {
	return s.record(ActionSendAttachment, channelID+"/"+a.Name)
}

func (s *recordingSender) SendDirectMessage(ctx context.Context, userID, text string) error {
	return s.record(ActionSendDirectMessage, userID+"/"+text)
}

func (s *recordingSender) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return s.record(ActionAddReaction, messageID+"/"+emoji)
}

func (s *recordingSender) SendEmbed(ctx context.Context, channelID string, e conversation.Embed) error {
	return s.record(ActionSendEmbed, channelID+"/"+e.URL)
}

func (s *recordingSender) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestDeliverer() (*Deliverer, *[]time.Duration) {
	d := NewDeliverer(nil, OutboundPolicy{RetryMax: 3, RetryBackoffMs: 10})
	var waits []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, &waits
}

func TestDeliverRunsActionsInOrder(t *testing.T) {
	t.Parallel()

	d, _ := newTestDeliverer()
	sender := &recordingSender{}
	target := Target{ChannelID: "c1", MessageID: "m1", AuthorID: "u1"}
	actions := []Action{
		{Kind: ActionSendText, Text: "hi"},
		{Kind: ActionAddReaction, Emoji: "🐙"},
		{Kind: ActionSendDirectMessage, Text: "psst"},
		{Kind: ActionSendAttachment, Attachment: &conversation.Attachment{Name: "a.txt"}},
		{Kind: ActionSendEmbed, Embed: &conversation.Embed{URL: "https://x"}},
	}
	if err := d.Deliver(context.Background(), sender, target, actions); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	want := "send_text:c1/hi,add_reaction:m1/🐙,send_direct_message:u1/psst,send_attachment:c1/a.txt,send_embed:c1/https://x"
	if got := strings.Join(sender.snapshot(), ","); got != want {
		t.Fatalf("calls = %s", got)
	}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	d, waits := newTestDeliverer()
	boom := errors.New("gateway hiccup")
	sender := &recordingSender{failures: map[ActionKind][]error{ActionSendText: {boom, boom}}}
	err := d.Deliver(context.Background(), sender, Target{ChannelID: "c1"}, []Action{{Kind: ActionSendText, Text: "hi"}})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sender.snapshot()) != 3 {
		t.Fatalf("attempts = %d, want 3", len(sender.snapshot()))
	}
	if len(*waits) != 2 || (*waits)[0] != 10*time.Millisecond || (*waits)[1] != 20*time.Millisecond {
		t.Fatalf("backoff = %v", *waits)
	}
}

func TestDeliverGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	d, _ := newTestDeliverer()
	boom := errors.New("down")
	sender := &recordingSender{failures: map[ActionKind][]error{ActionSendText: {boom, boom, boom}}}
	err := d.Deliver(context.Background(), sender, Target{ChannelID: "c1"}, []Action{
		{Kind: ActionSendText, Text: "a"},
		{Kind: ActionSendEmbed, Embed: &conversation.Embed{URL: "u"}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	calls := sender.snapshot()
	if len(calls) != 4 || calls[3] != "send_embed:c1/u" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDeliverSkipsRefusedActions(t *testing.T) {
	t.Parallel()

	d, waits := newTestDeliverer()
	sender := &recordingSender{failures: map[ActionKind][]error{
		ActionSendDirectMessage: {ErrPermissionDenied},
		ActionAddReaction:       {ErrNotFound},
	}}
	err := d.Deliver(context.Background(), sender, Target{ChannelID: "c1", MessageID: "m1", AuthorID: "u1"}, []Action{
		{Kind: ActionSendDirectMessage, Text: "dm"},
		{Kind: ActionAddReaction, Emoji: "x"},
		{Kind: ActionSendText, Text: "after"},
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sender.snapshot()) != 3 || len(*waits) != 0 {
		t.Fatalf("calls = %v waits = %v", sender.snapshot(), *waits)
	}
}

func TestDeliverReactionWithoutMessageIsSkipped(t *testing.T) {
	t.Parallel()

	d, _ := newTestDeliverer()
	sender := &recordingSender{}
	if err := d.Deliver(context.Background(), sender, Target{ChannelID: "c1"}, []Action{{Kind: ActionAddReaction, Emoji: "x"}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sender.snapshot()) != 0 {
		t.Fatalf("unexpected calls: %v", sender.snapshot())
	}
}
