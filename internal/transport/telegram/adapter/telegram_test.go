package adapter

import (
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

func rs(emoji ...string) []tele.Reaction {
	out := make([]tele.Reaction, len(emoji))
	for i, e := range emoji {
		out[i] = tele.Reaction{Type: "emoji", Emoji: e}
	}
	return out
}

func TestDiffReactions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		a, b []tele.Reaction
		want []string
	}{
		{"added one", rs("🍳"), nil, []string{"🍳"}},
		{"removed all", nil, rs("🍳", "🍲"), nil},
		{"swap", rs("🍲"), rs("🍳"), []string{"🍲"}},
		{"unchanged", rs("🍳"), rs("🍳"), nil},
		{"added second", rs("🍳", "🍲"), rs("🍳"), []string{"🍲"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := diffReactions(tc.a, tc.b)
			if len(got) != len(tc.want) {
				t.Fatalf("diff = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("diff = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

// scriptedPoller replays a fixed update sequence, then blocks until stopped.
type scriptedPoller struct {
	updates []tele.Update
}

func (p *scriptedPoller) Poll(_ *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	for _, u := range p.updates {
		select {
		case dest <- u:
		case <-stop:
			return
		}
	}
	<-stop
}

func TestReactionPollerConsumesReactionUpdates(t *testing.T) {
	t.Parallel()

	reactions := make(chan *tele.MessageReaction, 4)
	inner := &scriptedPoller{updates: []tele.Update{
		{ID: 1, MessageReaction: &tele.MessageReaction{MessageID: 42}},
		{ID: 2, Message: &tele.Message{ID: 7}},
	}}
	p := &reactionPoller{
		inner:  inner,
		handle: func(mr *tele.MessageReaction) { reactions <- mr },
	}

	dest := make(chan tele.Update, 4)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Poll(nil, dest, stop)
		close(done)
	}()

	select {
	case mr := <-reactions:
		if mr.MessageID != 42 {
			t.Errorf("dispatched reaction message id = %d, want 42", mr.MessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reaction update never reached the handler")
	}

	// Non-reaction updates pass through to telebot's dispatcher untouched.
	select {
	case u := <-dest:
		if u.MessageReaction != nil {
			t.Errorf("reaction update leaked to the dispatcher: %+v", u)
		}
		if u.Message == nil || u.Message.ID != 7 {
			t.Errorf("forwarded update = %+v, want message 7", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message update not forwarded")
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop")
	}
}

func TestHandleReactionEmitsAddAndRemove(t *testing.T) {
	t.Parallel()

	a := &Adapter{log: logx.Nop()}
	ch := make(chan transport.Update, 4)
	a.out.Store((chan<- transport.Update)(ch))

	a.handleReaction(&tele.MessageReaction{
		Chat:         &tele.Chat{ID: -1001},
		MessageID:    5,
		User:         &tele.User{ID: 9},
		DateUnixtime: 1741590000,
		OldReaction:  rs("🍲"),
		NewReaction:  rs("🍳"),
	})

	if len(ch) != 2 {
		t.Fatalf("emitted %d updates, want 2", len(ch))
	}
	added := <-ch
	if added.Kind != transport.UpdateReactionAdded || added.Reaction.Kind != "🍳" {
		t.Errorf("first update = %s %q, want added 🍳", added.Kind, added.Reaction.Kind)
	}
	if added.Reaction.UserID != 9 || added.Reaction.ChannelID != -1001 || added.Reaction.MessageID != 5 {
		t.Errorf("added event = %+v", added.Reaction)
	}
	removed := <-ch
	if removed.Kind != transport.UpdateReactionRemoved || removed.Reaction.Kind != "🍲" {
		t.Errorf("second update = %s %q, want removed 🍲", removed.Kind, removed.Reaction.Kind)
	}

	// Anonymous reactions carry no user and produce nothing.
	a.handleReaction(&tele.MessageReaction{
		Chat:        &tele.Chat{ID: -1001},
		MessageID:   5,
		NewReaction: rs("🍳"),
	})
	if len(ch) != 0 {
		t.Errorf("anonymous reaction emitted %d updates, want 0", len(ch))
	}
}

func TestErrorClassifiers(t *testing.T) {
	t.Parallel()
	if !isNotFound(errFromText("telegram: Bad Request: message to edit not found (400)")) {
		t.Errorf("edit-not-found not classified")
	}
	if !isNotFound(errFromText("telegram: Bad Request: chat not found (400)")) {
		t.Errorf("chat-not-found not classified")
	}
	if isNotFound(errFromText("telegram: Too Many Requests: retry after 5 (429)")) {
		t.Errorf("rate limit misclassified as not found")
	}
	if !isNotModified(errFromText("telegram: Bad Request: message is not modified (400)")) {
		t.Errorf("not-modified not classified")
	}
	if isNotModified(nil) || isNotFound(nil) {
		t.Errorf("nil error classified")
	}
}

type textErr string

func (e textErr) Error() string { return string(e) }

func errFromText(s string) error { return textErr(s) }
