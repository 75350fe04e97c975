// Package adapter implements the gateway boundary on Telegram via
// telebot's long polling. Reaction updates are the interesting part:
// Telegram reports the old and new reaction lists per user, which the
// adapter diffs into added/removed events.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "mealbot/internal/runtime/supervisor"
	"mealbot/internal/transport"
	logx "mealbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Roles maps role names to member user ids. Telegram has no native
	// role concept, so the roster is config-supplied.
	Roles map[string][]int64
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// dropped counts updates the consumer was too slow to take; reported
	// periodically instead of per update.
	dropped uint64

	rolesMu sync.RWMutex
	roles   map[string][]int64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Adapter{cfg: cfg, log: log, roles: cfg.Roles}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &reactionPoller{
			inner: &tele.LongPoller{
				Timeout:        timeout,
				AllowedUpdates: []string{"message", "message_reaction"},
			},
			handle: a.handleReaction,
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	return a, nil
}

// ApplyRoles swaps the role map on config hot reload.
func (a *Adapter) ApplyRoles(roles map[string][]int64) {
	a.rolesMu.Lock()
	a.roles = roles
	a.rolesMu.Unlock()
}

// reactionPoller sits between the long poller and telebot's dispatcher.
// telebot v4.0.0-beta.7 parses message_reaction updates into
// Update.MessageReaction but exposes no handler endpoint for them, so the
// dispatcher would silently drop every reaction; the wrapper consumes them
// before the dispatcher sees the update and forwards everything else.
type reactionPoller struct {
	inner  tele.Poller
	handle func(*tele.MessageReaction)
}

func (p *reactionPoller) Poll(b *tele.Bot, dest chan tele.Update, stop chan struct{}) {
	size := cap(dest)
	if size == 0 {
		size = 100
	}
	src := make(chan tele.Update, size)
	done := make(chan struct{})
	go func() {
		p.inner.Poll(b, src, stop)
		close(done)
	}()

	for {
		select {
		case <-stop:
			// Drain until the inner poller exits so it never blocks
			// sending a final batch into src.
			for {
				select {
				case <-src:
				case <-done:
					return
				}
			}
		case u := <-src:
			if u.MessageReaction != nil {
				p.handle(u.MessageReaction)
				continue
			}
			dest <- u
		}
	}
}

func (a *Adapter) handleReaction(mr *tele.MessageReaction) {
	if mr == nil || mr.Chat == nil || mr.User == nil {
		// Anonymous (channel) reactions carry no user; nothing to
		// attribute an opt-in to.
		return
	}
	at := time.Unix(mr.DateUnixtime, 0)
	base := transport.ReactionEvent{
		UserID:    mr.User.ID,
		ChannelID: mr.Chat.ID,
		MessageID: mr.MessageID,
		At:        at,
	}
	for _, emoji := range diffReactions(mr.NewReaction, mr.OldReaction) {
		ev := base
		ev.Kind = emoji
		a.sendUpdate(transport.Update{Kind: transport.UpdateReactionAdded, Reaction: &ev})
	}
	for _, emoji := range diffReactions(mr.OldReaction, mr.NewReaction) {
		ev := base
		ev.Kind = emoji
		a.sendUpdate(transport.Update{Kind: transport.UpdateReactionRemoved, Reaction: &ev})
	}
}

// diffReactions returns the emoji present in a but not in b.
func diffReactions(a, b []tele.Reaction) []string {
	var out []string
	for _, ra := range a {
		if ra.Emoji == "" {
			continue
		}
		found := false
		for _, rb := range b {
			if rb.Emoji == ra.Emoji {
				found = true
				break
			}
		}
		if !found {
			out = append(out, ra.Emoji)
		}
	}
	return out
}

func (a *Adapter) sendUpdate(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
					a.log.Warn("incoming updates dropped", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
					a.log.Warn("incoming updates dropped", logx.Uint64("count", n))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	})

	// telebot's Start blocks until Stop; run it restartable so an
	// unexpected poll loop exit self-heals.
	sup.GoRestart("telebot.poll", 500*time.Millisecond, 10*time.Second, func(c context.Context) error {
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return context.Canceled
		}
		return errors.New("telegram poll loop exited")
	})

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}
	if a.bot != nil {
		// telebot Stop can block on an in-flight long poll; don't let it
		// stall shutdown.
		go a.bot.Stop()
	}
	if sup == nil {
		return nil
	}

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendMessage(ctx context.Context, channelID int64, body string) (transport.MessageRef, error) {
	if err := ctxErr(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	msg, err := a.bot.Send(&tele.Chat{ID: channelID}, body)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditMessage(ctx context.Context, ref transport.MessageRef, body string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChannelID}}
	_, err := a.bot.Edit(m, body)
	if isNotModified(err) {
		// Retried finalize editing in the identical summary.
		return nil
	}
	return err
}

// AddReaction sets the bot's own reaction on the message. Telegram replaces
// the bot's whole reaction list per call, so existing bot reactions on the
// message are preserved by the caller seeding all kinds up front.
func (a *Adapter) AddReaction(ctx context.Context, ref transport.MessageRef, kind string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := a.bot.Raw("setMessageReaction", map[string]any{
		"chat_id":    ref.ChannelID,
		"message_id": ref.MessageID,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": kind}},
	})
	return err
}

// RemoveAllReactions clears the bot's reactions on the message. Telegram
// does not let bots remove other users' reactions; participant reactions
// become inert once the window is processed.
func (a *Adapter) RemoveAllReactions(ctx context.Context, ref transport.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := a.bot.Raw("setMessageReaction", map[string]any{
		"chat_id":    ref.ChannelID,
		"message_id": ref.MessageID,
		"reaction":   []map[string]string{},
	})
	return err
}

// FetchMessage probes for existence with a markup-clearing edit, the
// cheapest call that fails distinctly for missing messages. The bot never
// uses reply markup, so the edit is a no-op on live messages.
func (a *Adapter) FetchMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := a.bot.Raw("editMessageReplyMarkup", map[string]any{
		"chat_id":    ref.ChannelID,
		"message_id": ref.MessageID,
	})
	switch {
	case err == nil, isNotModified(err):
		return nil
	case isNotFound(err):
		return transport.ErrNotFound
	default:
		return err
	}
}

func (a *Adapter) RosterWithRole(ctx context.Context, roleID string) ([]int64, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	a.rolesMu.RLock()
	defer a.rolesMu.RUnlock()
	ids, ok := a.roles[roleID]
	if !ok {
		return nil, nil
	}
	return append([]int64(nil), ids...), nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "message to edit not found") ||
		strings.Contains(s, "message_id_invalid") ||
		strings.Contains(s, "chat not found")
}
