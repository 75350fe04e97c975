package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by FetchMessage when the backing message or its
// channel no longer exists.
var ErrNotFound = errors.New("message not found")

type UpdateKind string

const (
	UpdateReactionAdded   UpdateKind = "reaction_added"
	UpdateReactionRemoved UpdateKind = "reaction_removed"
)

// Update is an inbound gateway event. Exactly one payload field is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Reaction *ReactionEvent
}

// ReactionEvent describes one user adding or removing one reaction kind on
// one message. The gateway may deliver these at-least-once and out of order;
// consumers must be idempotent.
type ReactionEvent struct {
	UserID    int64
	ChannelID int64
	MessageID int
	Kind      string
	At        time.Time
}

type MessageRef struct {
	ChannelID int64
	MessageID int
}

// Gateway is the messaging collaborator boundary. The core never imposes
// timeouts on gateway calls; transports own their own deadlines.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, channelID int64, body string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, body string) error
	AddReaction(ctx context.Context, ref MessageRef, kind string) error
	RemoveAllReactions(ctx context.Context, ref MessageRef) error
	// FetchMessage reports whether the message still exists; ErrNotFound
	// means it (or its channel) is gone for good.
	FetchMessage(ctx context.Context, ref MessageRef) error
	// RosterWithRole returns the user ids holding the given role.
	RosterWithRole(ctx context.Context, roleID string) ([]int64, error)
}
