package portal

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// errors
	ErrNotFound        = errors.New("not found")
	ErrChannelNotFound = errors.Wrap(ErrNotFound, "channel")
	ErrMessageNotFound = errors.Wrap(ErrNotFound, "message")
	ErrProfileNotFound = errors.Wrap(ErrNotFound, "profile")
	ErrMemberNotFound  = errors.Wrap(ErrNotFound, "member")
	ErrAlreadyMember   = errors.New("already a member of this channel")
	ErrForbidden       = errors.New("permission denied")
)

// IsNotFound reports whether err is one of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type Repository interface {
	GetProfile(ctx context.Context, id string) (Profile, error)
	// GetProfiles silently skips unknown ids.
	GetProfiles(ctx context.Context, ids ...string) ([]Profile, error)
	SaveProfile(ctx context.Context, p Profile) (Profile, error)

	GetChannel(ctx context.Context, id string) (Channel, error)
	CreateChannel(ctx context.Context, c Channel) (Channel, error)

	// ListMessages returns the messages of a channel, oldest first.
	ListMessages(ctx context.Context, channelID string) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	CreateMessage(ctx context.Context, m Message) (Message, error)
	UpdateMessage(ctx context.Context, m Message) (Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// ListMembers returns the members of a channel, earliest joined first.
	ListMembers(ctx context.Context, channelID string) ([]Member, error)
	AddMember(ctx context.Context, m Member) (Member, error)
	// RemoveMember returns the removed membership.
	RemoveMember(ctx context.Context, channelID, userID string) (Member, error)
}
