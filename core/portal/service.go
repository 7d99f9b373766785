package portal

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/realtime"
)

var (
	nowFunc = func() time.Time { return time.Now().UTC() }
	newID   = uuid.NewString

	errBlankMessage   = errors.New("message cannot be blank")
	errMessageTooLong = fmt.Errorf("message cannot be longer than %d characters", MaxMessageLength)
)

// Service implements the portal use cases on top of a Repository.
//
// When the Repository's store does not emit change events by itself (in-memory
// storage), pub receives one event per committed write.
type Service struct {
	repo   Repository
	pub    realtime.Publisher
	logger core.Logger
}

func NewService(repo Repository, pub realtime.Publisher, logger core.Logger) *Service {
	return &Service{repo: repo, pub: pub, logger: logger}
}

// Profiles

func (svc *Service) Profile(ctx context.Context, id string) (Profile, error) {
	return svc.repo.GetProfile(ctx, id)
}

func (svc *Service) SaveProfile(ctx context.Context, p Profile) (Profile, error) {
	p.Name = core.CleanString(p.Name)
	p.Role = core.CleanString(p.Role, true /* lower */)
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Name == "" {
		return Profile{}, core.NewValidationError(nil, core.FieldError{Field: "name", Error: "this field is required"})
	}
	if !contains(Roles, p.Role) {
		return Profile{}, core.NewValidationError(nil, core.FieldError{Field: "role", Error: "must be one of student, academic or nonacademic"})
	}
	now := nowFunc()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return svc.repo.SaveProfile(ctx, p)
}

// authors maps user ids to their profile, unknown users included.
func (svc *Service) authors(ctx context.Context, ids []string) (map[string]Profile, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	profiles, err := svc.repo.GetProfiles(ctx, uniq...)
	if err != nil {
		return nil, errors.Wrap(err, "getting profiles")
	}

	byID := make(map[string]Profile, len(uniq))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	for _, id := range uniq {
		if _, ok := byID[id]; !ok {
			byID[id] = UnknownProfile(id)
		}
	}
	return byID, nil
}

// Channels

func (svc *Service) GetChannel(ctx context.Context, id string) (Channel, error) {
	return svc.repo.GetChannel(ctx, id)
}

// CreateChannel creates a channel and makes its creator the first member.
func (svc *Service) CreateChannel(ctx context.Context, sess Session, nc NewChannel) (Channel, error) {
	if err := sess.Valid(); err != nil {
		return Channel{}, err
	}
	now := nowFunc()
	ch, err := svc.repo.CreateChannel(ctx, Channel{
		ID:          newID(),
		Name:        core.CleanString(nc.Name),
		Description: core.CleanString(nc.Description),
		Type:        core.CleanString(nc.Type, true /* lower */),
		CreatedBy:   sess.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Channel{}, errors.Wrap(err, "creating channel")
	}
	if _, err := svc.join(ctx, sess, ch.ID, now); err != nil {
		return Channel{}, errors.Wrap(err, "joining created channel")
	}
	return ch, nil
}

// Messages

// Messages returns the channel's messages, oldest first, with their authors.
func (svc *Service) Messages(ctx context.Context, channelID string) ([]Message, error) {
	if _, err := svc.repo.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	msgs, err := svc.repo.ListMessages(ctx, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.UserID)
	}
	authors, err := svc.authors(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Author = authors[msgs[i].UserID]
	}
	return msgs, nil
}

func validateContent(content string) (string, error) {
	content = core.CleanString(content)
	if content == "" {
		return "", core.NewValidationError(errBlankMessage, core.FieldError{Field: "content", Error: errBlankMessage.Error()})
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", core.NewValidationError(errMessageTooLong, core.FieldError{Field: "content", Error: errMessageTooLong.Error()})
	}
	return content, nil
}

// PostMessage posts content to a channel as the session user.
func (svc *Service) PostMessage(ctx context.Context, sess Session, channelID, content string) (Message, error) {
	if err := sess.Valid(); err != nil {
		return Message{}, err
	}
	content, err := validateContent(content)
	if err != nil {
		return Message{}, err
	}
	if _, err := svc.repo.GetChannel(ctx, channelID); err != nil {
		return Message{}, err
	}

	now := nowFunc()
	msg, err := svc.repo.CreateMessage(ctx, Message{
		ID:        newID(),
		ChannelID: channelID,
		UserID:    sess.UserID,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "creating message")
	}
	msg.Author = svc.author(ctx, sess.UserID)

	svc.publish(ctx, realtime.ChangeEvent{
		Topic: TableMessages, Op: realtime.OpInsert, ID: msg.ID, Record: MessageRecord(msg), At: now,
	})
	return msg, nil
}

// EditMessage changes the content or the pin of one of the session user's messages.
func (svc *Service) EditMessage(ctx context.Context, sess Session, id string, em EditMessage) (Message, error) {
	msg, err := svc.ownMessage(ctx, sess, id)
	if err != nil {
		return Message{}, err
	}
	old := msg

	if em.Content != "" {
		if msg.Content, err = validateContent(em.Content); err != nil {
			return Message{}, err
		}
	}
	if em.IsPinned != nil {
		msg.IsPinned = *em.IsPinned
	}
	msg.UpdatedAt = nowFunc()

	if msg, err = svc.repo.UpdateMessage(ctx, msg); err != nil {
		return Message{}, errors.Wrap(err, "updating message")
	}
	msg.Author = svc.author(ctx, msg.UserID)

	svc.publish(ctx, realtime.ChangeEvent{
		Topic: TableMessages, Op: realtime.OpUpdate, ID: msg.ID,
		Record: MessageRecord(msg), OldRecord: MessageRecord(old), At: msg.UpdatedAt,
	})
	return msg, nil
}

func (svc *Service) DeleteMessage(ctx context.Context, sess Session, id string) error {
	msg, err := svc.ownMessage(ctx, sess, id)
	if err != nil {
		return err
	}
	if err := svc.repo.DeleteMessage(ctx, id); err != nil {
		return errors.Wrap(err, "deleting message")
	}

	svc.publish(ctx, realtime.ChangeEvent{
		Topic: TableMessages, Op: realtime.OpDelete, ID: msg.ID, OldRecord: MessageRecord(msg), At: nowFunc(),
	})
	return nil
}

func (svc *Service) ownMessage(ctx context.Context, sess Session, id string) (Message, error) {
	if err := sess.Valid(); err != nil {
		return Message{}, err
	}
	msg, err := svc.repo.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if msg.UserID != sess.UserID {
		return Message{}, ErrForbidden
	}
	return msg, nil
}

func (svc *Service) author(ctx context.Context, userID string) Profile {
	p, err := svc.repo.GetProfile(ctx, userID)
	if err != nil {
		return UnknownProfile(userID)
	}
	return p
}

// Members

// Members returns the channel's members, earliest joined first, with their profiles.
func (svc *Service) Members(ctx context.Context, channelID string) ([]Member, error) {
	if _, err := svc.repo.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	members, err := svc.repo.ListMembers(ctx, channelID)
	if err != nil {
		return nil, errors.Wrap(err, "listing members")
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	profiles, err := svc.authors(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range members {
		members[i].Profile = profiles[members[i].UserID]
	}
	return members, nil
}

func (svc *Service) Join(ctx context.Context, sess Session, channelID string) (Member, error) {
	if err := sess.Valid(); err != nil {
		return Member{}, err
	}
	if _, err := svc.repo.GetChannel(ctx, channelID); err != nil {
		return Member{}, err
	}
	return svc.join(ctx, sess, channelID, nowFunc())
}

func (svc *Service) join(ctx context.Context, sess Session, channelID string, at time.Time) (Member, error) {
	m, err := svc.repo.AddMember(ctx, Member{
		ID:        newID(),
		ChannelID: channelID,
		UserID:    sess.UserID,
		JoinedAt:  at,
	})
	if err != nil {
		return Member{}, err
	}
	m.Profile = svc.author(ctx, sess.UserID)

	svc.publish(ctx, realtime.ChangeEvent{
		Topic: TableMembers, Op: realtime.OpInsert, ID: m.ID, Record: MemberRecord(m), At: at,
	})
	return m, nil
}

func (svc *Service) Leave(ctx context.Context, sess Session, channelID string) error {
	if err := sess.Valid(); err != nil {
		return err
	}
	m, err := svc.repo.RemoveMember(ctx, channelID, sess.UserID)
	if err != nil {
		return err
	}

	svc.publish(ctx, realtime.ChangeEvent{
		Topic: TableMembers, Op: realtime.OpDelete, ID: m.ID, OldRecord: MemberRecord(m), At: nowFunc(),
	})
	return nil
}

// publish announces a committed write. Failures are logged: the write itself succeeded.
func (svc *Service) publish(ctx context.Context, ev realtime.ChangeEvent) {
	if svc.pub == nil {
		return
	}
	if err := svc.pub.Publish(ctx, ev); err != nil && svc.logger != nil {
		svc.logger.Error(fmt.Sprintf("publishing %s %s: %v", ev.Topic, ev.Op, err), err)
	}
}
