package portal

import (
	"time"

	"github.com/trezcool/unihub/core/realtime"
)

var (
	MessageKeys = realtime.Keys[Message]{
		ID:   func(m Message) string { return m.ID },
		Time: func(m Message) time.Time { return m.CreatedAt },
	}
	// members are unique per user within a channel
	MemberKeys = realtime.Keys[Member]{
		ID:   func(m Member) string { return m.UserID },
		Time: func(m Member) time.Time { return m.JoinedAt },
	}
)

// DecodeMessage re-shapes a messages row.
func DecodeMessage(rec realtime.Record) (Message, error) {
	var (
		m   Message
		err error
	)
	if m.ID, err = rec.String(TableMessages, "id"); err != nil {
		return Message{}, err
	}
	if m.ChannelID, err = rec.String(TableMessages, "channel_id"); err != nil {
		return Message{}, err
	}
	if m.UserID, err = rec.String(TableMessages, "user_id"); err != nil {
		return Message{}, err
	}
	if m.Content, err = rec.String(TableMessages, "content"); err != nil {
		return Message{}, err
	}
	if m.IsPinned, err = rec.Bool(TableMessages, "is_pinned"); err != nil {
		return Message{}, err
	}
	if m.CreatedAt, err = rec.Time(TableMessages, "created_at"); err != nil {
		return Message{}, err
	}
	if m.UpdatedAt, err = rec.OptTime(TableMessages, "updated_at"); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeMember re-shapes a channel_members row.
func DecodeMember(rec realtime.Record) (Member, error) {
	var (
		m   Member
		err error
	)
	if m.ID, err = rec.OptString(TableMembers, "id"); err != nil {
		return Member{}, err
	}
	if m.ChannelID, err = rec.String(TableMembers, "channel_id"); err != nil {
		return Member{}, err
	}
	if m.UserID, err = rec.String(TableMembers, "user_id"); err != nil {
		return Member{}, err
	}
	if m.JoinedAt, err = rec.Time(TableMembers, "joined_at"); err != nil {
		return Member{}, err
	}
	return m, nil
}

// MessageRecord is the change feed payload of m.
func MessageRecord(m Message) realtime.Record {
	return realtime.Record{
		"id":         m.ID,
		"channel_id": m.ChannelID,
		"user_id":    m.UserID,
		"content":    m.Content,
		"is_pinned":  m.IsPinned,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// MemberRecord is the change feed payload of m.
func MemberRecord(m Member) realtime.Record {
	return realtime.Record{
		"id":         m.ID,
		"channel_id": m.ChannelID,
		"user_id":    m.UserID,
		"joined_at":  m.JoinedAt.UTC().Format(time.RFC3339Nano),
	}
}
