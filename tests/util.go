package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

func CreateProfile(t *testing.T, repo portal.Repository, name, role string, createdAt ...time.Time) portal.Profile {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	p, err := repo.SaveProfile(context.Background(), portal.Profile{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	})
	if err != nil {
		t.Fatalf("createProfile() failed: %v", err)
	}
	return p
}

func CreateChannel(t *testing.T, repo portal.Repository, name, typ string, creator portal.Profile, members ...portal.Profile) portal.Channel {
	t.Helper()
	now := time.Now().UTC()
	ch, err := repo.CreateChannel(context.Background(), portal.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		CreatedBy: creator.ID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("createChannel() failed: %v", err)
	}
	for i, p := range append([]portal.Profile{creator}, members...) {
		AddMember(t, repo, ch, p, now.Add(time.Duration(i)*time.Millisecond))
	}
	return ch
}

func AddMember(t *testing.T, repo portal.Repository, ch portal.Channel, p portal.Profile, joinedAt time.Time) portal.Member {
	t.Helper()
	m, err := repo.AddMember(context.Background(), portal.Member{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		UserID:    p.ID,
		JoinedAt:  joinedAt.UTC(),
	})
	if err != nil {
		t.Fatalf("addMember() failed: %v", err)
	}
	return m
}

func CreateMessage(t *testing.T, repo portal.Repository, ch portal.Channel, author portal.Profile, content string, createdAt time.Time) portal.Message {
	t.Helper()
	m, err := repo.CreateMessage(context.Background(), portal.Message{
		ID:        uuid.NewString(),
		ChannelID: ch.ID,
		UserID:    author.ID,
		Content:   content,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	})
	if err != nil {
		t.Fatalf("createMessage() failed: %v", err)
	}
	return m
}

func Session(p portal.Profile) portal.Session {
	return portal.Session{UserID: p.ID, Name: p.Name, Role: p.Role}
}

// Logger is a core.Logger recording messages in memory.
type Logger struct {
	mu       sync.Mutex
	Messages []string
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, fmt.Sprintf("%s: %s", level, msg))
}

func (l *Logger) Debug(msg string, _ ...interface{}) { l.log("DEBUG", msg) }
func (l *Logger) Info(msg string, _ ...interface{})  { l.log("INFO", msg) }
func (l *Logger) Warn(msg string, _ ...interface{})  { l.log("WARN", msg) }
func (l *Logger) Error(msg string, _ ...interface{}) { l.log("ERROR", msg) }
func (l *Logger) Fatal(msg string, _ ...interface{}) { l.log("FATAL", msg) }

func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Messages)
}
