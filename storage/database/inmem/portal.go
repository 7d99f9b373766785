package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/unihub/core/portal"
)

type portalRepository struct {
	db *DB
}

var _ portal.Repository = (*portalRepository)(nil)

func NewPortalRepository(db *DB) portal.Repository {
	return &portalRepository{db: db}
}

func (repo *portalRepository) GetProfile(_ context.Context, id string) (portal.Profile, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if p, ok := repo.db.profiles[id]; ok {
		return *p, nil
	}
	return portal.Profile{}, portal.ErrProfileNotFound
}

func (repo *portalRepository) GetProfiles(_ context.Context, ids ...string) ([]portal.Profile, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	profiles := make([]portal.Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := repo.db.profiles[id]; ok {
			profiles = append(profiles, *p)
		}
	}
	return profiles, nil
}

func (repo *portalRepository) SaveProfile(_ context.Context, p portal.Profile) (portal.Profile, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if old, ok := repo.db.profiles[p.ID]; ok {
		p.CreatedAt = old.CreatedAt
	}
	repo.db.profiles[p.ID] = &p
	return p, nil
}

func (repo *portalRepository) GetChannel(_ context.Context, id string) (portal.Channel, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if ch, ok := repo.db.channels[id]; ok {
		return *ch, nil
	}
	return portal.Channel{}, portal.ErrChannelNotFound
}

func (repo *portalRepository) CreateChannel(_ context.Context, ch portal.Channel) (portal.Channel, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.channels[ch.ID] = &ch
	return ch, nil
}

func (repo *portalRepository) ListMessages(_ context.Context, channelID string) ([]portal.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	msgs := make([]portal.Message, 0)
	for _, m := range repo.db.messages {
		if m.ChannelID == channelID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (repo *portalRepository) GetMessage(_ context.Context, id string) (portal.Message, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if m, ok := repo.db.messages[id]; ok {
		return *m, nil
	}
	return portal.Message{}, portal.ErrMessageNotFound
}

func (repo *portalRepository) CreateMessage(_ context.Context, m portal.Message) (portal.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.channels[m.ChannelID]; !ok {
		return portal.Message{}, portal.ErrChannelNotFound
	}
	m.Author = portal.Profile{}
	repo.db.messages[m.ID] = &m
	return m, nil
}

func (repo *portalRepository) UpdateMessage(_ context.Context, m portal.Message) (portal.Message, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	old, ok := repo.db.messages[m.ID]
	if !ok {
		return portal.Message{}, portal.ErrMessageNotFound
	}
	old.Content = m.Content
	old.IsPinned = m.IsPinned
	old.UpdatedAt = m.UpdatedAt
	return *old, nil
}

func (repo *portalRepository) DeleteMessage(_ context.Context, id string) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.messages[id]; !ok {
		return portal.ErrMessageNotFound
	}
	delete(repo.db.messages, id)
	return nil
}

func (repo *portalRepository) ListMembers(_ context.Context, channelID string) ([]portal.Member, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	members := make([]portal.Member, 0)
	for _, m := range repo.db.members {
		if m.ChannelID == channelID {
			members = append(members, *m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (repo *portalRepository) AddMember(_ context.Context, m portal.Member) (portal.Member, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.channels[m.ChannelID]; !ok {
		return portal.Member{}, portal.ErrChannelNotFound
	}
	key := memberKey(m.ChannelID, m.UserID)
	if _, ok := repo.db.members[key]; ok {
		return portal.Member{}, portal.ErrAlreadyMember
	}
	m.Profile = portal.Profile{}
	repo.db.members[key] = &m
	return m, nil
}

func (repo *portalRepository) RemoveMember(_ context.Context, channelID, userID string) (portal.Member, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	key := memberKey(channelID, userID)
	m, ok := repo.db.members[key]
	if !ok {
		return portal.Member{}, portal.ErrMemberNotFound
	}
	delete(repo.db.members, key)
	return *m, nil
}
