package portal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const lookupTimeout = 10 * time.Second

// ProfileSource looks profiles up by user id.
type ProfileSource interface {
	Profile(ctx context.Context, id string) (Profile, error)
}

// ProfileCache memoizes profile lookups. Concurrent lookups of one id share a single call.
// Unknown users resolve to UnknownProfile and are not cached.
type ProfileCache struct {
	src   ProfileSource
	group singleflight.Group

	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewProfileCache(src ProfileSource) *ProfileCache {
	return &ProfileCache{src: src, profiles: make(map[string]Profile)}
}

// Get returns the profile of id. A shared lookup outlives the caller that started it:
// cancelling ctx only abandons this caller's wait.
func (c *ProfileCache) Get(ctx context.Context, id string) (Profile, error) {
	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	ch := c.group.DoChan(id, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		p, err := c.src.Profile(lookupCtx, id)
		if err != nil {
			if IsNotFound(err) {
				return UnknownProfile(id), nil
			}
			return nil, err
		}
		c.Put(p)
		return p, nil
	})
	select {
	case <-ctx.Done():
		return Profile{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Profile{}, res.Err
		}
		return res.Val.(Profile), nil
	}
}

// Name returns the display name of a user.
func (c *ProfileCache) Name(ctx context.Context, id string) (string, error) {
	p, err := c.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// Put seeds the cache, eg. with the authors of a fetched snapshot.
func (c *ProfileCache) Put(profiles ...Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range profiles {
		if p.ID == "" || p.Name == UnknownUserName {
			continue
		}
		c.profiles[p.ID] = p
	}
}

func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}
