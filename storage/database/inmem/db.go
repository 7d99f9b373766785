package inmemdb

import (
	"sync"

	"github.com/trezcool/unihub/core/portal"
)

// DB is an in-memory portal store guarded by a single lock.
type DB struct {
	mutex    sync.RWMutex
	profiles map[string]*portal.Profile
	channels map[string]*portal.Channel
	messages map[string]*portal.Message
	members  map[string]*portal.Member // key: channelID/userID
}

func Open() *DB {
	return &DB{
		profiles: make(map[string]*portal.Profile),
		channels: make(map[string]*portal.Channel),
		messages: make(map[string]*portal.Message),
		members:  make(map[string]*portal.Member),
	}
}

// Reset empties every table.
func (db *DB) Reset() {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.profiles = make(map[string]*portal.Profile)
	db.channels = make(map[string]*portal.Channel)
	db.messages = make(map[string]*portal.Message)
	db.members = make(map[string]*portal.Member)
}

func memberKey(channelID, userID string) string {
	return channelID + "/" + userID
}
