package matrixclient

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/omomatrix/omomatrix/store"
)

// Profile is a user's display profile.
type Profile = store.Profile

// profileCache keeps user profiles in memory, coalesces concurrent fetches
// for the same user and persists the whole cache on every new entry. The
// persisted blob is loaded once at construction.
type profileCache struct {
	sync.RWMutex

	entries map[string]Profile
	group   singleflight.Group
	fetch   func(userID string) (Profile, error)
	st      *store.Store
	logger  *logrus.Entry
}

func newProfileCache(st *store.Store, fetch func(string) (Profile, error), logger *logrus.Entry) *profileCache {
	entries := make(map[string]Profile)

	if st != nil {
		loaded, err := st.LoadProfiles()
		if err != nil {
			logger.Errorf("loading profile cache: %s", err)
		} else {
			entries = loaded
		}
	}

	return &profileCache{
		entries: entries,
		fetch:   fetch,
		st:      st,
		logger:  logger,
	}
}

// Get returns the cached profile for a user, fetching it on first use.
// Failures return the empty profile; they are never surfaced as errors.
func (p *profileCache) Get(userID string) Profile {
	p.RLock()
	profile, ok := p.entries[userID]
	p.RUnlock()

	if ok {
		return profile
	}

	v, err, _ := p.group.Do(userID, func() (interface{}, error) {
		profile, err := p.fetch(userID)
		if err != nil {
			return Profile{}, err
		}

		p.Lock()
		p.entries[userID] = profile
		all := make(map[string]Profile, len(p.entries))

		for k, entry := range p.entries {
			all[k] = entry
		}
		p.Unlock()

		if p.st != nil {
			if err := p.st.SaveProfiles(all); err != nil {
				p.logger.Errorf("persisting profile cache: %s", err)
			}
		}

		return profile, nil
	})
	if err != nil {
		p.logger.Debugf("profile fetch for %s failed: %s", userID, err)

		return Profile{}
	}

	return v.(Profile)
}
