package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	sessionBucket  = []byte("session")
	profilesBucket = []byte("profiles")

	sessionKey  = []byte("current")
	profilesKey = []byte("all")
)

// Session is the single persisted credential record.
type Session struct {
	Homeserver  string                 `json:"homeserver"`
	UserID      string                 `json:"user_id"`
	AccessToken string                 `json:"access_token"`
	DeviceID    string                 `json:"device_id"`
	Extra       map[string]interface{} `json:"data,omitempty"`
}

// Profile is a cached user profile record.
type Profile struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// Store wraps the bbolt database holding the session record and the
// profile-cache blob.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(profilesBucket)

		return err
	})
	if err != nil {
		db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession overwrites the stored session record.
func (s *Store) SaveSession(sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
}

// LoadSession returns the stored session record. The second return value is
// false when no record has been saved.
func (s *Store) LoadSession() (Session, bool, error) {
	var (
		sess  Session
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get(sessionKey)
		if data == nil {
			return nil
		}

		found = true

		return json.Unmarshal(data, &sess)
	})
	if err != nil {
		return Session{}, false, err
	}

	return sess, found, nil
}

func (s *Store) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(sessionKey)
	})
}

// SaveProfiles rewrites the whole profile-cache blob. Profile volume is small
// and writes are rare relative to session lifetime, so wholesale rewrites are
// fine.
func (s *Store) SaveProfiles(profiles map[string]Profile) error {
	data, err := json.Marshal(profiles)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(profilesBucket).Put(profilesKey, data)
	})
}

// LoadProfiles returns the persisted profile cache, or an empty map when
// nothing has been saved yet.
func (s *Store) LoadProfiles() (map[string]Profile, error) {
	profiles := make(map[string]Profile)

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(profilesBucket).Get(profilesKey)
		if data == nil {
			return nil
		}

		return json.Unmarshal(data, &profiles)
	})
	if err != nil {
		return nil, err
	}

	return profiles, nil
}
