package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketUsers = []byte("users")

// ErrUserExists is returned when creating a credential for a taken username.
var ErrUserExists = errors.New("username already exists")

// Credential is an enrolled user's TOTP credential. Created by enrollment,
// never mutated, deleted only by administrative action.
type Credential struct {
	Username   string    `json:"username"`
	TOTPSecret string    `json:"totp_secret"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps a BoltDB database holding user credentials.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketUsers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCredential persists a new credential keyed by lowercase username.
// Returns ErrUserExists if the username is already taken; the uniqueness
// check and the insert run in one write transaction.
func (s *Store) CreateCredential(cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if existing := b.Get([]byte(cred.Username)); existing != nil {
			return ErrUserExists
		}
		return b.Put([]byte(cred.Username), data)
	})
}

// GetCredential returns the credential for a username, or nil if absent.
func (s *Store) GetCredential(username string) (*Credential, error) {
	var cred *Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(username))
		if data == nil {
			return nil
		}
		cred = &Credential{}
		return json.Unmarshal(data, cred)
	})
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

// TOTPSecret implements auth.CredentialStore.
func (s *Store) TOTPSecret(username string) (string, bool, error) {
	cred, err := s.GetCredential(username)
	if err != nil {
		return "", false, err
	}
	if cred == nil {
		return "", false, nil
	}
	return cred.TOTPSecret, true, nil
}

// HasUser reports whether a credential exists for the username.
func (s *Store) HasUser(username string) (bool, error) {
	cred, err := s.GetCredential(username)
	return cred != nil, err
}

// DeleteCredential removes a credential. Deleting an absent user is a no-op.
func (s *Store) DeleteCredential(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Delete([]byte(username))
	})
}

// ListUsernames returns all enrolled usernames in key order.
func (s *Store) ListUsernames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list usernames: %w", err)
	}
	return names, nil
}

// Seed inserts credentials from the environment (TOTP_SECRET_<USER> vars)
// for usernames not already in the store. Existing credentials win: the
// store, not the environment, is the source of truth after first start.
func (s *Store) Seed(secrets map[string]string, now time.Time) (added int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		for username, secret := range secrets {
			if b.Get([]byte(username)) != nil {
				continue
			}
			data, err := json.Marshal(Credential{
				Username:   username,
				TOTPSecret: secret,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(username), data); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("seed credentials: %w", err)
	}
	return added, nil
}
