// Package store is the local persistence substrate: a bbolt-backed
// key-value store for salts, wrapped keys, the PoP keypair, pending
// chat keys and contact lists, plus a per-chat partitioned message
// store. Values are msgpack-serialized; when a 32-byte key is supplied
// they are additionally AEAD-encrypted at rest.
package store

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/keyfold/client-go/internal/crypto"
)

var (
	kvBucket       = []byte("kv")
	messagesBucket = []byte("messages")
)

// ErrClosed is returned when operations are attempted on a closed store.
var ErrClosed = errors.New("store is closed")

// Store is the local persistence handle. Safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{kvBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set serializes value and stores it under key. A non-nil secret
// encrypts the serialized value at rest.
func (s *Store) Set(key string, value any, secret []byte) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize %q: %w", key, err)
	}
	if secret != nil {
		if data, err = crypto.Seal(secret, data); err != nil {
			return fmt.Errorf("encrypt %q: %w", key, err)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), data)
	})
}

// Get loads the value stored under key into out. The secret must match
// what was supplied to Set. Returns (false, nil) when the key is
// absent.
func (s *Store) Get(key string, secret []byte, out any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(kvBucket).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	if secret != nil {
		if data, err = crypto.Open(secret, data); err != nil {
			return false, fmt.Errorf("decrypt %q: %w", key, err)
		}
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("deserialize %q: %w", key, err)
	}
	return true, nil
}

// Remove deletes the value stored under key. Removing an absent key is
// not an error.
func (s *Store) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

// Message is a locally persisted chat message. The body is plaintext:
// messages belong to the local device only and the store file carries
// its own at-rest protection; they are never synced to the server.
type Message struct {
	ID        string `msgpack:"id"`
	Body      string `msgpack:"body"`
	Timestamp int64  `msgpack:"ts"`
	Self      bool   `msgpack:"self"`
}

// AppendMessage inserts a message into the chat's partition. Message
// IDs are time-sortable, so insertion order equals key order.
func (s *Store) AppendMessage(chatID string, m *Message) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		chat, err := tx.Bucket(messagesBucket).CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return err
		}
		return chat.Put([]byte(m.ID), data)
	})
}

// Messages returns all messages for a chat in id (time) order.
func (s *Store) Messages(chatID string) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		chat := tx.Bucket(messagesBucket).Bucket([]byte(chatID))
		if chat == nil {
			return nil
		}
		return chat.ForEach(func(_, v []byte) error {
			var m Message
			if err := msgpack.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("deserialize message: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMessage removes a single message from a chat's partition.
func (s *Store) DeleteMessage(chatID, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		chat := tx.Bucket(messagesBucket).Bucket([]byte(chatID))
		if chat == nil {
			return nil
		}
		return chat.Delete([]byte(messageID))
	})
}

// DeleteChat drops a chat's whole message partition. Used when a chat
// is deleted by either party.
func (s *Store) DeleteChat(chatID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(messagesBucket)
		if root.Bucket([]byte(chatID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(chatID))
	})
}
