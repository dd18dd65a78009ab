package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/basecamp/crmsync/internal/storage"
)

// StorageKey is the single key holding the persisted credential.
const StorageKey = "zoho_token_data"

// StampKey is touched on every credential write when the credential lives
// outside the shared state dir, so watchers there learn that it changed.
const StampKey = "zoho_token_stamp"

// Store persists the credential through a storage backend and codec.
type Store struct {
	backend storage.Store
	codec   Codec
	stamps  storage.Store
}

// NewStore creates a credential store. A nil codec means Obfuscator.
func NewStore(backend storage.Store, codec Codec) *Store {
	if codec == nil {
		codec = Obfuscator{}
	}
	return &Store{backend: backend, codec: codec}
}

// SetStamps makes Save and Delete also write StampKey to stamps.
func (s *Store) SetStamps(stamps storage.Store) {
	s.stamps = stamps
}

// Codec returns the codec used for the persisted record.
func (s *Store) Codec() Codec {
	return s.codec
}

// Load returns the stored credential, or nil if none is stored.
func (s *Store) Load() (*Credential, error) {
	data, err := s.backend.Get(StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.codec.Decode(data)
}

// Save writes c.
func (s *Store) Save(c *Credential) error {
	data, err := s.codec.Encode(c)
	if err != nil {
		return err
	}
	if err := s.backend.Set(StorageKey, data); err != nil {
		return err
	}
	return s.stamp()
}

// Delete removes the stored credential.
func (s *Store) Delete() error {
	if err := s.backend.Delete(StorageKey); err != nil {
		return err
	}
	return s.stamp()
}

func (s *Store) stamp() error {
	if s.stamps == nil {
		return nil
	}
	value := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := s.stamps.Set(StampKey, []byte(value)); err != nil {
		return fmt.Errorf("credential change stamp: %w", err)
	}
	return nil
}
