package zoho

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basecamp/crmsync/internal/storage"
)

// StateKey returns the storage key of the local state document for a record.
func StateKey(recordID string) string {
	return "discovery_zoho_" + recordID
}

// StateStore keeps the local copy of each record's state document, so work
// survives a failed sync and an unload.
type StateStore struct {
	backend storage.Store
}

// NewStateStore creates a state store over backend.
func NewStateStore(backend storage.Store) *StateStore {
	return &StateStore{backend: backend}
}

// Save stores doc for recordID. doc must be valid JSON.
func (s *StateStore) Save(recordID string, doc json.RawMessage) error {
	if err := ValidateRecordID(recordID); err != nil {
		return err
	}
	if !json.Valid(doc) {
		return fmt.Errorf("state for record %s is not valid JSON", recordID)
	}
	return s.backend.Set(StateKey(recordID), doc)
}

// Load returns the stored document, or nil if there is none.
func (s *StateStore) Load(recordID string) (json.RawMessage, error) {
	if err := ValidateRecordID(recordID); err != nil {
		return nil, err
	}
	data, err := s.backend.Get(StateKey(recordID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Delete forgets the local document.
func (s *StateStore) Delete(recordID string) error {
	if err := ValidateRecordID(recordID); err != nil {
		return err
	}
	return s.backend.Delete(StateKey(recordID))
}
