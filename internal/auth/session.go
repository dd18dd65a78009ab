package auth

import (
	"encoding/json"
	"errors"

	"github.com/basecamp/crmsync/internal/storage"
)

const sessionKey = "zoho_auth_session"

// Session holds the secrets of one in-flight authorization. It lives only in
// the process that started the flow.
type Session struct {
	Verifier  string `json:"verifier"`
	State     string `json:"state"`
	ReturnURL string `json:"returnUrl"`
}

// SessionStore keeps at most one Session.
type SessionStore struct {
	backend storage.Store
}

// NewSessionStore creates a session store. A nil backend keeps the session
// in process memory, which is what the flow expects.
func NewSessionStore(backend storage.Store) *SessionStore {
	if backend == nil {
		backend = storage.NewMemoryStore()
	}
	return &SessionStore{backend: backend}
}

// Save replaces the current session.
func (s *SessionStore) Save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.backend.Set(sessionKey, data)
}

// Load returns the current session, or nil.
func (s *SessionStore) Load() (*Session, error) {
	data, err := s.backend.Get(sessionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Delete destroys the current session.
func (s *SessionStore) Delete() error {
	return s.backend.Delete(sessionKey)
}
