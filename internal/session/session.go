package session

import (
	"github.com/google/uuid"
)

// StorableSession 是以 UUID 为键持久化的会话。
type StorableSession struct {
	UUID string       `json:"uuid"`
	Data *SessionData `json:"session_data"`
}

// New wraps data in a session with a random UUID.
func New(data *SessionData) *StorableSession {
	if data == nil {
		data = NewSessionData(false)
	}
	return &StorableSession{
		UUID: uuid.NewString(),
		Data: data,
	}
}
