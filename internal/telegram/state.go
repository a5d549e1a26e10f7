package telegram

import (
	"sync"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingSubject
	StateAwaitingDescription
	StateAwaitingQuestions
	StateAwaitingPromo
)

// Session is the in-progress test request of one chat.
type Session struct {
	State       SessionState
	Subject     string
	Description string
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
	}
}

// Get returns a copy, so callers can edit it and Set it back.
func (m *StateManager) Get(chatID int64) Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return *session
	}
	return Session{State: StateIdle}
}

func (m *StateManager) Set(chatID int64, session Session) {
	m.mu.Lock()
	m.sessions[chatID] = &session
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}
