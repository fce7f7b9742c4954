// Package session tracks the one in-flight recognition each client may have.
package session

import (
	"fmt"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/google/uuid"
)

type State int

const (
	StateCreated State = iota
	StateRegistered
	StateAudioReady
	StateRecognized
	StateAnalyzed
	StatePersisted
	StateDeregistered
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRegistered:
		return "registered"
	case StateAudioReady:
		return "audio_ready"
	case StateRecognized:
		return "recognized"
	case StateAnalyzed:
		return "analyzed"
	case StatePersisted:
		return "persisted"
	case StateDeregistered:
		return "deregistered"
	default:
		return "unknown"
	}
}

var ErrStateRegression = fmt.Errorf("session state can only move forward")

// Session is one client's request/response lifecycle. It is written only by
// the call path that owns it.
type Session struct {
	ClientID      string
	AudioFileName string
	AudioFilePath string

	Request asr.RecognitionRequest
	Result  *asr.RecognitionResult

	// PhonemeHistory is the user's recent phoneme scores, read once before
	// analysis so every scoring pass sees the same history.
	PhonemeHistory []asr.PhonemeQuality
	// Analyst is the scoring strategy chosen for the request. It is fixed
	// before the session is registered.
	Analyst any

	Registered bool
	State      State
	CreatedAt  time.Time

	// guarded by the registry
	uploading bool
}

// NewClientID returns a fresh identifier for callers that don't supply one.
func NewClientID() string {
	return uuid.NewString()
}

func New(clientID string, request asr.RecognitionRequest) *Session {
	if clientID == "" {
		clientID = NewClientID()
	}
	return &Session{
		ClientID:  clientID,
		Request:   request.Clone(),
		State:     StateCreated,
		CreatedAt: time.Now(),
	}
}

// Advance moves the session to next. Skipping states is allowed (the
// missing-audio short circuit goes straight to deregistered), going back is not.
func (s *Session) Advance(next State) error {
	if next < s.State {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, s.State, next)
	}
	s.State = next
	return nil
}
