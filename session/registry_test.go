package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/K3das/diction/asr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	s := New("client-1", asr.RecognitionRequest{UserID: "user-1"})

	_, ok := r.Lookup("client-1")
	assert.False(t, ok)

	require.NoError(t, r.Register(s))
	assert.True(t, s.Registered)
	assert.Equal(t, 1, r.Count())

	found, ok := r.Lookup("client-1")
	require.True(t, ok)
	assert.Same(t, s, found)

	assert.True(t, r.Remove("client-1"))
	assert.False(t, s.Registered)
	_, ok = r.Lookup("client-1")
	assert.False(t, ok)

	assert.False(t, r.Remove("client-1"), "second remove must report absence")
	assert.Equal(t, 0, r.Count())
}

func TestRegistryRejectsLiveDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New("dup", asr.RecognitionRequest{})))

	err := r.Register(New("dup", asr.RecognitionRequest{}))
	assert.ErrorIs(t, err, ErrDuplicateClientID)
	assert.Equal(t, 1, r.Count())

	r.Remove("dup")
	assert.NoError(t, r.Register(New("dup", asr.RecognitionRequest{})))
}

func TestNewGeneratesClientID(t *testing.T) {
	a := New("", asr.RecognitionRequest{})
	b := New("", asr.RecognitionRequest{})
	assert.NotEmpty(t, a.ClientID)
	assert.NotEqual(t, a.ClientID, b.ClientID)
}

func TestRegistryConcurrentRegisterAndRemove(t *testing.T) {
	const n = 200
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Register(New(fmt.Sprintf("client-%d", i), asr.RecognitionRequest{})))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.Count())

	// two removers race for every id; exactly one of them may win
	var removed atomic.Int64
	for i := 0; i < n; i++ {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if r.Remove(fmt.Sprintf("client-%d", i)) {
					removed.Add(1)
				}
			}(i)
		}
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, int64(n), removed.Load())
}

type pronunciationMarker struct{}
type communicationMarker struct{}

func TestSessionsOf(t *testing.T) {
	r := NewRegistry()

	a := New("a", asr.RecognitionRequest{})
	a.Analyst = pronunciationMarker{}
	b := New("b", asr.RecognitionRequest{})
	b.Analyst = communicationMarker{}
	c := New("c", asr.RecognitionRequest{})

	for _, s := range []*Session{a, b, c} {
		require.NoError(t, r.Register(s))
	}

	got := SessionsOf[pronunciationMarker](r)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ClientID)
	assert.Len(t, r.Sessions(), 3)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	r := NewRegistry()

	old := New("old", asr.RecognitionRequest{})
	old.CreatedAt = time.Now().Add(-time.Hour)
	fresh := New("fresh", asr.RecognitionRequest{})

	require.NoError(t, r.Register(old))
	require.NoError(t, r.Register(fresh))

	expired := r.Sweep(10 * time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ClientID)

	assert.False(t, r.Remove("old"))
	assert.True(t, r.Remove("fresh"))
}

func TestRemoveSessionComparesIdentity(t *testing.T) {
	r := NewRegistry()

	stale := New("client-1", asr.RecognitionRequest{})
	require.NoError(t, r.Register(stale))
	require.True(t, r.RemoveSession(stale))

	live := New("client-1", asr.RecognitionRequest{})
	require.NoError(t, r.Register(live))

	assert.False(t, r.RemoveSession(stale))
	found, ok := r.Lookup("client-1")
	require.True(t, ok)
	assert.Same(t, live, found)

	assert.True(t, r.RemoveSession(live))
	assert.Equal(t, 0, r.Count())
}

func TestSweepSkipsSessionsHeldForUpload(t *testing.T) {
	r := NewRegistry()

	held := New("held", asr.RecognitionRequest{})
	held.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, r.Register(held))
	require.True(t, r.HoldForUpload(held))

	assert.Empty(t, r.Sweep(10*time.Minute))
	assert.Equal(t, 1, r.Count())

	assert.True(t, r.RemoveSession(held))
	assert.False(t, r.HoldForUpload(held))
}

func TestAdvanceIsForwardOnly(t *testing.T) {
	s := New("x", asr.RecognitionRequest{})

	require.NoError(t, s.Advance(StateRegistered))
	require.NoError(t, s.Advance(StateDeregistered))
	assert.ErrorIs(t, s.Advance(StateAudioReady), ErrStateRegression)
	assert.Equal(t, "deregistered", s.State.String())
}

func TestNewClonesRequest(t *testing.T) {
	req := asr.RecognitionRequest{ExpectedResults: []asr.ExpectedResult{{Text: "hello"}}}
	s := New("x", req)

	req.ExpectedResults[0].Text = "changed"
	assert.Equal(t, "hello", s.Request.ExpectedResults[0].Text)
}
