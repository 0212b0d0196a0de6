// ABOUTME: Tests for the in-memory session and magic-link store.
// ABOUTME: Validates single-use consumption, sliding expiry, sweeps, and concurrency safety.

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

func TestIssueMagicLink_TokenShape(t *testing.T) {
	s := newTestStore(t, Config{})

	token, err := s.IssueMagicLink("user@example.com")
	require.NoError(t, err)

	// 16 random bytes, hex-encoded
	assert.Len(t, token, 32)

	other, err := s.IssueMagicLink("user@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestConsumeMagicLink_ExactlyOnce(t *testing.T) {
	s := newTestStore(t, Config{})

	token, err := s.IssueMagicLink("user@example.com")
	require.NoError(t, err)

	link := s.ConsumeMagicLink(token)
	require.NotNil(t, link)
	assert.Equal(t, "user@example.com", link.Email)
	assert.True(t, link.Used)

	// Second consumption of the same token must fail
	assert.Nil(t, s.ConsumeMagicLink(token))
}

func TestConsumeMagicLink_Unknown(t *testing.T) {
	s := newTestStore(t, Config{})
	assert.Nil(t, s.ConsumeMagicLink("no-such-token"))
}

func TestConsumeMagicLink_Expired(t *testing.T) {
	s := newTestStore(t, Config{LinkTTL: 10 * time.Millisecond})

	token, err := s.IssueMagicLink("user@example.com")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, s.ConsumeMagicLink(token))
}

func TestConsumeMagicLink_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t, Config{})

	token, err := s.IssueMagicLink("user@example.com")
	require.NoError(t, err)

	const attempts = 32
	var wg sync.WaitGroup
	results := make(chan *MagicLink, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.ConsumeMagicLink(token)
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for link := range results {
		if link != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCreateSession_CarriesExtra(t *testing.T) {
	s := newTestStore(t, Config{})

	id, err := s.CreateSession("user@example.com", map[string]string{"login_method": "magic_link"})
	require.NoError(t, err)
	assert.Len(t, id, 64)

	sess := s.GetSession(id)
	require.NotNil(t, sess)
	assert.Equal(t, "user@example.com", sess.Email)
	assert.Equal(t, "magic_link", sess.Extra["login_method"])
}

func TestValidateSession_SlidingWindow(t *testing.T) {
	s := newTestStore(t, Config{SessionTTL: 80 * time.Millisecond})

	id, err := s.CreateSession("user@example.com", nil)
	require.NoError(t, err)

	// Keep touching the session inside the lifetime; it must never expire
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		assert.True(t, s.ValidateSession(id), "validation %d", i)
	}

	// Left idle past the lifetime it becomes invalid and is purged
	time.Sleep(120 * time.Millisecond)
	assert.False(t, s.ValidateSession(id))
	assert.Nil(t, s.GetSession(id))
}

func TestValidateSession_ExtendsExpiry(t *testing.T) {
	s := newTestStore(t, Config{SessionTTL: time.Hour})

	id, err := s.CreateSession("user@example.com", nil)
	require.NoError(t, err)

	before := s.GetSession(id)
	require.NotNil(t, before)

	time.Sleep(5 * time.Millisecond)
	require.True(t, s.ValidateSession(id))

	after := s.GetSession(id)
	require.NotNil(t, after)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.True(t, after.LastAccessed.After(before.LastAccessed))
}

func TestValidateSession_Missing(t *testing.T) {
	s := newTestStore(t, Config{})
	assert.False(t, s.ValidateSession("no-such-session"))
}

func TestDestroySession_Idempotent(t *testing.T) {
	s := newTestStore(t, Config{})

	id, err := s.CreateSession("user@example.com", nil)
	require.NoError(t, err)

	assert.True(t, s.DestroySession(id))
	assert.False(t, s.DestroySession(id))
	assert.False(t, s.ValidateSession(id))
}

func TestSweeps_RemoveDeadEntries(t *testing.T) {
	s := newTestStore(t, Config{LinkTTL: 5 * time.Millisecond, SessionTTL: 5 * time.Millisecond})

	used, err := s.IssueMagicLink("a@example.com")
	require.NoError(t, err)
	require.NotNil(t, s.ConsumeMagicLink(used))

	_, err = s.IssueMagicLink("b@example.com")
	require.NoError(t, err)
	_, err = s.CreateSession("a@example.com", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	s.sweepLinks()
	s.sweepSessions()

	stats := s.Stats()
	assert.Equal(t, 0, stats.MagicLinks.Total)
	assert.Equal(t, 0, stats.Sessions.Total)
}

func TestStats_Counts(t *testing.T) {
	s := newTestStore(t, Config{LinkTTL: time.Hour, SessionTTL: time.Hour})

	_, err := s.IssueMagicLink("a@example.com")
	require.NoError(t, err)
	used, err := s.IssueMagicLink("b@example.com")
	require.NoError(t, err)
	require.NotNil(t, s.ConsumeMagicLink(used))

	_, err = s.CreateSession("a@example.com", nil)
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 2, stats.MagicLinks.Total)
	assert.Equal(t, 1, stats.MagicLinks.Active)
	assert.Equal(t, 1, stats.MagicLinks.Expired) // used counts as expired
	assert.Equal(t, 1, stats.Sessions.Total)
	assert.Equal(t, 1, stats.Sessions.Active)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newTestStore(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.CreateSession("user@example.com", nil)
			if err != nil {
				return
			}
			for j := 0; j < 50; j++ {
				s.ValidateSession(id)
				s.Stats()
			}
			s.DestroySession(id)
		}()
	}
	wg.Wait()
}

func TestClose_Idempotent(t *testing.T) {
	s := New(Config{})
	s.Close()
	s.Close()
}
