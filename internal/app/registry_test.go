package app

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlipovsky/callbridge/internal/core"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func TestUserRegistry_RegisterAndLookup(t *testing.T) {
	r := NewUserRegistry()
	s := NewUserSession("alice", "conn-1", nopConn{})

	require.True(t, r.Register(s))
	assert.True(t, r.Exists("alice"))

	byName, ok := r.ByName("alice")
	require.True(t, ok)
	assert.Same(t, s, byName)

	byConn, ok := r.ByConn("conn-1")
	require.True(t, ok)
	assert.Same(t, s, byConn)
}

func TestUserRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewUserRegistry()
	first := NewUserSession("alice", "conn-1", nopConn{})
	second := NewUserSession("alice", "conn-2", nopConn{})

	require.True(t, r.Register(first))
	require.False(t, r.Register(second))

	// the original session is untouched
	got, ok := r.ByName("alice")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Count())

	// the loser's connection never entered the index
	_, ok = r.ByConn("conn-2")
	assert.False(t, ok)
}

func TestUserRegistry_ReRegisterReplacesPreviousName(t *testing.T) {
	r := NewUserRegistry()
	require.True(t, r.Register(NewUserSession("alice", "conn-1", nopConn{})))
	require.True(t, r.Register(NewUserSession("alice2", "conn-1", nopConn{})))

	// the old name leaves both indices with the new registration
	assert.False(t, r.Exists("alice"))
	assert.True(t, r.Exists("alice2"))
	assert.Equal(t, 1, r.Count())
	got, ok := r.ByConn("conn-1")
	require.True(t, ok)
	assert.Equal(t, "alice2", got.Name())

	// the connection dying takes its current name with it, no ghosts
	removed := r.RemoveByConn("conn-1")
	require.NotNil(t, removed)
	assert.Equal(t, "alice2", removed.Name())
	assert.False(t, r.Exists("alice"))
	assert.Equal(t, 0, r.Count())
}

func TestUserRegistry_RemoveByConnIsIdempotent(t *testing.T) {
	r := NewUserRegistry()
	s := NewUserSession("alice", "conn-1", nopConn{})
	require.True(t, r.Register(s))

	removed := r.RemoveByConn("conn-1")
	require.Same(t, s, removed)
	assert.False(t, r.Exists("alice"))
	_, ok := r.ByConn("conn-1")
	assert.False(t, ok)

	assert.Nil(t, r.RemoveByConn("conn-1"))
}

func TestUserRegistry_NamesSorted(t *testing.T) {
	r := NewUserRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.True(t, r.Register(NewUserSession(name, core.ConnID("conn-"+name), nopConn{})))
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, r.Names())
}

func TestUserRegistry_ConcurrentRegisterSingleWinner(t *testing.T) {
	r := NewUserRegistry()

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan core.ConnID, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := core.ConnID(fmt.Sprintf("conn-%d", i))
			if r.Register(NewUserSession("alice", id, nopConn{})) {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []core.ConnID
	for id := range wins {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, 1, r.Count())

	// both indices agree on the winner
	s, ok := r.ByName("alice")
	require.True(t, ok)
	assert.Equal(t, winners[0], s.ConnID())
}
