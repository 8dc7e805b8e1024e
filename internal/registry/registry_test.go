package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id int
}

func (f *fakePeer) Enqueue(frame []byte) error { return nil }

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	p := &fakePeer{id: 1}

	_, ok := r.Lookup("alice")
	require.False(t, ok)

	require.NoError(t, r.Register("alice", p))
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Same(t, p, got)

	r.Unregister("alice", p)
	_, ok = r.Lookup("alice")
	require.False(t, ok)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("alice", &fakePeer{id: 1}))
	err := r.Register("alice", &fakePeer{id: 2})
	require.ErrorIs(t, err, ErrAlreadyLoggedIn)
}

// TestUnregisterIgnoresStalePeer guards against a late cleanup from a
// connection that already lost a LOGIN race from clobbering the winner's
// binding.
func TestUnregisterIgnoresStalePeer(t *testing.T) {
	r := New()
	first := &fakePeer{id: 1}
	second := &fakePeer{id: 2}
	require.NoError(t, r.Register("alice", first))

	r.Unregister("alice", second)

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	require.Same(t, first, got)
}

// TestRegistryBijection checks that the registry's
// username->peer map and its ActiveUsernames/Broadcast views agree after
// concurrent Register calls, and that Len tracks later Unregister calls.
func TestRegistryBijection(t *testing.T) {
	r := New()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			username := fmt.Sprintf("user-%d", i)
			require.NoError(t, r.Register(username, &fakePeer{id: i}))
		}()
	}
	wg.Wait()

	require.Equal(t, n, r.Len())
	active := r.ActiveUsernames()
	require.Len(t, active, n)
	broadcast := r.Broadcast()
	require.Len(t, broadcast, n)

	for _, u := range active {
		_, ok := broadcast[u]
		require.True(t, ok)
		peer, ok := r.Lookup(u)
		require.True(t, ok)
		require.Same(t, broadcast[u], peer)
	}

	for i := 0; i < n; i += 2 {
		username := fmt.Sprintf("user-%d", i)
		peer, _ := r.Lookup(username)
		r.Unregister(username, peer)
	}
	require.Equal(t, n/2, r.Len())
}
