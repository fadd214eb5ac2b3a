package server

import (
	"testing"

	"github.com/coordnet/coordtest/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNamespaces(t *testing.T) {
	t.Parallel()

	r := newRegistry()

	assert.Equal(t, coord.Success, r.registerNamespace("testnspace", 2, nil))
	assert.Equal(t, coord.ErrExists, r.registerNamespace("testnspace", 2, nil))
	assert.Equal(t, coord.ErrBadParam, r.registerNamespace("", 1, nil))
	assert.Equal(t, coord.ErrBadParam, r.registerNamespace("empty", 0, nil))
}

func TestRegistryClients(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	require.Equal(t, coord.Success, r.registerNamespace("testnspace", 2, nil))

	id := coord.Identity{Nspace: "testnspace", Rank: 0}
	assert.Equal(t, coord.Success, r.registerClient(id, 1000, 1000))
	assert.Equal(t, coord.ErrExists, r.registerClient(id, 1000, 1000))
	assert.Equal(t, coord.ErrNotFound, r.registerClient(coord.Identity{Nspace: "nope", Rank: 0}, 1000, 1000))
	assert.Equal(t, coord.ErrBadParam, r.registerClient(coord.Identity{Nspace: "testnspace", Rank: 2}, 1000, 1000))
	assert.Equal(t, coord.ErrBadParam, r.registerClient(coord.Identity{Nspace: "testnspace", Rank: -1}, 1000, 1000))

	rec, st := r.lookup(id)
	require.Equal(t, coord.Success, st)
	assert.NotEmpty(t, rec.sessionID)

	_, st = r.lookup(coord.Identity{Nspace: "testnspace", Rank: 1})
	assert.Equal(t, coord.ErrNotFound, st)
}

func TestRegistryConnect(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	require.Equal(t, coord.Success, r.registerNamespace("testnspace", 1, nil))

	id := coord.Identity{Nspace: "testnspace", Rank: 0}
	require.Equal(t, coord.Success, r.registerClient(id, 1000, 1000))

	// uid/gid must match what the supervisor registered
	_, st := r.connect(id, 1001, 1000)
	assert.Equal(t, coord.ErrBadParam, st)

	session, st := r.connect(id, 1000, 1000)
	require.Equal(t, coord.Success, st)
	assert.NotEmpty(t, session)

	// already connected
	_, st = r.connect(id, 1000, 1000)
	assert.Equal(t, coord.ErrExists, st)

	// a disconnected client can reconnect with the same session
	r.disconnect(id)
	session2, st := r.connect(id, 1000, 1000)
	require.Equal(t, coord.Success, st)
	assert.Equal(t, session, session2)

	_, st = r.connect(coord.Identity{Nspace: "testnspace", Rank: 1}, 1000, 1000)
	assert.Equal(t, coord.ErrNotFound, st)
}
