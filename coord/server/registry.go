package server

import (
	"sync"

	"github.com/coordnet/coordtest/coord"
	"github.com/google/uuid"
)

// clientRec is one registered client identity. A client is registered by
// the supervisor before the fork and marked connected when the forked
// process dials in.
type clientRec struct {
	id        coord.Identity
	uid       int
	gid       int
	sessionID string
	connected bool
}

type nspaceRec struct {
	name    string
	size    int
	params  map[string]string
	clients map[int]*clientRec
}

// registry is the goroutine-safe namespace/client table behind the
// server's registration calls.
type registry struct {
	m       sync.Mutex
	nspaces map[string]*nspaceRec
}

func newRegistry() *registry {
	return &registry{nspaces: map[string]*nspaceRec{}}
}

func (r *registry) registerNamespace(name string, size int, params map[string]string) coord.Status {
	if name == "" || size < 1 {
		return coord.ErrBadParam
	}
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.nspaces[name]; ok {
		return coord.ErrExists
	}
	p := map[string]string{}
	for k, v := range params {
		p[k] = v
	}
	r.nspaces[name] = &nspaceRec{
		name:    name,
		size:    size,
		params:  p,
		clients: map[int]*clientRec{},
	}
	return coord.Success
}

func (r *registry) registerClient(id coord.Identity, uid, gid int) coord.Status {
	r.m.Lock()
	defer r.m.Unlock()
	ns, ok := r.nspaces[id.Nspace]
	if !ok {
		return coord.ErrNotFound
	}
	if id.Rank < 0 || id.Rank >= ns.size {
		return coord.ErrBadParam
	}
	if _, ok := ns.clients[id.Rank]; ok {
		return coord.ErrExists
	}
	ns.clients[id.Rank] = &clientRec{
		id:        id,
		uid:       uid,
		gid:       gid,
		sessionID: uuid.NewString(),
	}
	return coord.Success
}

// lookup returns the registered client record for id, or ErrNotFound.
func (r *registry) lookup(id coord.Identity) (*clientRec, coord.Status) {
	r.m.Lock()
	defer r.m.Unlock()
	ns, ok := r.nspaces[id.Nspace]
	if !ok {
		return nil, coord.ErrNotFound
	}
	c, ok := ns.clients[id.Rank]
	if !ok {
		return nil, coord.ErrNotFound
	}
	return c, coord.Success
}

// connect validates an incoming client against the registry and marks it
// connected. The uid and gid must match what the supervisor registered.
func (r *registry) connect(id coord.Identity, uid, gid int) (string, coord.Status) {
	r.m.Lock()
	defer r.m.Unlock()
	ns, ok := r.nspaces[id.Nspace]
	if !ok {
		return "", coord.ErrNotFound
	}
	c, ok := ns.clients[id.Rank]
	if !ok {
		return "", coord.ErrNotFound
	}
	if c.uid != uid || c.gid != gid {
		return "", coord.ErrBadParam
	}
	if c.connected {
		return "", coord.ErrExists
	}
	c.connected = true
	return c.sessionID, coord.Success
}

func (r *registry) disconnect(id coord.Identity) {
	r.m.Lock()
	defer r.m.Unlock()
	if ns, ok := r.nspaces[id.Nspace]; ok {
		if c, ok := ns.clients[id.Rank]; ok {
			c.connected = false
		}
	}
}
