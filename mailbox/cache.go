package mailbox

import "sync"

// Protocol identifies which session kind is acquiring or releasing a
// reference to a cached User.
type Protocol int

const (
	ProtoSMTP Protocol = iota
	ProtoPOP
	ProtoIMAP
	ProtoWeb
	ProtoDMTP
	ProtoGeneric
)

// Loader materializes a User's in-memory state on first access,
// typically by reading the user's row and folder/message tables from
// the database.
type Loader func(name string) (*User, error)

// Cache is the process-wide, reference-counted map of username to
// in-memory User state described in spec §3: "lazily materialized on
// first authenticated access, held in a process-wide map keyed by
// username, pruned when all protocol reference counts reach zero."
//
// Grounded on spilldb/boxmgmt/boxmgmt.go's BoxMgmt.Open: a mutex-guarded
// map, lazy construction on miss, persistent entries across calls.
// boxmgmt never prunes (a spillbox, once opened, stays open); Cache
// adds the prune-on-zero-refcount behavior the spec requires, since
// magma's User additionally holds an in-memory mailbox mirror that's
// only worth keeping while a session is actively using it.
type Cache struct {
	load Loader

	mu    sync.Mutex
	users map[string]*cachedUser
}

type cachedUser struct {
	user *User
	lock *Lock
}

// NewCache returns an empty user cache backed by load.
func NewCache(load Loader) *Cache {
	return &Cache{load: load, users: make(map[string]*cachedUser)}
}

// Acquire returns the User for name, materializing it via Loader on
// first access, and increments its reference count for protocol.
// Callers must call Release with the same protocol when the session
// ends.
func (c *Cache) Acquire(protocol Protocol, name string) (*User, *Lock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cu, ok := c.users[name]; ok {
		bumpRef(&cu.user.Refs, protocol, 1)
		return cu.user, cu.lock, nil
	}

	u, err := c.load(name)
	if err != nil {
		return nil, nil, err
	}
	bumpRef(&u.Refs, protocol, 1)
	cu := &cachedUser{user: u, lock: NewLock()}
	c.users[name] = cu
	return cu.user, cu.lock, nil
}

// Release decrements name's reference count for protocol and prunes
// the cache entry once every protocol's count has reached zero.
func (c *Cache) Release(protocol Protocol, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cu, ok := c.users[name]
	if !ok {
		return
	}
	bumpRef(&cu.user.Refs, protocol, -1)
	if cu.user.Refs.Total() == 0 {
		delete(c.users, name)
	}
}

// Len reports how many users currently have in-memory state cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

func bumpRef(refs *ProtocolRefs, protocol Protocol, delta int32) {
	switch protocol {
	case ProtoSMTP:
		refs.SMTP += delta
	case ProtoPOP:
		refs.POP += delta
	case ProtoIMAP:
		refs.IMAP += delta
	case ProtoWeb:
		refs.Web += delta
	case ProtoDMTP:
		refs.DMTP += delta
	default:
		refs.Generic += delta
	}
}
