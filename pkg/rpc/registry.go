package rpc

import (
	"sync"
)

// ChannelRegistry maps channel names to implementations. Middleware is
// scoped by group: a channel sees the middleware of its own group and of
// every enclosing group, outermost first. Registering a name twice
// replaces the earlier channel.
type ChannelRegistry struct {
	mu          sync.RWMutex
	root        *channelGroup
	activeGroup *channelGroup
	channels    map[string]registeredChannel
}

type channelGroup struct {
	middleware []Middleware
	parent     *channelGroup
}

type registeredChannel struct {
	channel ServerChannel
	group   *channelGroup
}

func NewChannelRegistry() *ChannelRegistry {
	root := &channelGroup{}
	return &ChannelRegistry{
		root:        root,
		activeGroup: root,
		channels:    make(map[string]registeredChannel),
	}
}

// Group runs fn with a nested middleware scope active.
func (r *ChannelRegistry) Group(fn func()) {
	r.mu.Lock()
	g := &channelGroup{parent: r.activeGroup}
	r.activeGroup = g
	r.mu.Unlock()

	fn()

	r.mu.Lock()
	r.activeGroup = g.parent
	r.mu.Unlock()
}

func (r *ChannelRegistry) Middleware(m Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeGroup.middleware = append(r.activeGroup.middleware, m)
}

func (r *ChannelRegistry) Register(name string, ch ServerChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = registeredChannel{
		channel: ch,
		group:   r.activeGroup,
	}
}

func (r *ChannelRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, name)
}

func (r *ChannelRegistry) Lookup(name string) (ServerChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.channels[name]
	return rc.channel, ok
}

func (r *ChannelRegistry) lookup(name string) (ServerChannel, []Middleware, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rc, ok := r.channels[name]
	if !ok {
		return nil, nil, false
	}

	// get the lineage from this group to the root
	groups := []*channelGroup{rc.group}
	for g := rc.group; g.parent != nil; g = g.parent {
		groups = append(groups, g.parent)
	}

	// build from root to leaf
	var middleware []Middleware
	for i := len(groups) - 1; i >= 0; i-- {
		middleware = append(middleware, groups[i].middleware...)
	}

	return rc.channel, middleware, true
}
