package channel

import (
	"unsafe"

	"github.com/sarlink/sarlink/internal/protocol"
)

// Handler receives matching envelopes. Handlers run on the dispatch
// goroutine and must not block.
type Handler func(*protocol.Envelope)

// handlerID returns the identity of a handler value: the pointer to its
// underlying function object. Distinct closures share a code pointer when
// they come from one call site, so reflect's Pointer() cannot tell them
// apart; the function object pointer can. The same func value registered
// twice yields the same id.
func handlerID(h Handler) uintptr {
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&h)))
}

// subKey identifies a subscription scope. An empty scoping field means
// "match any value for that field".
type subKey struct {
	topic     string
	missionID string
	droneID   string
}

// subscription is one registered handler under one key. The active flag is
// flipped on removal so an unsubscribe that races a dispatch in flight
// suppresses the pending invocation.
type subscription struct {
	key     subKey
	handler Handler
	id      uintptr // handler identity, captured at registration
	active  bool
}

// registry maps subscription keys to ordered handler lists. It is not
// safe for concurrent use; the Manager guards it with its own mutex.
type registry struct {
	subs map[subKey][]*subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[subKey][]*subscription)}
}

// add registers a handler under key and returns its subscription record.
// Multiple handlers may share a key.
func (r *registry) add(key subKey, h Handler) *subscription {
	s := &subscription{key: key, handler: h, id: handlerID(h), active: true}
	r.subs[key] = append(r.subs[key], s)
	return s
}

// remove deletes one subscription. It reports whether the key has no
// handlers left and was freed. Removing an already-removed subscription is
// a no-op.
func (r *registry) remove(s *subscription) (last bool) {
	if !s.active {
		return false
	}
	s.active = false

	list := r.subs[s.key]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, s.key)
		return true
	}
	r.subs[s.key] = list
	return false
}

// keys returns every key with at least one active handler, for replaying
// subscribe-intents after a reconnect.
func (r *registry) keys() []subKey {
	keys := make([]subKey, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	return keys
}

// match returns the subscriptions an envelope should be delivered to: the
// union of the exact key, the mission-only key, and the bare topic key.
// A handler registered under more than one matching key appears only once,
// so a broad and a narrow registration of the same function never double
// fires.
func (r *registry) match(env *protocol.Envelope) []*subscription {
	candidates := []subKey{
		{topic: env.Type, missionID: env.MissionID, droneID: env.DroneID},
	}
	if env.MissionID != "" {
		candidates = append(candidates, subKey{topic: env.Type, missionID: env.MissionID})
	}
	candidates = append(candidates, subKey{topic: env.Type})

	var matched []*subscription
	seenKeys := make(map[subKey]bool, len(candidates))
	seenHandlers := make(map[uintptr]bool)
	for _, key := range candidates {
		if seenKeys[key] {
			continue
		}
		seenKeys[key] = true
		for _, s := range r.subs[key] {
			if seenHandlers[s.id] {
				continue
			}
			seenHandlers[s.id] = true
			matched = append(matched, s)
		}
	}
	return matched
}
