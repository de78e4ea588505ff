package channel

import (
	"testing"

	"github.com/sarlink/sarlink/internal/protocol"
)

func envelope(msgType, missionID, droneID string) *protocol.Envelope {
	return &protocol.Envelope{
		Type:      msgType,
		MissionID: missionID,
		DroneID:   droneID,
	}
}

func TestRegistry_AddRemove(t *testing.T) {
	r := newRegistry()
	key := subKey{topic: protocol.TypeMissionProgress, missionID: "m1"}

	a := r.add(key, func(*protocol.Envelope) {})
	b := r.add(key, func(*protocol.Envelope) {})

	if got := len(r.subs[key]); got != 2 {
		t.Fatalf("handlers for key = %d, want 2", got)
	}

	if last := r.remove(a); last {
		t.Error("removing first of two handlers reported last")
	}
	if got := len(r.subs[key]); got != 1 {
		t.Fatalf("handlers after removal = %d, want 1", got)
	}

	// Repeat removal is a no-op.
	if last := r.remove(a); last {
		t.Error("repeat removal reported last")
	}

	if last := r.remove(b); !last {
		t.Error("removing final handler did not report last")
	}
	if _, ok := r.subs[key]; ok {
		t.Error("empty key was not freed")
	}
}

func TestRegistry_MatchUnion(t *testing.T) {
	r := newRegistry()

	exact := r.add(subKey{topic: "drone_telemetry", missionID: "m1", droneID: "d1"}, func(*protocol.Envelope) {})
	mission := r.add(subKey{topic: "drone_telemetry", missionID: "m1"}, func(*protocol.Envelope) {})
	bare := r.add(subKey{topic: "drone_telemetry"}, func(*protocol.Envelope) {})
	other := r.add(subKey{topic: "drone_telemetry", missionID: "m2"}, func(*protocol.Envelope) {})

	matched := r.match(envelope("drone_telemetry", "m1", "d1"))
	if len(matched) != 3 {
		t.Fatalf("matched %d subscriptions, want 3", len(matched))
	}
	has := func(want *subscription) bool {
		for _, s := range matched {
			if s == want {
				return true
			}
		}
		return false
	}
	if !has(exact) || !has(mission) || !has(bare) {
		t.Error("match missed one of exact/mission/bare subscriptions")
	}
	if has(other) {
		t.Error("match included a different mission's subscription")
	}
}

func TestRegistry_MatchUnscopedEnvelope(t *testing.T) {
	r := newRegistry()

	bare := r.add(subKey{topic: "system_status"}, func(*protocol.Envelope) {})
	scoped := r.add(subKey{topic: "system_status", missionID: "m1"}, func(*protocol.Envelope) {})

	matched := r.match(envelope("system_status", "", ""))
	if len(matched) != 1 || matched[0] != bare {
		t.Fatalf("unscoped envelope matched %d subscriptions, want only the bare key", len(matched))
	}
	_ = scoped
}

// countingHandler builds per-name handlers the way UI modules do: one
// factory, many closures. Each returned closure is a distinct delivery
// target even though they share a call site.
func countingHandler(counts map[string]int, name string) Handler {
	return func(*protocol.Envelope) { counts[name]++ }
}

func TestRegistry_FactoryClosuresAreDistinct(t *testing.T) {
	r := newRegistry()
	counts := make(map[string]int)

	key := subKey{topic: "system_status"}
	for _, name := range []string{"toast", "banner", "audit"} {
		r.add(key, countingHandler(counts, name))
	}

	env := envelope("system_status", "", "")
	matched := r.match(env)
	if len(matched) != 3 {
		t.Fatalf("matched %d of 3 registered handlers", len(matched))
	}
	for _, s := range matched {
		s.handler(env)
	}
	for _, name := range []string{"toast", "banner", "audit"} {
		if counts[name] != 1 {
			t.Errorf("handler %q fired %d times, want 1", name, counts[name])
		}
	}
}

func TestRegistry_FactoryClosuresBroadAndNarrow(t *testing.T) {
	r := newRegistry()
	counts := make(map[string]int)

	r.add(subKey{topic: "mission_progress"}, countingHandler(counts, "broad"))
	r.add(subKey{topic: "mission_progress", missionID: "m1"}, countingHandler(counts, "narrow"))

	env := envelope("mission_progress", "m1", "")
	matched := r.match(env)
	if len(matched) != 2 {
		t.Fatalf("matched %d of 2 registered handlers", len(matched))
	}
	for _, s := range matched {
		s.handler(env)
	}
	if counts["broad"] != 1 || counts["narrow"] != 1 {
		t.Errorf("fire counts = %v, want broad and narrow once each", counts)
	}
}

func TestRegistry_MatchDedupesSameHandler(t *testing.T) {
	r := newRegistry()

	var fired int
	handler := func(*protocol.Envelope) { fired++ }

	r.add(subKey{topic: "discovery_update"}, handler)
	r.add(subKey{topic: "discovery_update", missionID: "m1"}, handler)

	matched := r.match(envelope("discovery_update", "m1", ""))
	if len(matched) != 1 {
		t.Fatalf("same handler matched %d times, want 1", len(matched))
	}
}

func TestRegistry_MatchWrongTopic(t *testing.T) {
	r := newRegistry()
	r.add(subKey{topic: "chat_message"}, func(*protocol.Envelope) {})

	if matched := r.match(envelope("mission_progress", "m1", "")); len(matched) != 0 {
		t.Fatalf("wrong topic matched %d subscriptions, want 0", len(matched))
	}
}

func TestRegistry_KeysForReplay(t *testing.T) {
	r := newRegistry()

	k1 := subKey{topic: "mission_progress", missionID: "m1"}
	k2 := subKey{topic: "system_status"}
	r.add(k1, func(*protocol.Envelope) {})
	r.add(k1, func(*protocol.Envelope) {}) // same key twice: one intent
	sub := r.add(k2, func(*protocol.Envelope) {})

	keys := r.keys()
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(keys))
	}

	r.remove(sub)
	keys = r.keys()
	if len(keys) != 1 || keys[0] != k1 {
		t.Fatalf("keys after removal = %v, want only %v", keys, k1)
	}
}
