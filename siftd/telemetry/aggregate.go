package telemetry

import (
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ClientHeader lets well-behaved SDKs identify themselves more precisely
// than the User-Agent header.
const ClientHeader = "X-Sift-Client"

// Kind is the stable tag the aggregation store keys by. Two payloads are
// only ever merged when their kinds are equal.
type Kind string

const (
	KindSearchGET   Kind = "search.get"
	KindSearchPOST  Kind = "search.post"
	KindMultiSearch Kind = "multisearch"
	KindSimilarGET  Kind = "similar.get"
	KindSimilarPOST Kind = "similar.post"
)

// Properties is the exported payload of one record: a tree of values
// grouped by concern, marshalled as-is for delivery.
type Properties map[string]any

// section returns the named sub-tree, creating it when absent. A key that
// holds a non-tree value is left alone and an empty detached tree is
// returned instead.
func (p Properties) section(name string) Properties {
	switch s := p[name].(type) {
	case Properties:
		return s
	case nil:
		s2 := Properties{}
		p[name] = s2
		return s2
	default:
		return Properties{}
	}
}

// Aggregate is the capability every telemetry event kind implements.
type Aggregate interface {
	// Kind identifies the event category. It is a pure function of the
	// kind, not of the instance's data.
	Kind() Kind
	// Name is the event name records are delivered under.
	Name() string
	// Export consumes the payload and renders its properties tree. It is
	// single use: internal collections such as latency samples are drained.
	Export() Properties
}

// Mergeable pairs an Aggregate with its typed binary merge. Merge must be
// associative and commutative and must fold every field of the payload:
// a field skipped here silently loses data across flush boundaries.
type Mergeable[T Aggregate] interface {
	Aggregate
	Merge(incoming T) T
}

// mergeFunc combines two payloads of the concrete kind it was built for.
// It reports false when handed anything else, in which case the caller
// drops the incoming payload.
type mergeFunc func(old, incoming Aggregate) (Aggregate, bool)

// Message is what producers hand to the reporter: one payload plus the
// merge function bound to its concrete type. The aggregation store merges
// payloads through that bound function and never learns the type itself.
type Message struct {
	kind  Kind
	merge mergeFunc
	event event
}

// event is the store's bookkeeping for one kind between flushes.
type event struct {
	payload Aggregate
	merge   mergeFunc
	// firstSeen is the timestamp of the first occurrence folded in. It is
	// never updated by a merge and becomes the delivered record timestamp.
	firstSeen time.Time
	// agents is the set of client identifiers observed since the event
	// was created.
	agents map[string]struct{}
	// occurrences counts original, pre-merge events. Saturating.
	occurrences uint64
}

// NewMessage wraps a concrete payload for the reporter, recording the
// calling client and the current time. The merge function is bound here,
// where the concrete type is statically known.
func NewMessage[T Mergeable[T]](payload T, req *http.Request) Message {
	return newMessageAt(payload, ExtractClientAgents(req), time.Now())
}

func newMessageAt[T Mergeable[T]](payload T, agents map[string]struct{}, at time.Time) Message {
	return Message{
		kind: payload.Kind(),
		merge: func(old, incoming Aggregate) (Aggregate, bool) {
			// The store is keyed by kind, so a failed assertion means two
			// kinds share a tag. Report a mismatch rather than panicking.
			prev, ok := old.(T)
			if !ok {
				return nil, false
			}
			next, ok := incoming.(T)
			if !ok {
				return nil, false
			}
			return prev.Merge(next), true
		},
		event: event{
			payload:     payload,
			firstSeen:   at,
			agents:      agents,
			occurrences: 1,
		},
	}
}

// ExtractClientAgents returns the set of client identifiers of a request:
// the ClientHeader when present, the User-Agent otherwise, split on ';'.
func ExtractClientAgents(req *http.Request) map[string]struct{} {
	header := ""
	if req != nil {
		header = req.Header.Get(ClientHeader)
		if header == "" {
			header = req.Header.Get("User-Agent")
		}
	}
	if header == "" {
		header = "unknown"
	}
	agents := make(map[string]struct{})
	for _, agent := range strings.Split(header, ";") {
		agents[strings.TrimSpace(agent)] = struct{}{}
	}
	return agents
}

// store maps each kind to at most one live event. It is owned by the
// reporter goroutine exclusively, so it needs no locking.
type store struct {
	events map[Kind]*event
}

func newStore() *store {
	return &store{events: make(map[Kind]*event)}
}

// record folds a message into the store. The first arrival of a kind is
// inserted as-is; later arrivals are merged into the existing event,
// keeping the earliest firstSeen, unioning agents and saturating the
// occurrence count. A kind mismatch from the bound merge drops the
// incoming message and leaves the stored event untouched.
func (s *store) record(msg Message) {
	old, ok := s.events[msg.kind]
	if !ok {
		ev := msg.event
		ev.merge = msg.merge
		s.events[msg.kind] = &ev
		return
	}
	merged, ok := msg.merge(old.payload, msg.event.payload)
	if !ok {
		return
	}
	old.payload = merged
	for agent := range msg.event.agents {
		old.agents[agent] = struct{}{}
	}
	old.occurrences = saturatingAdd(old.occurrences, msg.event.occurrences)
}

// drain takes ownership of every live event and leaves the store empty.
// Messages recorded while the drained events are being exported land in
// the fresh map and belong to the next flush.
func (s *store) drain() map[Kind]*event {
	events := s.events
	s.events = make(map[Kind]*event)
	return events
}

func (s *store) len() int {
	return len(s.events)
}

// track renders the event for delivery, filling the default fields from
// the envelope bookkeeping unless the kind already populated them.
func (ev *event) track(instanceID string) Track {
	properties := ev.payload.Export()
	if _, ok := properties["user-agent"]; !ok {
		agents := make([]string, 0, len(ev.agents))
		for agent := range ev.agents {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		properties["user-agent"] = agents
	}
	requests := properties.section("requests")
	if _, ok := requests["total_received"]; !ok {
		requests["total_received"] = ev.occurrences
	}
	return Track{
		InstanceID: instanceID,
		Event:      ev.payload.Name(),
		Properties: properties,
		Timestamp:  ev.firstSeen,
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
