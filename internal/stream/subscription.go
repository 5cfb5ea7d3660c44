package stream

import (
	"encoding/json"
	"sort"

	"upbitflow/models"
)

// Format selects the wire field naming of stream events.
type Format string

const (
	FormatDefault Format = "DEFAULT"
	FormatSimple  Format = "SIMPLE"
)

// Subscription is one entry of the desired-stream set: a data type plus the
// market codes it covers. Account-scoped types (myOrder may carry codes,
// myAsset never does) leave Codes empty to cover everything.
type Subscription struct {
	Type         models.DataType
	Codes        []string
	OnlySnapshot bool
	OnlyRealtime bool
}

// subscriptionSet is the authoritative desired set, keyed by data type. The
// server replaces rather than merges subscriptions, so the session always
// sends the complete set, never a delta.
type subscriptionSet struct {
	entries map[models.DataType]Subscription
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{entries: make(map[models.DataType]Subscription)}
}

func (s *subscriptionSet) add(sub Subscription) {
	s.entries[sub.Type] = sub
}

func (s *subscriptionSet) remove(dataType models.DataType) {
	delete(s.entries, dataType)
}

func (s *subscriptionSet) empty() bool {
	return len(s.entries) == 0
}

// snapshot returns the entries ordered by type for deterministic frames.
func (s *subscriptionSet) snapshot() []Subscription {
	subs := make([]Subscription, 0, len(s.entries))
	for _, sub := range s.entries {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Type < subs[j].Type })
	return subs
}

// frame renders the set as the array-framed subscription request: a ticket
// object, one object per data type and a trailing format object.
func (s *subscriptionSet) frame(ticket string, format Format) ([]byte, error) {
	parts := make([]interface{}, 0, len(s.entries)+2)
	parts = append(parts, map[string]string{"ticket": ticket})

	for _, sub := range s.snapshot() {
		obj := map[string]interface{}{"type": string(sub.Type)}
		if len(sub.Codes) > 0 {
			obj["codes"] = sub.Codes
		}
		if sub.OnlySnapshot {
			obj["is_only_snapshot"] = true
		}
		if sub.OnlyRealtime {
			obj["is_only_realtime"] = true
		}
		parts = append(parts, obj)
	}

	parts = append(parts, map[string]string{"format": string(format)})
	return json.Marshal(parts)
}
