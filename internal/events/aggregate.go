package events

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	flagz "github.com/matt-riley/flagz-sdk"
)

// AggregateKey identifies one user under one feature assignment snapshot.
type AggregateKey struct {
	UserID          string
	FeatureVarsHash uint64
}

type eventKey struct {
	Type   string
	Target string
}

type aggregateEntry struct {
	user   flagz.User
	events map[eventKey]*flagz.Event
}

// AggregateTable merges repeated aggregate events into counters. It is not
// safe for concurrent use; the Queue guards it with its aggregate lock.
type AggregateTable struct {
	entries map[AggregateKey]*aggregateEntry
	records int
}

func NewAggregateTable() *AggregateTable {
	return &AggregateTable{entries: make(map[AggregateKey]*aggregateEntry)}
}

// AddEvent records one occurrence of event for user. The first occurrence
// creates a record with Value 1; later ones increment it. It reports whether
// a new record was created.
func (t *AggregateTable) AddEvent(user flagz.User, event flagz.Event, featureVars map[string]string) bool {
	key := AggregateKey{UserID: user.UserID, FeatureVarsHash: HashFeatureVars(featureVars)}
	entry, ok := t.entries[key]
	if !ok {
		entry = &aggregateEntry{user: user, events: make(map[eventKey]*flagz.Event)}
		t.entries[key] = entry
	}

	ek := eventKey{Type: event.Type, Target: event.Target}
	if existing, ok := entry.events[ek]; ok {
		existing.Value++
		return false
	}

	stored := event
	stored.Value = 1
	stored.FeatureVars = copyFeatureVars(featureVars)
	entry.events[ek] = &stored
	t.records++
	return true
}

// Len returns the number of distinct records.
func (t *AggregateTable) Len() int {
	return t.records
}

// Batches returns the records grouped by user ID, ordered by user ID and
// then by event type and target.
func (t *AggregateTable) Batches() []UserEventBatch {
	byUser := make(map[string]*UserEventBatch)
	for key, entry := range t.entries {
		batch, ok := byUser[key.UserID]
		if !ok {
			batch = &UserEventBatch{User: entry.user}
			byUser[key.UserID] = batch
		}
		for _, ev := range entry.events {
			batch.Events = append(batch.Events, *ev)
		}
	}

	out := make([]UserEventBatch, 0, len(byUser))
	for _, b := range byUser {
		sortEvents(b.Events)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.UserID < out[j].User.UserID })
	return out
}

// Clear drops every record.
func (t *AggregateTable) Clear() {
	t.entries = make(map[AggregateKey]*aggregateEntry)
	t.records = 0
}

// HashFeatureVars returns a hash of the feature to variation map that does
// not depend on map iteration order.
func HashFeatureVars(featureVars map[string]string) uint64 {
	if len(featureVars) == 0 {
		return 0
	}
	keys := make([]string, 0, len(featureVars))
	for k := range featureVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(featureVars[k])
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func copyFeatureVars(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortEvents(events []flagz.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return events[i].Type < events[j].Type
		}
		return events[i].Target < events[j].Target
	})
}
