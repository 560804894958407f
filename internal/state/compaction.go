package state

import (
	"sort"
	"time"

	"alexwatch/internal/protocol"
)

type activityKey struct {
	agent  protocol.AgentType
	bucket int64
}

// CompactHistory folds running and completed rows of the same agent step into
// one entry and returns them newest first. With showAll false and limit > 0
// only the limit most recent entries are returned; hidden reports how many
// were cut.
func CompactHistory(entries []Activity, limit int, showAll bool) (out []Activity, hidden int) {
	type slot struct {
		entry Activity
		order int
	}
	groups := make(map[activityKey]*slot, len(entries))
	keys := make([]activityKey, 0, len(entries))

	for i, entry := range entries {
		key := activityKey{agent: entry.Agent, bucket: bucketOf(entry)}
		existing, ok := groups[key]
		if !ok {
			groups[key] = &slot{entry: entry, order: i}
			keys = append(keys, key)
			continue
		}
		if entry.Status.rank() >= existing.entry.Status.rank() {
			existing.entry = entry
		}
	}

	slots := make([]*slot, 0, len(keys))
	for _, key := range keys {
		slots = append(slots, groups[key])
	}
	sort.SliceStable(slots, func(i, j int) bool {
		bi, bj := bucketOf(slots[i].entry), bucketOf(slots[j].entry)
		if bi != bj {
			return bi > bj
		}
		return slots[i].order > slots[j].order
	})

	out = make([]Activity, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.entry)
	}
	if !showAll && limit > 0 && len(out) > limit {
		hidden = len(out) - limit
		out = out[:limit]
	}
	return out, hidden
}

func bucketOf(entry Activity) int64 {
	var at time.Time
	switch {
	case entry.StartedAt != nil:
		at = *entry.StartedAt
	case entry.CompletedAt != nil:
		at = *entry.CompletedAt
	}
	if at.IsZero() {
		return 0
	}
	return at.Truncate(time.Second).Unix()
}
