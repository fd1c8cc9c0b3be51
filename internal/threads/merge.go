package threads

import (
	"slices"
	"strings"
)

// MergeByID replaces items of existing whose id appears in incoming and
// appends the rest. Order of first appearance is kept.
func MergeByID[T any](existing, incoming []T, id func(T) string) []T {
	out := make([]T, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, item := range existing {
		key := id(item)
		if i, ok := index[key]; ok {
			out[i] = item
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	for _, item := range incoming {
		key := id(item)
		if i, ok := index[key]; ok {
			out[i] = item
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out
}

// MergeThreads merges by id and sorts by last activity, newest first.
func MergeThreads(existing, incoming []Thread) []Thread {
	merged := MergeByID(existing, incoming, func(t Thread) string { return t.ID })
	SortThreads(merged)
	return merged
}

// MergeMessages merges by id and sorts by send time, oldest first.
func MergeMessages(existing, incoming []Message) []Message {
	merged := MergeByID(existing, incoming, func(m Message) string { return m.ID })
	SortMessages(merged)
	return merged
}

func SortThreads(ts []Thread) {
	slices.SortStableFunc(ts, func(a, b Thread) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func SortMessages(ms []Message) {
	slices.SortStableFunc(ms, func(a, b Message) int {
		if c := a.SentAt.Compare(b.SentAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
