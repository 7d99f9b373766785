package realtime

import (
	"sort"
	"time"
)

// Delta is a decoded change to apply to a list.
// ID identifies the affected item; when empty the item's own key is used.
type Delta[T any] struct {
	Op   Operation
	ID   string
	Item T
}

// Keys extracts the identity and the ordering timestamp of a list item.
type Keys[T any] struct {
	ID   func(T) string
	Time func(T) time.Time
}

func (d Delta[T]) key(keys Keys[T]) string {
	if d.ID != "" {
		return d.ID
	}
	return keys.ID(d.Item)
}

// Merge returns list with d applied. list must be ordered by Keys.Time and is never modified.
//
//   - insert is a no-op when the id is already present, otherwise the item is placed
//     after every item whose time is not later than its own.
//   - update replaces the item in place, or inserts it when absent.
//   - delete removes the item, a no-op when absent.
func Merge[T any](list []T, d Delta[T], keys Keys[T]) []T {
	id := d.key(keys)
	switch d.Op {
	case OpInsert:
		if indexOf(list, id, keys) >= 0 {
			return list
		}
		return insertOrdered(list, d.Item, keys)
	case OpUpdate:
		i := indexOf(list, id, keys)
		if i < 0 {
			return insertOrdered(list, d.Item, keys)
		}
		out := make([]T, len(list))
		copy(out, list)
		out[i] = d.Item
		return out
	case OpDelete:
		i := indexOf(list, id, keys)
		if i < 0 {
			return list
		}
		out := make([]T, 0, len(list)-1)
		out = append(out, list[:i]...)
		return append(out, list[i+1:]...)
	}
	return list
}

// SortSnapshot orders a bulk fetch result by time, keeping fetch order for ties.
// Duplicate ids keep the position of their first occurrence and the value of the last.
func SortSnapshot[T any](items []T, keys Keys[T]) []T {
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return keys.Time(sorted[i]).Before(keys.Time(sorted[j]))
	})

	seen := make(map[string]int, len(sorted))
	out := make([]T, 0, len(sorted))
	for _, it := range sorted {
		id := keys.ID(it)
		if i, ok := seen[id]; ok {
			out[i] = it
			continue
		}
		seen[id] = len(out)
		out = append(out, it)
	}
	return out
}

func indexOf[T any](list []T, id string, keys Keys[T]) int {
	for i := range list {
		if keys.ID(list[i]) == id {
			return i
		}
	}
	return -1
}

func insertOrdered[T any](list []T, item T, keys Keys[T]) []T {
	ts := keys.Time(item)
	i := sort.Search(len(list), func(i int) bool {
		return keys.Time(list[i]).After(ts)
	})
	out := make([]T, len(list)+1)
	copy(out, list[:i])
	out[i] = item
	copy(out[i+1:], list[i:])
	return out
}
