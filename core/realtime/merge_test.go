package realtime

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type item struct {
	ID   string
	At   time.Time
	Body string
}

var itemKeys = Keys[item]{
	ID:   func(it item) string { return it.ID },
	Time: func(it item) time.Time { return it.At },
}

func ids(list []item) []string {
	out := make([]string, 0, len(list))
	for _, it := range list {
		out = append(out, it.ID)
	}
	return out
}

func TestMerge(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	a := item{ID: "a", At: t0}
	b := item{ID: "b", At: t0.Add(time.Second)}
	c := item{ID: "c", At: t0.Add(2 * time.Second)}
	list := []item{a, b, c}

	tests := []struct {
		name     string
		list     []item
		delta    Delta[item]
		wantIDs  []string
		wantBody map[string]string
	}{
		{name: "insert into empty", delta: Delta[item]{Op: OpInsert, Item: a}, wantIDs: []string{"a"}},
		{name: "insert appends latest", list: []item{a, b}, delta: Delta[item]{Op: OpInsert, Item: c}, wantIDs: []string{"a", "b", "c"}},
		{name: "insert orders by time", list: []item{a, c}, delta: Delta[item]{Op: OpInsert, Item: b}, wantIDs: []string{"a", "b", "c"}},
		{name: "insert earliest", list: []item{b, c}, delta: Delta[item]{Op: OpInsert, Item: a}, wantIDs: []string{"a", "b", "c"}},
		{
			name: "insert tie goes after equal times", list: list,
			delta:   Delta[item]{Op: OpInsert, Item: item{ID: "b2", At: b.At}},
			wantIDs: []string{"a", "b", "b2", "c"},
		},
		{
			name: "insert existing id is a no-op", list: list,
			delta:    Delta[item]{Op: OpInsert, Item: item{ID: "b", At: b.At, Body: "dup"}},
			wantIDs:  []string{"a", "b", "c"},
			wantBody: map[string]string{"b": ""},
		},
		{
			name: "update replaces in place", list: list,
			delta:    Delta[item]{Op: OpUpdate, Item: item{ID: "a", At: t0.Add(time.Hour), Body: "edited"}},
			wantIDs:  []string{"a", "b", "c"},
			wantBody: map[string]string{"a": "edited"},
		},
		{
			name: "update absent inserts", list: []item{a, c},
			delta:   Delta[item]{Op: OpUpdate, Item: b},
			wantIDs: []string{"a", "b", "c"},
		},
		{name: "delete", list: list, delta: Delta[item]{Op: OpDelete, ID: "b"}, wantIDs: []string{"a", "c"}},
		{name: "delete absent is a no-op", list: list, delta: Delta[item]{Op: OpDelete, ID: "z"}, wantIDs: []string{"a", "b", "c"}},
		{name: "delete by item key", list: list, delta: Delta[item]{Op: OpDelete, Item: c}, wantIDs: []string{"a", "b"}},
		{name: "unknown op", list: list, delta: Delta[item]{Op: OpBroadcast, Item: item{ID: "x"}}, wantIDs: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := append([]item(nil), tt.list...)

			got := Merge(tt.list, tt.delta, itemKeys)

			if gotIDs := ids(got); !reflect.DeepEqual(gotIDs, tt.wantIDs) {
				t.Errorf("Merge() ids = %v, want %v", gotIDs, tt.wantIDs)
			}
			for id, body := range tt.wantBody {
				for _, it := range got {
					if it.ID == id && it.Body != body {
						t.Errorf("Merge() %s.Body = %q, want %q", id, it.Body, body)
					}
				}
			}
			if !reflect.DeepEqual(tt.list, before) {
				t.Errorf("Merge() modified its input: %v, was %v", tt.list, before)
			}
		})
	}
}

func TestMerge_Idempotent(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	list := []item{{ID: "a", At: t0}, {ID: "b", At: t0.Add(time.Minute)}}
	deltas := []Delta[item]{
		{Op: OpInsert, Item: item{ID: "c", At: t0.Add(30 * time.Second)}},
		{Op: OpUpdate, Item: item{ID: "a", At: t0, Body: "x"}},
		{Op: OpDelete, ID: "b"},
	}
	for _, d := range deltas {
		once := Merge(list, d, itemKeys)
		twice := Merge(once, d, itemKeys)
		assert.Equal(t, once, twice, "applying %s twice", d.Op)
	}
}

func TestSortSnapshot(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	items := []item{
		{ID: "c", At: t0.Add(2 * time.Second)},
		{ID: "a", At: t0},
		{ID: "b1", At: t0.Add(time.Second)},
		{ID: "b2", At: t0.Add(time.Second)},
		{ID: "a", At: t0, Body: "latest"},
	}

	got := SortSnapshot(items, itemKeys)

	assert.Equal(t, []string{"a", "b1", "b2", "c"}, ids(got))
	assert.Equal(t, "latest", got[0].Body)
	assert.Equal(t, "c", items[0].ID, "input must not be reordered")
}
