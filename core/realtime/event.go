// Package realtime keeps in-memory view lists in sync with backend change feeds.
//
// A LiveList mounts in three steps: it opens a Subscription, bulk fetches a
// snapshot, then folds every incoming ChangeEvent into the list with Merge.
// Unmount tears the subscription down and discards any late results.
package realtime

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/unihub/core"
)

type Operation string

const (
	OpInsert    Operation = "insert"
	OpUpdate    Operation = "update"
	OpDelete    Operation = "delete"
	OpBroadcast Operation = "broadcast"
)

func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete, OpBroadcast:
		return true
	}
	return false
}

// ChangeEvent is one notification of a row mutation or a broadcast message.
// Topic is the table name for row changes and the broadcast topic otherwise.
type ChangeEvent struct {
	Topic     string    `json:"topic"`
	Op        Operation `json:"op"`
	Event     string    `json:"event,omitempty"` // broadcast only
	ID        string    `json:"id,omitempty"`    // affected row id
	Record    Record    `json:"record,omitempty"`
	OldRecord Record    `json:"old_record,omitempty"` // delete (and update when available)
	At        time.Time `json:"at"`
}

// Filter is an equality predicate over one column. The zero Filter matches everything.
type Filter struct {
	Column string `json:"column" validate:"required_with=Value"`
	Value  string `json:"value" validate:"required_with=Column"`
}

func (f Filter) IsZero() bool {
	return f.Column == "" && f.Value == ""
}

// Match reports whether ev's row satisfies the filter. Deletes are matched against the old row.
func (f Filter) Match(ev ChangeEvent) bool {
	if f.IsZero() {
		return true
	}
	rec := ev.Record
	if ev.Op == OpDelete && ev.OldRecord != nil {
		rec = ev.OldRecord
	}
	v, ok := rec.lookupString(f.Column)
	return ok && v == f.Value
}

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Topic scopes a subscription: a table and an optional filter, or a broadcast name.
type Topic struct {
	Name   string `json:"name" validate:"required,topicname"`
	Filter Filter `json:"filter"`
}

func (t Topic) String() string {
	if t.Filter.IsZero() {
		return t.Name
	}
	return t.Name + "?" + t.Filter.String()
}

var (
	translator = core.NewTranslator()
	validate   = core.NewValidator(translator)

	ErrInvalidTopic = errors.New("invalid topic")
)

// Validate checks that the topic can be subscribed to on every driver.
func (t Topic) Validate() error {
	if err := validate.Struct(t); err != nil {
		return errors.Wrap(err, ErrInvalidTopic.Error())
	}
	return nil
}

// ValidateTopicName checks a bare broadcast topic name.
func ValidateTopicName(name string) error {
	return Topic{Name: name}.Validate()
}

// Record is a row or broadcast payload keyed by column name.
type Record map[string]interface{}

// DecodeError reports a record that cannot be re-shaped into a list item.
type DecodeError struct {
	Topic  string
	Column string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s.%s: %s", e.Topic, e.Column, e.Reason)
}

func (r Record) lookupString(col string) (string, bool) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case fmt.Stringer:
		return val.String(), true
	}
	return fmt.Sprint(v), true
}

// String returns the required string column col.
func (r Record) String(topic, col string) (string, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return "", &DecodeError{Topic: topic, Column: col, Reason: "missing"}
	}
	s, ok := v.(string)
	if !ok {
		return "", &DecodeError{Topic: topic, Column: col, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	return s, nil
}

// OptString returns the string column col, or "" when it is missing or null.
func (r Record) OptString(topic, col string) (string, error) {
	if v, ok := r[col]; !ok || v == nil {
		return "", nil
	}
	return r.String(topic, col)
}

// Bool returns the boolean column col, false when missing or null.
func (r Record) Bool(topic, col string) (bool, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &DecodeError{Topic: topic, Column: col, Reason: fmt.Sprintf("expected bool, got %T", v)}
	}
	return b, nil
}

// Time returns the required timestamp column col. Strings must be RFC 3339.
func (r Record) Time(topic, col string) (time.Time, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return time.Time{}, &DecodeError{Topic: topic, Column: col, Reason: "missing"}
	}
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, &DecodeError{Topic: topic, Column: col, Reason: err.Error()}
		}
		return t.UTC(), nil
	}
	return time.Time{}, &DecodeError{Topic: topic, Column: col, Reason: fmt.Sprintf("expected timestamp, got %T", v)}
}

// OptTime returns the timestamp column col, the zero time when missing or null.
func (r Record) OptTime(topic, col string) (time.Time, error) {
	if v, ok := r[col]; !ok || v == nil {
		return time.Time{}, nil
	}
	return r.Time(topic, col)
}
