// Package resource names the coarse data categories kept fresh by the sync
// runtime. The set is closed; handlers are registered per Type.
package resource

import (
	"fmt"
	"strings"
)

type Type int

const (
	Tasks Type = iota + 1
	Sprints
	Dashboard
)

var names = map[Type]string{
	Tasks:     "tasks",
	Sprints:   "sprints",
	Dashboard: "dashboard",
}

// All returns every known type in drain order.
func All() []Type { return []Type{Tasks, Sprints, Dashboard} }

func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("resource(%d)", int(t))
}

func (t Type) Valid() bool {
	_, ok := names[t]
	return ok
}

// Parse accepts the canonical lower-case name (case-insensitive).
func Parse(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, n := range names {
		if n == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown resource type %q", s)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid resource type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
