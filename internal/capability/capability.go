// Package capability defines the closed set of side-effecting actions an
// instance may be granted and the gate that authorizes them.
package capability

import (
	"sort"
	"strings"
)

// Capability names one gated action.
type Capability string

const (
	AgentRun           Capability = "agent.run"
	AddReaction        Capability = "discord.add_reaction"
	SendMessage        Capability = "discord.send_message"
	SendDirectMessage  Capability = "discord.send_direct_message"
	SendTextAttachment Capability = "discord.send_text_attachment"
	SpacebinPost       Capability = "spacebin.post"
	DebugError         Capability = "debug.error"
)

var known = map[Capability]struct{}{
	AgentRun:           {},
	AddReaction:        {},
	SendMessage:        {},
	SendDirectMessage:  {},
	SendTextAttachment: {},
	SpacebinPost:       {},
	DebugError:         {},
}

var builtins = []Capability{AddReaction, SendMessage}

// All returns every known capability in name order.
func All() []Capability {
	out := make([]Capability, 0, len(known))
	for c := range known {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Builtins returns the capabilities every instance has regardless of configuration.
func Builtins() []Capability {
	return append([]Capability(nil), builtins...)
}

// IsBuiltin reports whether c bypasses the gate.
func IsBuiltin(c Capability) bool {
	for _, b := range builtins {
		if b == c {
			return true
		}
	}
	return false
}

// Parse maps a configured name onto the enumeration.
func Parse(name string) (Capability, bool) {
	c := Capability(strings.TrimSpace(name))
	_, ok := known[c]
	return c, ok
}

func (c Capability) String() string {
	return string(c)
}

// Set is an immutable capability set. The zero value is empty.
type Set struct {
	items map[Capability]struct{}
}

// NewSet builds a set from capabilities.
func NewSet(items ...Capability) Set {
	s := Set{items: make(map[Capability]struct{}, len(items))}
	for _, c := range items {
		s.items[c] = struct{}{}
	}
	return s
}

// ParseSet converts configured names into a set. Unknown names are returned
// separately so the caller can report them.
func ParseSet(names []string) (Set, []string) {
	items := make([]Capability, 0, len(names))
	var unknown []string
	for _, name := range names {
		c, ok := Parse(name)
		if !ok {
			unknown = append(unknown, strings.TrimSpace(name))
			continue
		}
		items = append(items, c)
	}
	return NewSet(items...), unknown
}

// Has reports membership.
func (s Set) Has(c Capability) bool {
	_, ok := s.items[c]
	return ok
}

// Len returns the number of members.
func (s Set) Len() int {
	return len(s.items)
}

// Union returns a new set with the members of s and others.
func (s Set) Union(others ...Set) Set {
	out := Set{items: make(map[Capability]struct{}, len(s.items))}
	for c := range s.items {
		out.items[c] = struct{}{}
	}
	for _, o := range others {
		for c := range o.items {
			out.items[c] = struct{}{}
		}
	}
	return out
}

// Intersect returns a new set with the members of s that are also in o.
func (s Set) Intersect(o Set) Set {
	out := Set{items: make(map[Capability]struct{})}
	for c := range s.items {
		if _, ok := o.items[c]; ok {
			out.items[c] = struct{}{}
		}
	}
	return out
}

// List returns the members in name order.
func (s Set) List() []Capability {
	out := make([]Capability, 0, len(s.items))
	for c := range s.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the member names in order.
func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = string(c)
	}
	return out
}

// Equal reports whether both sets have the same members.
func (s Set) Equal(o Set) bool {
	if len(s.items) != len(o.items) {
		return false
	}
	for c := range s.items {
		if _, ok := o.items[c]; !ok {
			return false
		}
	}
	return true
}
