/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datastore

import (
	"strings"
)

const (
	maxNameLen = 255
)

// Kind names a configuration object class
type Kind string

const (
	KindInterface     Kind = `interface`
	KindPort          Kind = `port`
	KindQueue         Kind = `queue`
	KindPolicer       Kind = `policer`
	KindPolicerAction Kind = `policer-action`
	KindBridge        Kind = `bridge`
	KindAgent         Kind = `agent`
)

// Attrs is the flat field map of one object revision
type Attrs map[string]interface{}

// Clone deep copies the attribute map
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	c := make(Attrs, len(a))
	for k, v := range a {
		if lst, ok := v.([]string); ok {
			c[k] = append([]string(nil), lst...)
			continue
		}
		c[k] = v
	}
	return c
}

// Strings fetches a string list field
func (a Attrs) Strings(k string) []string {
	if v, ok := a[k].([]string); ok {
		return v
	}
	return nil
}

// String fetches a string field
func (a Attrs) String(k string) string {
	if v, ok := a[k].(string); ok {
		return v
	}
	return ``
}

// Uint fetches a numeric field
func (a Attrs) Uint(k string) uint64 {
	if v, ok := a[k].(uint64); ok {
		return v
	}
	return 0
}

// Object is one named configuration object with its two shadow states.
// modified accumulates edits; a commit promotes it to current, an abort
// discards it.
type Object struct {
	Kind Kind
	Name string

	current  Attrs
	modified Attrs
	saved    Attrs // current as of the last commit, for failure restore

	enabled   bool
	destroyed bool // marked for deferred destroy
}

func newObject(kind Kind, name string) *Object {
	return &Object{
		Kind:     kind,
		Name:     name,
		modified: make(Attrs),
	}
}

// Enabled reports the administrative state
func (o *Object) Enabled() bool {
	return o.enabled
}

// refOp is the edit form of a reference field value
type refOp int

const (
	refReplace refOp = iota
	refAdd
	refRemove
)

// parseRef splits the name/+name/~name edit forms
func parseRef(v string) (refOp, string) {
	switch {
	case strings.HasPrefix(v, `+`):
		return refAdd, v[1:]
	case strings.HasPrefix(v, `~`):
		return refRemove, v[1:]
	}
	return refReplace, v
}

// checkName validates object names; names carry an optional
// namespace prefix separated by a colon
func checkName(name string) error {
	if name == `` {
		return newErr(TooShort, "empty name")
	}
	if len(name) > maxNameLen {
		return newErr(TooLong, "name = :%s: is too long.", name)
	}
	return nil
}

// EscapeName quotes a name containing whitespace or quotes for command
// serialization
func EscapeName(name string) string {
	if !strings.ContainsAny(name, " \t\"'") {
		return name
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range name {
		if r == '"' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('"')
	return sb.String()
}

// refFields names the reference fields per object kind; used for
// is-used tracking and ref edit parsing
var refFields = map[Kind]map[string]bool{
	KindPort: {
		`interface`: false, // scalar ref
		`policer`:   false,
		`queues`:    true, // list ref
	},
	KindPolicer: {
		`actions`: true,
	},
	KindBridge: {
		`ports`: true,
	},
}

func isRefField(kind Kind, field string) (ref, list bool) {
	m, ok := refFields[kind]
	if !ok {
		return false, false
	}
	list, ok = m[field]
	return ok, list
}
