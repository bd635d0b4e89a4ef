/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datastore

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gravwell/ofswitch/log"
)

// InterpState is the interpreter state machine observed during commit,
// rollback and abort
type InterpState int

const (
	StateUnknown InterpState = iota
	StatePreload
	StateAutoCommit
	StateDryrun
	StateAtomic
	StateCommiting
	StateCommited
	StateCommitFailure
	StateAborting
	StateAborted
	StateRollbacking
	StateRollbacked
	StateShutdown
	StateDestroying
)

func (s InterpState) String() string {
	switch s {
	case StatePreload:
		return `PRELOAD`
	case StateAutoCommit:
		return `AUTO_COMMIT`
	case StateDryrun:
		return `DRYRUN`
	case StateAtomic:
		return `ATOMIC`
	case StateCommiting:
		return `COMMITING`
	case StateCommited:
		return `COMMITED`
	case StateCommitFailure:
		return `COMMIT_FAILURE`
	case StateAborting:
		return `ABORTING`
	case StateAborted:
		return `ABORTED`
	case StateRollbacking:
		return `ROLLBACKING`
	case StateRollbacked:
		return `ROLLBACKED`
	case StateShutdown:
		return `SHUTDOWN`
	case StateDestroying:
		return `DESTROYING`
	}
	return `UNKNOWN`
}

// Which selects a shadow state on reads
type Which int

const (
	Current Which = iota
	Modified
)

// Applier receives committed configurations to realize in the live core
type Applier interface {
	Apply(kind Kind, name string, attrs Attrs, enabled bool) error
	Remove(kind Kind, name string) error
}

// Store is the configuration interpreter: every object with its shadow
// states, the transaction state machine and the disk snapshot. All
// operations are serialized; the hot path never enters this package.
type Store struct {
	mtx     sync.Mutex
	lg      *log.Logger
	state   InterpState
	objects map[Kind]map[string]*Object
	applier Applier
	path    string
}

// NewStore builds an empty store in AUTO_COMMIT; path locates the disk
// snapshot used by rollback, empty disables persistence
func NewStore(lg *log.Logger, path string) *Store {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &Store{
		lg:      lg,
		state:   StateAutoCommit,
		objects: make(map[Kind]map[string]*Object),
		path:    path,
	}
}

// SetApplier installs the live-core realization hook
func (s *Store) SetApplier(a Applier) {
	s.mtx.Lock()
	s.applier = a
	s.mtx.Unlock()
}

// State returns the interpreter state
func (s *Store) State() InterpState {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

func (s *Store) class(kind Kind) map[string]*Object {
	c, ok := s.objects[kind]
	if !ok {
		c = make(map[string]*Object)
		s.objects[kind] = c
	}
	return c
}

func (s *Store) lookup(kind Kind, name string) (*Object, error) {
	o, ok := s.class(kind)[name]
	if !ok {
		return nil, newErr(NotFound, "name = :%s: is not found.", name)
	}
	if o.destroyed {
		return nil, newErr(InvalidObject, "name = :%s: is destroying.", name)
	}
	return o, nil
}

// Create makes a new object. In AUTO_COMMIT the object is committed and
// applied immediately; create fails closed, leaving nothing behind on
// error.
func (s *Store) Create(kind Kind, name string, attrs Attrs) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := checkName(name); err != nil {
		return err
	}
	if _, ok := s.class(kind)[name]; ok {
		return newErr(AlreadyExists, "name = :%s: already exists.", name)
	}
	o := newObject(kind, name)
	for f, v := range attrs {
		if err := s.setField(o, f, v); err != nil {
			return err
		}
	}
	s.class(kind)[name] = o
	if s.state == StateAutoCommit {
		if err := s.commitObject(o); err != nil {
			delete(s.class(kind), name)
			return err
		}
	}
	return nil
}

// Destroy removes an object; refused while referenced. In a transaction
// the removal is deferred to commit.
func (s *Store) Destroy(kind Kind, name string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	o, err := s.lookup(kind, name)
	if err != nil {
		return err
	}
	if s.isUsed(name) {
		return newErr(NotOperational, "name = :%s: is used.", name)
	}
	if s.state == StateAtomic || s.state == StateDryrun {
		o.destroyed = true
		return nil
	}
	return s.destroyObject(o)
}

func (s *Store) destroyObject(o *Object) error {
	if s.applier != nil && o.current != nil {
		if err := s.applier.Remove(o.Kind, o.Name); err != nil {
			return err
		}
	}
	delete(s.class(o.Kind), o.Name)
	return nil
}

// Enable marks the object administratively up
func (s *Store) Enable(kind Kind, name string) error {
	return s.setEnabled(kind, name, true)
}

// Disable marks the object administratively down
func (s *Store) Disable(kind Kind, name string) error {
	return s.setEnabled(kind, name, false)
}

func (s *Store) setEnabled(kind Kind, name string, en bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	o, err := s.lookup(kind, name)
	if err != nil {
		return err
	}
	o.enabled = en
	if s.state == StateAutoCommit {
		return s.commitObject(o)
	}
	return nil
}

// Config edits fields on the modified shadow. In AUTO_COMMIT the edit is
// committed immediately; a failed apply restores the previous values.
func (s *Store) Config(kind Kind, name string, attrs Attrs) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	o, err := s.lookup(kind, name)
	if err != nil {
		return err
	}
	for f, v := range attrs {
		if err := s.setField(o, f, v); err != nil {
			return err
		}
	}
	if s.state == StateAutoCommit {
		return s.commitObject(o)
	}
	return nil
}

// setField validates and stores one field edit into the modified shadow
func (s *Store) setField(o *Object, field string, v interface{}) error {
	if err := validateField(o.Kind, field, v); err != nil {
		return err
	}
	ref, list := isRefField(o.Kind, field)
	if !ref {
		o.modified[field] = v
		return nil
	}
	sv, ok := v.(string)
	if !ok {
		return newErr(InvalidArgs, "field %s wants an object name", field)
	}
	op, rname := parseRef(sv)
	if !list {
		if op != refReplace {
			return newErr(InvalidArgs, "field %s is not a list", field)
		}
		o.modified[field] = rname
		return nil
	}
	cur := o.modified.Strings(field)
	if cur == nil {
		cur = append([]string(nil), o.current.Strings(field)...)
	}
	switch op {
	case refAdd, refReplace:
		for _, e := range cur {
			if e == rname {
				return newErr(AlreadyExists, "name = :%s: already exists.", rname)
			}
		}
		cur = append(cur, rname)
	case refRemove:
		found := false
		for i, e := range cur {
			if e == rname {
				cur = append(cur[:i], cur[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return newErr(NotFound, "name = :%s: is not found.", rname)
		}
	}
	o.modified[field] = cur
	return nil
}

// Get reads a shadow state. During an open transaction an object with
// pending edits reports its current as unset.
func (s *Store) Get(kind Kind, name string, w Which) (Attrs, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	o, err := s.lookup(kind, name)
	if err != nil {
		return nil, err
	}
	switch w {
	case Modified:
		if len(o.modified) == 0 {
			return nil, newErr(NotFound, "Not set modified.")
		}
		return o.modified.Clone(), nil
	default:
		// inside an open transaction a dirtied object has no usable
		// current; dryrun keeps reporting the live configuration
		if o.current == nil || (s.state == StateAtomic && len(o.modified) > 0) {
			return nil, newErr(NotFound, "Not set current.")
		}
		return o.current.Clone(), nil
	}
}

// IsUsed reports whether any object references name
func (s *Store) IsUsed(name string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.isUsed(name)
}

func (s *Store) isUsed(name string) bool {
	for kind, fields := range refFields {
		for _, o := range s.objects[kind] {
			for f, isList := range fields {
				for _, rev := range []Attrs{o.current, o.modified} {
					if rev == nil {
						continue
					}
					if isList {
						for _, e := range rev.Strings(f) {
							if e == name {
								return true
							}
						}
					} else if rev.String(f) == name {
						return true
					}
				}
			}
		}
	}
	return false
}

// Begin opens an ATOMIC transaction
func (s *Store) Begin() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != StateAutoCommit {
		return newErr(NotOperational, "interpreter is %s", s.state)
	}
	s.state = StateAtomic
	return nil
}

// EnterDryrun switches to DRYRUN: edits accumulate on modified shadows
// and are never realized
func (s *Store) EnterDryrun() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != StateAutoCommit {
		return newErr(NotOperational, "interpreter is %s", s.state)
	}
	s.state = StateDryrun
	return nil
}

// ExitDryrun discards the dryrun edits
func (s *Store) ExitDryrun() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != StateDryrun {
		return newErr(NotOperational, "interpreter is %s", s.state)
	}
	s.discardModified()
	s.state = StateAutoCommit
	return nil
}

// Commit promotes every modified shadow to current and realizes the
// changes through the applier. A failed apply restores that object and
// leaves the interpreter in COMMIT_FAILURE.
func (s *Store) Commit() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != StateAtomic {
		return newErr(NotOperational, "interpreter is %s", s.state)
	}
	txn := uuid.New()
	s.state = StateCommiting
	for kind := range s.objects {
		for _, o := range s.objects[kind] {
			if o.destroyed {
				if err := s.destroyObject(o); err != nil {
					s.state = StateCommitFailure
					return err
				}
				continue
			}
			if len(o.modified) == 0 && o.current != nil {
				continue
			}
			if err := s.commitObject(o); err != nil {
				s.state = StateCommitFailure
				s.lg.Error("commit failed", log.KV("txn", txn), log.KV("name", o.Name), log.KVErr(err))
				return err
			}
		}
	}
	s.state = StateCommited
	s.lg.Info("configuration committed", log.KV("txn", txn))
	s.state = StateAutoCommit
	return nil
}

// commitObject merges modified into current and realizes it; a failed
// apply restores the previous current
func (s *Store) commitObject(o *Object) error {
	o.saved = o.current.Clone()
	next := o.current.Clone()
	if next == nil {
		next = make(Attrs)
	}
	for f, v := range o.modified {
		next[f] = v
	}
	o.current = next
	if s.applier != nil {
		if err := s.applier.Apply(o.Kind, o.Name, o.current.Clone(), o.enabled); err != nil {
			o.current = o.saved
			return err
		}
	}
	o.modified = make(Attrs)
	return nil
}

// Abort discards every modified shadow; objects created inside the
// transaction disappear
func (s *Store) Abort() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.state != StateAtomic && s.state != StateCommitFailure {
		return newErr(NotOperational, "interpreter is %s", s.state)
	}
	s.state = StateAborting
	s.discardModified()
	s.state = StateAborted
	s.state = StateAutoCommit
	return nil
}

func (s *Store) discardModified() {
	for kind := range s.objects {
		for name, o := range s.objects[kind] {
			o.modified = make(Attrs)
			o.destroyed = false
			if o.current == nil {
				delete(s.objects[kind], name)
			}
		}
	}
}

// Names lists the object names of one kind
func (s *Store) Names(kind Kind) []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []string
	for name := range s.objects[kind] {
		out = append(out, name)
	}
	return out
}

// Response is the uniform command result serialization
type Response struct {
	Ret  string      `json:"ret"`
	Data interface{} `json:"data"`
}

// MarshalResponse renders the {"ret": ..., "data": ...} envelope
func MarshalResponse(err error, data interface{}) []byte {
	r := Response{
		Ret:  KindOf(err).String(),
		Data: data,
	}
	if err != nil {
		r.Data = err.Error()
		if de, ok := err.(*Error); ok {
			r.Data = de.Msg
		}
	}
	b, merr := json.Marshal(r)
	if merr != nil {
		return []byte(`{"ret":"DATASTORE_INTERP_ERROR","data":"marshal failure"}`)
	}
	return b
}
