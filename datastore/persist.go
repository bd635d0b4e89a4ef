/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datastore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects = []byte(`objects`)
	bucketEnabled = []byte(`enabled`)
)

type snapshotKey struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
}

// Save writes the committed configuration to the disk snapshot; rollback
// under force restores from it. The snapshot is a bolt database guarded
// by an advisory lock so concurrent daemons never interleave.
func (s *Store) Save() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.save()
}

func (s *Store) save() error {
	if s.path == `` {
		return newErr(NotOperational, "no datastore path configured")
	}
	lk := flock.New(s.path + `.lock`)
	if err := lk.Lock(); err != nil {
		return posixErr(err, "locking datastore snapshot")
	}
	defer lk.Unlock()
	db, err := bolt.Open(s.path, 0660, nil)
	if err != nil {
		return posixErr(err, "opening datastore snapshot")
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		tx.DeleteBucket(bucketObjects)
		tx.DeleteBucket(bucketEnabled)
		ob, err := tx.CreateBucket(bucketObjects)
		if err != nil {
			return err
		}
		eb, err := tx.CreateBucket(bucketEnabled)
		if err != nil {
			return err
		}
		for kind := range s.objects {
			for name, o := range s.objects[kind] {
				if o.current == nil {
					continue
				}
				k, err := json.Marshal(snapshotKey{Kind: kind, Name: name})
				if err != nil {
					return err
				}
				v, err := json.Marshal(o.current)
				if err != nil {
					return err
				}
				if err = ob.Put(k, v); err != nil {
					return err
				}
				env := []byte{0}
				if o.enabled {
					env[0] = 1
				}
				if err = eb.Put(k, env); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Rollback restores every object's current from the disk snapshot and
// discards all pending edits; with force the snapshot replaces in-memory
// state even outside a transaction
func (s *Store) Rollback(force bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !force && s.state != StateAtomic && s.state != StateCommitFailure {
		return newErr(NotOperational, "interpreter is %s", s.state)
	}
	if s.path == `` {
		return newErr(NotOperational, "no datastore path configured")
	}
	s.state = StateRollbacking
	lk := flock.New(s.path + `.lock`)
	if err := lk.Lock(); err != nil {
		s.state = StateAutoCommit
		return posixErr(err, "locking datastore snapshot")
	}
	defer lk.Unlock()
	db, err := bolt.Open(s.path, 0660, &bolt.Options{ReadOnly: true})
	if err != nil {
		s.state = StateAutoCommit
		return posixErr(err, "opening datastore snapshot")
	}
	defer db.Close()
	loaded := make(map[Kind]map[string]*Object)
	err = db.View(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketObjects)
		if ob == nil {
			return nil
		}
		eb := tx.Bucket(bucketEnabled)
		return ob.ForEach(func(k, v []byte) error {
			var sk snapshotKey
			if err := json.Unmarshal(k, &sk); err != nil {
				return err
			}
			attrs := make(Attrs)
			if err := json.Unmarshal(v, &attrs); err != nil {
				return err
			}
			normalizeAttrs(attrs)
			o := newObject(sk.Kind, sk.Name)
			o.current = attrs
			if eb != nil {
				if ev := eb.Get(k); len(ev) == 1 && ev[0] == 1 {
					o.enabled = true
				}
			}
			if loaded[sk.Kind] == nil {
				loaded[sk.Kind] = make(map[string]*Object)
			}
			loaded[sk.Kind][sk.Name] = o
			return nil
		})
	})
	if err != nil {
		s.state = StateAutoCommit
		return posixErr(err, "reading datastore snapshot")
	}
	s.objects = loaded
	if s.applier != nil {
		for kind := range s.objects {
			for _, o := range s.objects[kind] {
				if aerr := s.applier.Apply(o.Kind, o.Name, o.current.Clone(), o.enabled); aerr != nil {
					err = aerr
				}
			}
		}
	}
	s.state = StateRollbacked
	s.state = StateAutoCommit
	return err
}

// normalizeAttrs repairs types after a JSON round trip: numbers arrive
// as float64 and string lists as []interface{}
func normalizeAttrs(a Attrs) {
	for k, v := range a {
		switch tv := v.(type) {
		case float64:
			a[k] = uint64(tv)
		case []interface{}:
			lst := make([]string, 0, len(tv))
			for _, e := range tv {
				if sv, ok := e.(string); ok {
					lst = append(lst, sv)
				}
			}
			a[k] = lst
		}
	}
}

// Export serializes the committed configuration as the command stream
// that would recreate it, written atomically
func (s *Store) Export(path string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var sb strings.Builder
	kinds := make([]Kind, 0, len(s.objects))
	for kind := range s.objects {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		names := make([]string, 0, len(s.objects[kind]))
		for name := range s.objects[kind] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			o := s.objects[kind][name]
			if o.current == nil {
				continue
			}
			sb.WriteString(string(kind))
			sb.WriteByte(' ')
			sb.WriteString(EscapeName(name))
			sb.WriteString(` create`)
			fields := make([]string, 0, len(o.current))
			for f := range o.current {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				switch fv := o.current[f].(type) {
				case []string:
					for _, e := range fv {
						fmt.Fprintf(&sb, " -%s +%s", f, EscapeName(e))
					}
				case string:
					fmt.Fprintf(&sb, " -%s %s", f, EscapeName(fv))
				default:
					fmt.Fprintf(&sb, " -%s %v", f, fv)
				}
			}
			sb.WriteByte('\n')
			if o.enabled {
				fmt.Fprintf(&sb, "%s %s enable\n", kind, EscapeName(name))
			}
		}
	}
	if err := renameio.WriteFile(path, []byte(sb.String()), 0660); err != nil {
		return posixErr(err, "writing configuration export")
	}
	return nil
}
