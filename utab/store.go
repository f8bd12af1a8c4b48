/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package utab

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/containerd/go-libmount/table"
)

var (
	entriesBucket = []byte("utab-entries")
)

// Record is one persisted entry.
type Record struct {
	Source      string
	Target      string
	Root        string `json:",omitempty"`
	Bindsrc     string `json:",omitempty"`
	UserOptions string `json:",omitempty"`
}

// Entry converts r to a table entry.
func (r *Record) Entry() *table.Entry {
	return &table.Entry{
		Source:      r.Source,
		Target:      r.Target,
		Root:        r.Root,
		Bindsrc:     r.Bindsrc,
		Options:     r.UserOptions,
		UserOptions: r.UserOptions,
	}
}

// Store is the bolt database holding the records.
type Store struct {
	db   *bolt.DB
	lock *Lock
}

// Open opens or creates the table at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %q", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	return &Store{db: db, lock: NewLock(path + ".lock")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Locker returns the lock guarding s.
func (s *Store) Locker() *Lock {
	return s.lock
}

func (s *Store) put(r *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		val, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(r.Target), val)
	})
}

func (s *Store) remove(target string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(target))
	})
}

func (s *Store) move(from, to string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		v := bucket.Get([]byte(from))
		if v == nil {
			return nil
		}
		r := &Record{}
		if err := json.Unmarshal(v, r); err != nil {
			return err
		}
		r.Target = to
		val, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := bucket.Delete([]byte(from)); err != nil {
			return err
		}
		return bucket.Put([]byte(to), val)
	})
}

// Records returns every record ordered by target.
func (s *Store) Records() ([]*Record, error) {
	var res []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			r := &Record{}
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			res = append(res, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Entries returns the records as a table.
func (s *Store) Entries() (*table.Table, error) {
	recs, err := s.Records()
	if err != nil {
		return nil, err
	}
	t := table.New()
	for _, r := range recs {
		t.Add(r.Entry())
	}
	return t, nil
}

// Find returns the record for target, or nil.
func (s *Store) Find(target string) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(entriesBucket)
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(target))
		if v == nil {
			return nil
		}
		r = &Record{}
		return json.Unmarshal(v, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Merge appends the persisted user options to the matching kernel
// entries of mountinfo.
func (s *Store) Merge(mountinfo *table.Table) error {
	recs, err := s.Records()
	if err != nil {
		return err
	}
	for _, r := range recs {
		e := mountinfo.FindTarget(r.Target, table.Backward)
		if e == nil || (r.Root != "" && e.Root != "" && r.Root != e.Root) {
			continue
		}
		e.AppendUserOptions(r.UserOptions)
		if e.Bindsrc == "" {
			e.Bindsrc = r.Bindsrc
		}
	}
	return nil
}
