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
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"

	"github.com/containerd/go-libmount/table"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "run", "utab"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func apply(t *testing.T, s *Store, act Action, e *table.Entry) {
	t.Helper()
	u := s.NewUpdate()
	if err := u.Start(act, e); err != nil {
		t.Fatalf("failed to start %v: %v", act, err)
	}
	if err := u.Commit(); err != nil {
		t.Fatalf("failed to commit %v: %v", act, err)
	}
}

func targets(t *testing.T, s *Store) []string {
	t.Helper()
	recs, err := s.Records()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	var res []string
	for _, r := range recs {
		res = append(res, r.Target+":"+r.UserOptions)
	}
	return res
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, Add, &table.Entry{Source: "/dev/sdb1", Target: "/mnt/a", UserOptions: "user=alice"})
	apply(t, s, Add, &table.Entry{Source: "/dev/sdc1", Target: "/mnt/b"})
	apply(t, s, Add, &table.Entry{Source: "/dev/sdd1", Target: "/mnt/c", UserOptions: "x-foo"})
	if diff := cmp.Diff([]string{"/mnt/a:user=alice", "/mnt/c:x-foo"}, targets(t, s)); diff != "" {
		t.Fatalf("after add (-want +got):\n%s", diff)
	}

	apply(t, s, Remount, &table.Entry{Target: "/mnt/a", UserOptions: "user=alice,x-bar"})
	apply(t, s, Remount, &table.Entry{Target: "/mnt/missing", UserOptions: "x-bar"})
	apply(t, s, Move, &table.Entry{Source: "/mnt/c", Target: "/mnt/d"})
	if diff := cmp.Diff([]string{"/mnt/a:user=alice,x-bar", "/mnt/d:x-foo"}, targets(t, s)); diff != "" {
		t.Fatalf("after remount and move (-want +got):\n%s", diff)
	}

	apply(t, s, Remove, &table.Entry{Target: "/mnt/a"})
	apply(t, s, Remount, &table.Entry{Target: "/mnt/d"})
	if got := targets(t, s); len(got) != 0 {
		t.Fatalf("expected empty table, got %v", got)
	}
}

func TestUpdateReady(t *testing.T) {
	s := newTestStore(t)
	testCases := []struct {
		name  string
		act   Action
		entry *table.Entry
		ready bool
		err   bool
	}{
		{"add with options", Add, &table.Entry{Target: "/mnt", UserOptions: "user=bob"}, true, false},
		{"add without options", Add, &table.Entry{Target: "/mnt"}, false, false},
		{"remove", Remove, &table.Entry{Target: "/mnt"}, true, false},
		{"move without source", Move, &table.Entry{Target: "/mnt"}, false, true},
		{"no target", Add, &table.Entry{Source: "/dev/sda"}, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := s.NewUpdate()
			err := u.Start(tc.act, tc.entry)
			if tc.err {
				if !errdefs.IsInvalidArgument(err) {
					t.Fatalf("expected invalid argument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.Ready() != tc.ready {
				t.Fatalf("expected ready=%v", tc.ready)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	s := newTestStore(t)
	apply(t, s, Add, &table.Entry{Source: "/dev/sdb1", Target: "/mnt/data", Root: "/", UserOptions: "user=alice"})
	apply(t, s, Add, &table.Entry{Source: "/dev/sdb1", Target: "/srv/bind", Root: "/other", UserOptions: "x-ignored"})

	mi, err := table.ParseMountinfo(strings.NewReader(
		"40 22 8:17 / /mnt/data rw,relatime - xfs /dev/sdb1 rw\n" +
			"41 22 8:17 /sub /srv/bind rw,relatime - xfs /dev/sdb1 rw\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Merge(mi); err != nil {
		t.Fatalf("failed to merge: %v", err)
	}
	es := mi.Entries()
	if es[0].UserOptions != "user=alice" || es[0].Options != "rw,relatime,rw,user=alice" {
		t.Fatalf("unexpected merged entry %+v", es[0])
	}
	if es[1].UserOptions != "" {
		t.Fatalf("entry with another root must not be merged: %+v", es[1])
	}

	r, err := s.Find("/mnt/data")
	if err != nil || r == nil || r.Source != "/dev/sdb1" {
		t.Fatalf("unexpected find result %+v, %v", r, err)
	}
	if r, err := s.Find("/nowhere"); err != nil || r != nil {
		t.Fatalf("expected no record, got %+v, %v", r, err)
	}
}
