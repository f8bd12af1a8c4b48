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

package table

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/go-libmount/options"
)

// Direction of a table walk.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Iter walks a table in one direction.
type Iter struct {
	dir  Direction
	next int
	init bool
}

// NewIter returns an iterator positioned before the first entry.
func NewIter(dir Direction) *Iter {
	return &Iter{dir: dir}
}

// Reset rewinds the iterator and changes its direction.
func (it *Iter) Reset(dir Direction) {
	*it = Iter{dir: dir}
}

// Table is an ordered list of entries.
type Table struct {
	entries []*Entry
}

// New returns a table holding entries.
func New(entries ...*Entry) *Table {
	return &Table{entries: entries}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns a snapshot of the table.
func (t *Table) Entries() []*Entry {
	return append([]*Entry(nil), t.entries...)
}

// Add appends e.
func (t *Table) Add(e *Entry) {
	t.entries = append(t.entries, e)
}

// Remove deletes e.
func (t *Table) Remove(e *Entry) {
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Next returns the next entry of the walk, or false at the end.
func (t *Table) Next(it *Iter) (*Entry, bool) {
	if t == nil {
		return nil, false
	}
	if !it.init {
		it.init = true
		if it.dir == Backward {
			it.next = len(t.entries) - 1
		} else {
			it.next = 0
		}
	}
	if it.next < 0 || it.next >= len(t.entries) {
		return nil, false
	}
	e := t.entries[it.next]
	if it.dir == Backward {
		it.next--
	} else {
		it.next++
	}
	return e, true
}

func (t *Table) find(dir Direction, match func(*Entry) bool) *Entry {
	it := NewIter(dir)
	for {
		e, ok := t.Next(it)
		if !ok {
			return nil
		}
		if match(e) {
			return e
		}
	}
}

// canonicalize resolves symlinks, falling back to a cleaned path when the
// path does not exist.
func canonicalize(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return p
	}
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

// FindTarget returns the entry mounted on path. The native path is tried
// first, then the canonical one.
func (t *Table) FindTarget(path string, dir Direction) *Entry {
	if path == "" {
		return nil
	}
	if e := t.find(dir, func(e *Entry) bool { return e.Target == path }); e != nil {
		return e
	}
	cn := canonicalize(path)
	return t.find(dir, func(e *Entry) bool {
		return e.Target != "" && (e.Target == cn || canonicalize(e.Target) == cn)
	})
}

// FindSrcpath returns the entry whose source path is path.
func (t *Table) FindSrcpath(path string, dir Direction) *Entry {
	if path == "" {
		return nil
	}
	if e := t.find(dir, func(e *Entry) bool { return e.SrcPath() == path }); e != nil {
		return e
	}
	cn := canonicalize(path)
	return t.find(dir, func(e *Entry) bool {
		sp := e.SrcPath()
		return sp != "" && (sp == cn || canonicalize(sp) == cn)
	})
}

// FindTag returns the entry with source NAME=value, or the entry mounted
// from the device the tag resolves to.
func (t *Table) FindTag(name, value string, dir Direction) *Entry {
	if e := t.find(dir, func(e *Entry) bool {
		n, v, ok := e.Tag()
		return ok && n == name && v == value
	}); e != nil {
		return e
	}
	if dev, err := ResolveTag(name, value); err == nil {
		return t.FindSrcpath(dev, dir)
	}
	return nil
}

// FindSource returns the entry mounted from src, a path or a tag.
func (t *Table) FindSource(src string, dir Direction) *Entry {
	if name, value, ok := ParseTag(src); ok {
		return t.FindTag(name, value, dir)
	}
	return t.FindSrcpath(src, dir)
}

// FindPair returns the entry with both the given source and target.
func (t *Table) FindPair(src, target string, dir Direction) *Entry {
	if src == "" || target == "" {
		return nil
	}
	if e := t.find(dir, func(e *Entry) bool {
		return e.Target == target && e.Source == src
	}); e != nil {
		return e
	}
	cnTarget := canonicalize(target)
	return t.find(dir, func(e *Entry) bool {
		if e.Target != target && canonicalize(e.Target) != cnTarget {
			return false
		}
		if e.Source == src {
			return true
		}
		if name, value, ok := ParseTag(src); ok {
			n, v, eok := e.Tag()
			if eok {
				return n == name && v == value
			}
			dev, err := ResolveTag(name, value)
			return err == nil && canonicalize(e.Source) == dev
		}
		return e.SrcPath() != "" && canonicalize(e.SrcPath()) == canonicalize(src)
	})
}

// FindDevno returns the entry with the device number devno.
func (t *Table) FindDevno(devno uint64, dir Direction) *Entry {
	return t.find(dir, func(e *Entry) bool { return e.Devno == devno })
}

// FindMountpoint returns the entry of the mount point path is on, walking
// up the directory tree.
func (t *Table) FindMountpoint(path string, dir Direction) *Entry {
	p := filepath.Clean(path)
	for {
		if e := t.find(dir, func(e *Entry) bool { return e.Target == p }); e != nil {
			return e
		}
		if p == "/" || p == "." {
			return nil
		}
		p = filepath.Dir(p)
	}
}

// IsMounted reports whether fs, usually an fstab entry, is present in t,
// usually a mountinfo table. Targets must match, and the source must
// match unless fs describes a bind mount or a pseudo/network filesystem
// of the same type.
func (t *Table) IsMounted(fs *Entry) bool {
	if fs == nil || fs.IsSwaparea() || fs.Target == "" {
		return false
	}
	target := canonicalize(fs.Target)
	src := fs.SrcPath()
	if name, value, ok := fs.Tag(); ok {
		if dev, err := ResolveTag(name, value); err == nil {
			src = dev
		}
	}
	src = canonicalize(src)
	bind := options.HasOption(fs.Options, "bind") || options.HasOption(fs.Options, "rbind")
	return t.find(Backward, func(e *Entry) bool {
		if e.Target != target && canonicalize(e.Target) != target {
			return false
		}
		if fs.Fstype != "" && fs.Fstype != "auto" && e.Fstype != "" &&
			!bind && !options.MatchFstype(e.Fstype, fs.Fstype) {
			return false
		}
		switch {
		case bind:
			return true
		case fs.IsPseudofs() || fs.IsNetfs():
			return e.Fstype == fs.Fstype || e.Source == fs.Source
		}
		if e.Source == fs.Source || (src != "" && canonicalize(e.Source) == src) {
			return true
		}
		return isLoopBacked(e.Source, src)
	}) != nil
}

// isLoopBacked reports whether dev is a loop device backed by file.
func isLoopBacked(dev, file string) bool {
	if file == "" || !strings.HasPrefix(dev, "/dev/loop") {
		return false
	}
	b, err := os.ReadFile(filepath.Join("/sys/block", filepath.Base(dev), "loop", "backing_file"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(b)) == file
}
