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

package options

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// MOUNT_ATTR bits not exported by every x/sys release.
const (
	mountAttrAtime       = 0x70
	mountAttrNoSymfollow = 0x00200000
)

// Filter selects the options rendered by List.String and counted by
// List.Flags.
type Filter int

const (
	// FilterDefault keeps everything but external options, restricted to
	// the requested map if any.
	FilterDefault Filter = iota
	// FilterUnknown keeps the filesystem specific options only.
	FilterUnknown
	// FilterHelpers drops options that are not for mount helpers.
	FilterHelpers
	// FilterMtab drops options that are not for the mount table.
	FilterMtab
	// FilterAll keeps everything.
	FilterAll
)

type source int

const (
	sourceString source = iota
	sourceFlag
)

// Option is one item of a List.
type Option struct {
	name     string
	value    string
	m        *Map
	ent      *MapEntry
	src      source
	external bool
	ls       *List
}

// Name returns the option name.
func (o *Option) Name() string { return o.name }

// Value returns the option value.
func (o *Option) Value() string { return o.value }

// HasValue reports whether the option carries a non-empty value.
func (o *Option) HasValue() bool { return o.value != "" }

// Map returns the map the option belongs to, nil for filesystem specific
// options.
func (o *Option) Map() *Map { return o.m }

// Entry returns the map entry of the option.
func (o *Option) Entry() *MapEntry { return o.ent }

// External reports whether the option is visible only to helpers and the
// mount table.
func (o *Option) External() bool { return o.external }

// SetValue replaces the option value.
func (o *Option) SetValue(v string) {
	o.value = v
	o.ls.touch()
}

// SetQuotedValue replaces the option value with v in double quotes.
func (o *Option) SetQuotedValue(v string) {
	if v != "" {
		v = `"` + v + `"`
	}
	o.SetValue(v)
}

// SetExternal changes the external marker.
func (o *Option) SetExternal(enable bool) {
	o.external = enable
	o.ls.touch()
}

func (o *Option) recursive() bool {
	return strings.Contains(o.value, "recursive")
}

func (o *Option) mapped() bool {
	return o.m != nil && o.ent != nil && o.ent.ID != 0
}

type cacheKey struct {
	m *Map
	f Filter
}

// List is an ordered list of mount options. Duplicates are kept; later
// options win when the list is folded onto flags.
type List struct {
	maps        []*Map
	opts        []*Option
	cache       map[cacheKey]string
	propagation uint64
	merged      bool
	remount     bool
	generation  uint64
}

// NewList returns a list with the Linux and userspace maps registered.
func NewList() *List {
	ls := &List{}
	ls.RegisterMap(LinuxMap)
	ls.RegisterMap(UserspaceMap)
	return ls
}

// Generation changes every time the list is modified.
func (ls *List) Generation() uint64 { return ls.generation }

func (ls *List) touch() {
	ls.generation++
	ls.cache = nil
}

// RegisterMap adds m to the maps used to classify string options.
func (ls *List) RegisterMap(m *Map) {
	for _, x := range ls.maps {
		if x == m {
			return
		}
	}
	ls.maps = append(ls.maps, m)
}

// Options returns a snapshot of the list.
func (ls *List) Options() []*Option {
	return append([]*Option(nil), ls.opts...)
}

// Len returns the number of options.
func (ls *List) Len() int { return len(ls.opts) }

// Clone returns a deep copy of the list.
func (ls *List) Clone() *List {
	n := &List{
		maps:        append([]*Map(nil), ls.maps...),
		propagation: ls.propagation,
		merged:      ls.merged,
		remount:     ls.remount,
	}
	for _, o := range ls.opts {
		c := *o
		c.ls = n
		n.opts = append(n.opts, &c)
	}
	return n
}

func (ls *List) index(o *Option) int {
	for i, x := range ls.opts {
		if x == o {
			return i
		}
	}
	return -1
}

func (ls *List) newOption(name, value string, m *Map, ent *MapEntry, src source) *Option {
	o := &Option{name: name, value: value, m: m, ent: ent, src: src, ls: ls}
	if m == LinuxMap && ent != nil {
		if ent.ID&PropagationFlags != 0 {
			ls.propagation |= ent.ID
		} else if ent.ID == unix.MS_REMOUNT {
			ls.remount = true
		}
	}
	return o
}

// insert places opts at position at, or appends when at < 0.
func (ls *List) insert(at int, opts ...*Option) {
	if len(opts) == 0 {
		return
	}
	if at < 0 || at >= len(ls.opts) {
		ls.opts = append(ls.opts, opts...)
	} else {
		ls.opts = append(ls.opts[:at], append(opts, ls.opts[at:]...)...)
	}
	ls.touch()
}

// Remove deletes o from the list.
func (ls *List) Remove(o *Option) {
	i := ls.index(o)
	if i < 0 {
		return
	}
	if o.m == LinuxMap && o.ent != nil {
		if o.ent.ID&PropagationFlags != 0 {
			ls.propagation &^= o.ent.ID
		} else if o.ent.ID == unix.MS_REMOUNT {
			ls.remount = false
		}
	}
	ls.opts = append(ls.opts[:i], ls.opts[i+1:]...)
	ls.touch()
}

// Named returns the first non-external option called name. A nil map
// matches options of any map.
func (ls *List) Named(name string, m *Map) *Option {
	for _, o := range ls.opts {
		if o.external {
			continue
		}
		if m != nil && o.m != m {
			continue
		}
		if o.name == name {
			return o
		}
	}
	return nil
}

// RemoveNamed deletes the first option returned by Named.
func (ls *List) RemoveNamed(name string, m *Map) {
	if o := ls.Named(name, m); o != nil {
		ls.Remove(o)
	}
}

// Get returns the first non-external option of m with the given id.
func (ls *List) Get(id uint64, m *Map) *Option {
	for _, o := range ls.opts {
		if o.external || o.m != m {
			continue
		}
		if o.ent != nil && o.ent.ID == id {
			return o
		}
	}
	return nil
}

func (ls *List) parse(s string, m *Map) ([]*Option, error) {
	if m != nil {
		ls.RegisterMap(m)
	}
	items, err := splitItems(s)
	if err != nil {
		return nil, err
	}
	var opts []*Option
	for _, it := range items {
		var (
			em  *Map
			ent *MapEntry
		)
		if m != nil {
			em, ent = Lookup([]*Map{m}, it.name)
		}
		if em == nil {
			em, ent = Lookup(ls.maps, it.name)
		}
		if ent.RequiresValue() && it.value == "" {
			return nil, fmt.Errorf("option %q requires a value: %w", it.name, ErrParse)
		}
		opts = append(opts, ls.newOption(it.name, it.value, em, ent, sourceString))
	}
	return opts, nil
}

// SetOptstr replaces the options of m (all options when m is nil) that
// came from strings with s. After MergeOpts flag options are replaced too.
func (ls *List) SetOptstr(s string, m *Map) error {
	opts, err := ls.parse(s, m)
	if err != nil {
		return err
	}
	for _, o := range ls.Options() {
		if o.external {
			continue
		}
		if m != nil && o.m != m {
			continue
		}
		if ls.merged || o.src == sourceString {
			ls.Remove(o)
		}
	}
	ls.insert(-1, opts...)
	return nil
}

// AppendOptstr adds the options of s to the end of the list.
func (ls *List) AppendOptstr(s string, m *Map) error {
	opts, err := ls.parse(s, m)
	if err != nil {
		return err
	}
	ls.insert(-1, opts...)
	return nil
}

// PrependOptstr adds the options of s to the beginning of the list.
func (ls *List) PrependOptstr(s string, m *Map) error {
	opts, err := ls.parse(s, m)
	if err != nil {
		return err
	}
	ls.insert(0, opts...)
	return nil
}

func (ls *List) flagOptions(fl uint64, m *Map) []*Option {
	ls.RegisterMap(m)
	var opts []*Option
	for i := range m.Entries {
		ent := &m.Entries[i]
		if ent.Mask&Invert != 0 || ent.ID == 0 || fl&ent.ID != ent.ID {
			continue
		}
		if strings.Contains(ent.Name, "=") && !strings.HasSuffix(ent.Name, "[=]") {
			continue
		}
		opts = append(opts, ls.newOption(ent.BaseName(), "", m, ent, sourceFlag))
	}
	return opts
}

// AppendFlags adds one option per entry of m whose id is fully covered
// by fl.
func (ls *List) AppendFlags(fl uint64, m *Map) {
	ls.insert(-1, ls.flagOptions(fl, m)...)
}

// SetFlags replaces the options of m that came from flags with fl. After
// MergeOpts string options are replaced too.
func (ls *List) SetFlags(fl uint64, m *Map) {
	for _, o := range ls.Options() {
		if o.external || o.m != m {
			continue
		}
		if ls.merged || o.src == sourceFlag {
			ls.Remove(o)
		}
	}
	ls.AppendFlags(fl, m)
}

// RemoveFlags deletes every option of m whose id intersects fl.
func (ls *List) RemoveFlags(fl uint64, m *Map) {
	for _, o := range ls.Options() {
		if o.external || o.ent == nil || o.m != m {
			continue
		}
		if o.ent.ID&fl != 0 {
			ls.Remove(o)
		}
	}
}

// InsertFlags adds the options of fl right after the option of afterMap
// with id after.
func (ls *List) InsertFlags(fl uint64, m *Map, after uint64, afterMap *Map) error {
	o := ls.Get(after, afterMap)
	if o == nil {
		return fmt.Errorf("no option with id %#x to insert after: %w", after, ErrParse)
	}
	ls.insert(ls.index(o)+1, ls.flagOptions(fl, m)...)
	return nil
}

func wanted(o *Option, m *Map, f Filter) bool {
	if f == FilterAll {
		return true
	}
	if o.external {
		return false
	}
	if m != nil && o.m != m {
		return false
	}
	switch f {
	case FilterUnknown:
		return o.m == nil
	case FilterHelpers:
		return o.ent == nil || o.ent.Mask&NoHelpers == 0
	case FilterMtab:
		return o.ent == nil || o.ent.Mask&NoMtab == 0
	}
	return true
}

// Flags folds the options of m selected by f onto a flags word.
func (ls *List) Flags(m *Map, f Filter) uint64 {
	var fl uint64
	for _, o := range ls.opts {
		if o.m != m || !o.mapped() || !wanted(o, m, f) {
			continue
		}
		if o.ent.Mask&Invert != 0 {
			fl &^= o.ent.ID
		} else {
			fl |= o.ent.ID
		}
	}
	return fl
}

// String renders the options of m selected by f. Without a map the default
// and "all" renderings start with "ro" or "rw".
func (ls *List) String(m *Map, f Filter) string {
	key := cacheKey{m, f}
	if s, ok := ls.cache[key]; ok {
		return s
	}
	var (
		items  []item
		rwFlag = m == nil && (f == FilterDefault || f == FilterAll)
	)
	if rwFlag {
		if ls.IsRdonly() {
			items = append(items, makeItem("ro", ""))
		} else {
			items = append(items, makeItem("rw", ""))
		}
	}
	for _, o := range ls.opts {
		if o.name == "" {
			continue
		}
		if rwFlag && o.m == LinuxMap && o.ent != nil && o.ent.ID == unix.MS_RDONLY {
			continue
		}
		if !wanted(o, m, f) {
			continue
		}
		items = append(items, makeItem(o.name, o.value))
	}
	s := joinItems(items)
	if ls.cache == nil {
		ls.cache = make(map[cacheKey]string)
	}
	ls.cache[key] = s
	return s
}

func equalOptions(a, b *Option) bool {
	if a.m != b.m {
		return false
	}
	if a.ent != nil && b.ent != nil && a.ent != b.ent {
		return false
	}
	return a.name == b.name && a.value == b.value
}

// MergeOpts removes options shadowed by later ones: exact duplicates and
// earlier options with the same id when either side is an inverted entry.
// After merging SetOptstr and SetFlags replace options regardless of their
// source.
func (ls *List) MergeOpts() {
	ls.merged = true
	for i := len(ls.opts) - 1; i >= 0; i-- {
		if i >= len(ls.opts) {
			continue
		}
		opt := ls.opts[i]
		for j := 0; j < i; j++ {
			x := ls.opts[j]
			rem := equalOptions(opt, x)
			if !rem && opt.ent != nil && x.ent != nil && opt.ent.ID == x.ent.ID &&
				(opt.ent.Mask&Invert != 0 || x.ent.Mask&Invert != 0) {
				rem = true
			}
			if rem {
				ls.Remove(x)
				j--
				i--
			}
		}
	}
}

// Propagation returns the propagation flags of the list.
func (ls *List) Propagation() uint64 { return ls.propagation }

// IsPropagationOnly reports whether the list only changes propagation.
func (ls *List) IsPropagationOnly() bool {
	if ls.propagation == 0 {
		return false
	}
	rest := ls.Flags(LinuxMap, FilterDefault) &^ PropagationFlags
	return rest&^(unix.MS_SILENT|unix.MS_REC) == 0
}

func (ls *List) hasFlags(fl uint64) bool {
	return ls.Flags(LinuxMap, FilterDefault)&fl == fl
}

// IsRemount reports whether the list contains "remount".
func (ls *List) IsRemount() bool { return ls.remount }

// IsBind reports whether the list contains "bind" or "rbind".
func (ls *List) IsBind() bool { return ls.hasFlags(unix.MS_BIND) }

// IsRbind reports whether the list requests a recursive bind.
func (ls *List) IsRbind() bool { return ls.hasFlags(unix.MS_BIND | unix.MS_REC) }

// IsMove reports whether the list contains "move".
func (ls *List) IsMove() bool { return ls.hasFlags(unix.MS_MOVE) }

// IsRdonly reports whether the list folds to a read-only mount.
func (ls *List) IsRdonly() bool { return ls.hasFlags(unix.MS_RDONLY) }

// IsSilent reports whether the list contains "silent".
func (ls *List) IsSilent() bool { return ls.hasFlags(unix.MS_SILENT) }

// IsRecursive reports whether MS_REC is set.
func (ls *List) IsRecursive() bool { return ls.hasFlags(unix.MS_REC) }

func flagToAttr(fl uint64) (attr, veto uint64) {
	switch fl {
	case unix.MS_RDONLY:
		return unix.MOUNT_ATTR_RDONLY, 0
	case unix.MS_NOSUID:
		return unix.MOUNT_ATTR_NOSUID, 0
	case unix.MS_NODEV:
		return unix.MOUNT_ATTR_NODEV, 0
	case unix.MS_NOEXEC:
		return unix.MOUNT_ATTR_NOEXEC, 0
	case unix.MS_NODIRATIME:
		return unix.MOUNT_ATTR_NODIRATIME, 0
	case unix.MS_RELATIME:
		return unix.MOUNT_ATTR_RELATIME, mountAttrAtime
	case unix.MS_NOATIME:
		return unix.MOUNT_ATTR_NOATIME, mountAttrAtime
	case unix.MS_STRICTATIME:
		return unix.MOUNT_ATTR_STRICTATIME, mountAttrAtime
	case unix.MS_NOSYMFOLLOW:
		return mountAttrNoSymfollow, 0
	}
	return 0, 0
}

// Attrs translates the VFS options to mount_setattr(2) set and clear
// masks. With rec only recursive options are considered, otherwise only
// non-recursive ones. A remount without bind clears the resettable
// attributes that are not explicitly set, as mount(2) does.
func (ls *List) Attrs(rec bool) (set, clr uint64) {
	var reset uint64
	if ls.IsRemount() && !ls.IsBind() && !rec {
		reset = unix.MOUNT_ATTR_RDONLY | unix.MOUNT_ATTR_NOSUID | unix.MOUNT_ATTR_NODEV |
			unix.MOUNT_ATTR_NOEXEC | mountAttrNoSymfollow
	}
	rbind := ls.IsRbind()
	for _, o := range ls.opts {
		if o.m != LinuxMap || !o.mapped() || !wanted(o, LinuxMap, FilterDefault) {
			continue
		}
		if r := o.recursive() || rbind; r != rec {
			continue
		}
		if o.value == "fs" {
			continue
		}
		x, veto := flagToAttr(o.ent.ID)
		if x == 0 && veto == 0 {
			continue
		}
		reset &^= x
		if o.ent.Mask&Invert != 0 {
			set &^= x
			clr |= x
		} else {
			set |= x
			clr &^= x
			clr |= veto
		}
	}
	clr |= reset
	return set, clr
}
