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
	"io"
	"math/bits"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// ErrParse is returned for malformed option strings.
var ErrParse = fmt.Errorf("bad mount option: %w", errdefs.ErrInvalidArgument)

type item struct {
	name     string
	value    string
	hasValue bool
	raw      string
}

// nextItem parses the item at the beginning of s, skipping leading commas.
// ok is false when s holds no more items.
func nextItem(s string) (it item, rest string, ok bool, err error) {
	s = strings.TrimLeft(s, ",")
	var (
		start = -1
		sep   = -1
		quote = false
	)
	for p := 0; p < len(s); p++ {
		if start < 0 {
			start = p
		}
		if s[p] == '"' {
			quote = !quote
		}
		if quote {
			continue
		}
		if sep < 0 && p > start && s[p] == '=' {
			sep = p
		}
		stop := -1
		if s[p] == ',' {
			stop = p
		} else if p+1 == len(s) {
			stop = p + 1
		}
		if stop < 0 {
			continue
		}
		if stop <= start {
			return item{}, "", false, fmt.Errorf("empty option name in %q: %w", s, ErrParse)
		}
		it.raw = s[start:stop]
		if sep >= 0 {
			it.name = s[start:sep]
			it.value = s[sep+1 : stop]
			it.hasValue = true
		} else {
			it.name = it.raw
		}
		if stop < len(s) {
			stop++
		}
		return it, s[stop:], true, nil
	}
	return item{}, "", false, nil
}

func splitItems(s string) ([]item, error) {
	var items []item
	for {
		it, rest, ok, err := nextItem(s)
		if err != nil {
			return nil, err
		}
		if !ok {
			return items, nil
		}
		items = append(items, it)
		s = rest
	}
}

func joinItems(items []item) string {
	raw := make([]string, 0, len(items))
	for _, it := range items {
		raw = append(raw, it.raw)
	}
	return strings.Join(raw, ",")
}

func makeItem(name, value string) item {
	it := item{name: name, value: value, hasValue: value != "", raw: name}
	if value != "" {
		it.raw = name + "=" + value
	}
	return it
}

// NextOption returns the first option of s and the unparsed rest. It
// returns io.EOF when s holds no more options.
func NextOption(s string) (name, value, rest string, err error) {
	it, rest, ok, err := nextItem(s)
	if err != nil {
		return "", "", "", err
	}
	if !ok {
		return "", "", "", io.EOF
	}
	return it.name, it.value, rest, nil
}

// GetOption returns the value of the first option called name.
func GetOption(s, name string) (value string, found bool, err error) {
	items, err := splitItems(s)
	if err != nil {
		return "", false, err
	}
	for _, it := range items {
		if it.name == name {
			return it.value, true, nil
		}
	}
	return "", false, nil
}

// HasOption reports whether s contains the option name.
func HasOption(s, name string) bool {
	_, found, err := GetOption(s, name)
	return err == nil && found
}

// AppendOption adds name[=value] to the end of s.
func AppendOption(s, name, value string) string {
	if name == "" {
		return s
	}
	opt := makeItem(name, value).raw
	if s == "" {
		return opt
	}
	return s + "," + opt
}

// PrependOption adds name[=value] to the beginning of s.
func PrependOption(s, name, value string) string {
	if name == "" {
		return s
	}
	opt := makeItem(name, value).raw
	if s == "" {
		return opt
	}
	return opt + "," + s
}

// SetOption replaces the value of the first option called name, or appends
// the option when s does not contain it. An empty value removes the value.
func SetOption(s, name, value string) (string, error) {
	items, err := splitItems(s)
	if err != nil {
		return "", err
	}
	for i, it := range items {
		if it.name == name {
			items[i] = makeItem(name, value)
			return joinItems(items), nil
		}
	}
	return AppendOption(s, name, value), nil
}

// RemoveOption removes the first option called name.
func RemoveOption(s, name string) (string, error) {
	items, err := splitItems(s)
	if err != nil {
		return "", err
	}
	for i, it := range items {
		if it.name == name {
			return joinItems(append(items[:i], items[i+1:]...)), nil
		}
	}
	return s, nil
}

// DeduplicateOption removes all but the last instance of name.
func DeduplicateOption(s, name string) (string, error) {
	items, err := splitItems(s)
	if err != nil {
		return "", err
	}
	last := -1
	for i, it := range items {
		if it.name == name {
			last = i
		}
	}
	if last < 0 {
		return s, nil
	}
	out := items[:0]
	for i, it := range items {
		if it.name == name && i != last {
			continue
		}
		out = append(out, it)
	}
	return joinItems(out), nil
}

// Split partitions s into userspace, VFS and filesystem specific options.
// Options whose map entry mask intersects ignoreUser or ignoreVFS are
// dropped from the respective partition.
func Split(s string, ignoreUser, ignoreVFS int) (user, vfs, fs string, err error) {
	items, err := splitItems(s)
	if err != nil {
		return "", "", "", err
	}
	maps := []*Map{LinuxMap, UserspaceMap}
	for _, it := range items {
		m, ent := Lookup(maps, it.name)
		if ent != nil && ent.ID == 0 {
			continue
		}
		if it.value != "" && ent.NoValue() {
			m = nil
		}
		switch {
		case m == LinuxMap:
			if ignoreVFS != 0 && ent.Mask&ignoreVFS != 0 {
				continue
			}
			vfs = AppendOption(vfs, it.name, it.value)
		case m == UserspaceMap:
			if ignoreUser != 0 && ent.Mask&ignoreUser != 0 {
				continue
			}
			user = AppendOption(user, it.name, it.value)
		default:
			fs = AppendOption(fs, it.name, it.value)
		}
	}
	return user, vfs, fs, nil
}

// secureFlags is the kernel side of the userspace user/users/owner/group
// options when they appear without a value.
var secureFlags = []struct {
	id    uint64
	flags uint64
}{
	{Owner | Group, OwnerSecureFlags},
	{User | Users, SecureFlags},
}

// ImpliedFlags returns the kernel flags implied by the user-mount options
// set in userFlags and the option id they follow.
func ImpliedFlags(userFlags uint64) (flags, after uint64) {
	for _, sf := range secureFlags {
		if x := userFlags & sf.id; x != 0 {
			return sf.flags, x & -x
		}
	}
	return 0, 0
}

// GetFlags folds s onto a flags word for m. For the Linux map the
// userspace user-mount options are translated to the secure flag groups.
func GetFlags(s string, m *Map) (uint64, error) {
	items, err := splitItems(s)
	if err != nil {
		return 0, err
	}
	maps := []*Map{m}
	if m == LinuxMap {
		maps = append(maps, UserspaceMap)
	}
	var fl uint64
	for _, it := range items {
		em, ent := Lookup(maps, it.name)
		if em == nil || ent == nil || ent.ID == 0 {
			continue
		}
		if it.value != "" && ent.NoValue() {
			continue
		}
		if em == m {
			if ent.Mask&Invert != 0 {
				fl &^= ent.ID
			} else {
				fl |= ent.ID
			}
			continue
		}
		if it.value != "" || ent.Mask&Invert != 0 {
			continue
		}
		for _, sf := range secureFlags {
			if ent.ID&sf.id != 0 {
				fl |= sf.flags
				break
			}
		}
	}
	return fl, nil
}

// ApplyFlags rewrites s so that GetFlags returns fl for m. Options of m
// with bits missing in fl are removed and options covering the bits that
// remain are appended. For the Linux map "ro" or "rw" is always the first
// option.
func ApplyFlags(s string, fl uint64, m *Map) (string, error) {
	items, err := splitItems(s)
	if err != nil {
		return "", err
	}
	var (
		out  []item
		have uint64
	)
	if m == LinuxMap {
		name := "rw"
		if fl&unix.MS_RDONLY != 0 {
			name = "ro"
		}
		out = append(out, makeItem(name, ""))
		have = fl & unix.MS_RDONLY
	}
	maps := []*Map{m}
	for _, it := range items {
		_, ent := Lookup(maps, it.name)
		if ent == nil || ent.ID == 0 || (it.value != "" && ent.NoValue()) {
			out = append(out, it)
			continue
		}
		if m == LinuxMap && ent.ID == unix.MS_RDONLY {
			continue
		}
		if ent.Mask&Invert == 0 && ent.ID&^fl == 0 {
			out = append(out, it)
			have |= ent.ID
		}
	}
	if have == fl {
		return joinItems(out), nil
	}
	// entries with more bits first, so "rbind" wins over "bind" plus a
	// separate recursion flag
	var ents []*MapEntry
	for i := range m.Entries {
		ent := &m.Entries[i]
		if ent.Mask&Invert != 0 || ent.ID == 0 || ent.ID&^fl != 0 {
			continue
		}
		if strings.Contains(ent.Name, "=") && !strings.HasSuffix(ent.Name, "[=]") {
			continue
		}
		ents = append(ents, ent)
	}
	sort.SliceStable(ents, func(i, j int) bool {
		return bits.OnesCount64(ents[i].ID) > bits.OnesCount64(ents[j].ID)
	})
	for _, ent := range ents {
		if ent.ID&^have != 0 {
			out = append(out, makeItem(ent.BaseName(), ""))
			have |= ent.ID
		}
	}
	return joinItems(out), nil
}
