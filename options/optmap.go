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

// Package options implements the mount option model: the built-in option
// maps, helpers for comma separated option strings, and the option list
// that a mount context folds into kernel flags and option strings.
package options

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Entry mask bits.
const (
	// Invert marks an entry that clears its id instead of setting it.
	Invert = 1 << 1
	// NoMtab entries are not written to the userspace mount table.
	NoMtab = 1 << 2
	// Prefix entries match every option starting with the entry name.
	Prefix = 1 << 3
	// NoHelpers entries are not passed to /sbin/mount.<type> helpers.
	NoHelpers = 1 << 4
)

// Userspace option ids.
const (
	NoAuto uint64 = 1 << (iota + 2)
	User
	Users
	Owner
	Group
	Netdev
	Comment
	Loop
	NoFail
	UHelper
	Helper
	XComment
	Offset
	SizeLimit
	Encryption
	XFstabComment
	HashDevice
	RootHash
	HashOffset
	RootHashFile
	FecDevice
	FecOffset
	FecRoots
	RootHashSig
	VerityOnCorruption
)

// Flag groups of the Linux map.
const (
	SecureFlags       = unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV
	OwnerSecureFlags  = unix.MS_NOSUID | unix.MS_NODEV
	PropagationFlags  = unix.MS_SHARED | unix.MS_SLAVE | unix.MS_UNBINDABLE | unix.MS_PRIVATE
	BindSettableFlags = unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOATIME |
		unix.MS_NODIRATIME | unix.MS_RELATIME | unix.MS_RDONLY | unix.MS_NOSYMFOLLOW
)

// MapEntry describes one option of a map. The name may end with "=" when
// the option requires a value, or with "[=]" when the value is optional.
type MapEntry struct {
	Name string
	ID   uint64
	Mask int
}

// BaseName returns the entry name without the value syntax.
func (e *MapEntry) BaseName() string {
	if i := strings.IndexAny(e.Name, "[="); i > 0 {
		return e.Name[:i]
	}
	return e.Name
}

// NoValue reports whether the entry never takes a value.
func (e *MapEntry) NoValue() bool {
	return e != nil && !strings.Contains(e.Name, "=") && e.Mask&Prefix == 0
}

// RequiresValue reports whether the entry is "name=".
func (e *MapEntry) RequiresValue() bool {
	return e != nil && strings.HasSuffix(e.Name, "=") && !strings.HasSuffix(e.Name, "[=]") && e.Mask&Prefix == 0
}

// Map is an ordered option map.
type Map struct {
	Name    string
	Entries []MapEntry
}

// Lookup returns the entry matching name or nil.
func (m *Map) Lookup(name string) *MapEntry {
	if m == nil || name == "" {
		return nil
	}
	for i := range m.Entries {
		ent := &m.Entries[i]
		if ent.Mask&Prefix != 0 {
			if strings.HasPrefix(name, ent.Name) {
				return ent
			}
			continue
		}
		if !strings.HasPrefix(ent.Name, name) {
			continue
		}
		if rest := ent.Name[len(name):]; rest == "" || rest[0] == '=' || rest[0] == '[' {
			return ent
		}
	}
	return nil
}

// Lookup searches maps in order and returns the first map and entry that
// match name.
func Lookup(maps []*Map, name string) (*Map, *MapEntry) {
	for _, m := range maps {
		if ent := m.Lookup(name); ent != nil {
			return m, ent
		}
	}
	return nil, nil
}

// LinuxMap maps the kernel MS_* flags. The ro/rw pair must stay first.
var LinuxMap = &Map{
	Name: "linux",
	Entries: []MapEntry{
		{"ro", unix.MS_RDONLY, 0},
		{"rw", unix.MS_RDONLY, Invert},
		{"exec", unix.MS_NOEXEC, Invert},
		{"noexec", unix.MS_NOEXEC, 0},
		{"suid", unix.MS_NOSUID, Invert},
		{"nosuid", unix.MS_NOSUID, 0},
		{"dev", unix.MS_NODEV, Invert},
		{"nodev", unix.MS_NODEV, 0},

		{"sync", unix.MS_SYNCHRONOUS, 0},
		{"async", unix.MS_SYNCHRONOUS, Invert},

		{"dirsync", unix.MS_DIRSYNC, 0},
		{"remount", unix.MS_REMOUNT, NoMtab},
		{"bind", unix.MS_BIND, 0},
		{"rbind", unix.MS_BIND | unix.MS_REC, 0},
		{"move", unix.MS_MOVE, NoHelpers | NoMtab},

		{"silent", unix.MS_SILENT, 0},
		{"loud", unix.MS_SILENT, Invert},

		{"mand", unix.MS_MANDLOCK, 0},
		{"nomand", unix.MS_MANDLOCK, Invert},

		{"atime", unix.MS_NOATIME, Invert},
		{"noatime", unix.MS_NOATIME, 0},

		{"iversion", unix.MS_I_VERSION, 0},
		{"noiversion", unix.MS_I_VERSION, Invert},

		{"diratime", unix.MS_NODIRATIME, Invert},
		{"nodiratime", unix.MS_NODIRATIME, 0},

		{"relatime", unix.MS_RELATIME, 0},
		{"norelatime", unix.MS_RELATIME, Invert},

		{"strictatime", unix.MS_STRICTATIME, 0},
		{"nostrictatime", unix.MS_STRICTATIME, Invert},

		{"lazytime", unix.MS_LAZYTIME, 0},
		{"nolazytime", unix.MS_LAZYTIME, Invert},

		{"unbindable", unix.MS_UNBINDABLE, NoHelpers | NoMtab},
		{"runbindable", unix.MS_UNBINDABLE | unix.MS_REC, NoHelpers | NoMtab},
		{"private", unix.MS_PRIVATE, NoHelpers | NoMtab},
		{"rprivate", unix.MS_PRIVATE | unix.MS_REC, NoHelpers | NoMtab},
		{"slave", unix.MS_SLAVE, NoHelpers | NoMtab},
		{"rslave", unix.MS_SLAVE | unix.MS_REC, NoHelpers | NoMtab},
		{"shared", unix.MS_SHARED, NoHelpers | NoMtab},
		{"rshared", unix.MS_SHARED | unix.MS_REC, NoHelpers | NoMtab},

		{"symfollow", unix.MS_NOSYMFOLLOW, Invert},
		{"nosymfollow", unix.MS_NOSYMFOLLOW, 0},
	},
}

// UserspaceMap holds the options interpreted by the mount engine and
// helpers only. They are never passed to the kernel.
var UserspaceMap = &Map{
	Name: "userspace",
	Entries: []MapEntry{
		{"defaults", 0, 0},

		{"auto", NoAuto, NoHelpers | Invert | NoMtab},
		{"noauto", NoAuto, NoHelpers | NoMtab},

		{"user[=]", User, 0},
		{"nouser", User, Invert | NoMtab},

		{"users", Users, NoMtab},
		{"nousers", Users, Invert | NoMtab},

		{"owner", Owner, NoMtab},
		{"noowner", Owner, Invert | NoMtab},

		{"group", Group, NoMtab},
		{"nogroup", Group, Invert | NoMtab},

		{"_netdev", Netdev, 0},

		{"comment=", Comment, NoHelpers | NoMtab},

		{"x-", XComment, NoHelpers | Prefix},
		{"X-", XFstabComment, NoHelpers | NoMtab | Prefix},

		{"loop[=]", Loop, NoHelpers},
		{"offset=", Offset, NoHelpers | NoMtab},
		{"sizelimit=", SizeLimit, NoHelpers | NoMtab},
		{"encryption=", Encryption, NoHelpers | NoMtab},

		{"nofail", NoFail, NoMtab},

		{"uhelper=", UHelper, 0},
		{"helper=", Helper, 0},

		{"verity.hashdevice=", HashDevice, NoHelpers | NoMtab},
		{"verity.roothash=", RootHash, NoHelpers | NoMtab},
		{"verity.hashoffset=", HashOffset, NoHelpers | NoMtab},
		{"verity.roothashfile=", RootHashFile, NoHelpers | NoMtab},
		{"verity.fecdevice=", FecDevice, NoHelpers | NoMtab},
		{"verity.fecoffset=", FecOffset, NoHelpers | NoMtab},
		{"verity.fecroots=", FecRoots, NoHelpers | NoMtab},
		{"verity.roothashsig=", RootHashSig, NoHelpers | NoMtab},
		{"verity.oncorruption=", VerityOnCorruption, NoHelpers | NoMtab},
	},
}
