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

// Package table provides mount entries and tables of them, as read from
// fstab, /proc/self/mountinfo and the userspace mount table.
package table

import (
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/options"
)

// Entry describes one filesystem.
type Entry struct {
	ID       int
	ParentID int
	Devno    uint64

	Source  string
	Target  string
	Fstype  string
	Root    string
	Bindsrc string

	// Options is the complete option string; the other option fields are
	// derived from it by SetOptions, except for mountinfo entries where
	// the per-mount and superblock options come from the kernel.
	Options     string
	VFSOptions  string
	FSOptions   string
	UserOptions string

	// Optional holds the mountinfo optional fields, e.g. "shared:1".
	Optional string

	Freq   int
	Passno int

	// Kernel is set for entries read from mountinfo.
	Kernel bool
}

// SetOptions replaces the option string and refreshes the partitions.
func (e *Entry) SetOptions(s string) error {
	user, vfs, fs, err := options.Split(s, 0, 0)
	if err != nil {
		return err
	}
	e.Options = s
	e.VFSOptions, e.FSOptions, e.UserOptions = vfs, fs, user
	return nil
}

// AppendUserOptions adds userspace options, as merged from the userspace
// mount table into a kernel entry.
func (e *Entry) AppendUserOptions(s string) {
	if s == "" {
		return
	}
	if e.UserOptions == "" {
		e.UserOptions = s
	} else {
		e.UserOptions += "," + s
	}
	if e.Options == "" {
		e.Options = s
	} else {
		e.Options += "," + s
	}
}

// Copy returns a copy of e.
func (e *Entry) Copy() *Entry {
	c := *e
	return &c
}

var tagNames = []string{"LABEL", "UUID", "PARTUUID", "PARTLABEL", "ID"}

// Tag returns the tag name and value when the source is NAME=value.
func (e *Entry) Tag() (name, value string, ok bool) {
	return ParseTag(e.Source)
}

// ParseTag splits NAME=value sources. Quotes around the value are removed.
func ParseTag(s string) (name, value string, ok bool) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return "", "", false
	}
	name, value = s[:i], s[i+1:]
	found := false
	for _, t := range tagNames {
		if t == name {
			found = true
			break
		}
	}
	if !found {
		return "", "", false
	}
	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
		value = value[1 : len(value)-1]
	}
	return name, value, value != ""
}

// SrcPath returns the source when it is not a tag.
func (e *Entry) SrcPath() string {
	if _, _, ok := e.Tag(); ok {
		return ""
	}
	return e.Source
}

// IsSwaparea reports whether the entry describes swap.
func (e *Entry) IsSwaparea() bool {
	return e.Fstype == "swap"
}

// IsNetfs reports whether the entry uses a network filesystem.
func (e *Entry) IsNetfs() bool {
	return e.Fstype != "" && IsNetfsType(e.Fstype)
}

// IsPseudofs reports whether the entry uses a filesystem without a device.
func (e *Entry) IsPseudofs() bool {
	return e.Fstype != "" && IsPseudofsType(e.Fstype)
}

// MatchFstype matches the filesystem type against a "-t" pattern.
func (e *Entry) MatchFstype(pattern string) bool {
	return options.MatchFstype(e.Fstype, pattern)
}

// MatchOptions matches the options against a "-O" pattern.
func (e *Entry) MatchOptions(pattern string) bool {
	return options.MatchOptions(e.Options, pattern)
}

// Propagation returns the propagation flags from the mountinfo optional
// fields.
func (e *Entry) Propagation() uint64 {
	if !e.Kernel {
		return 0
	}
	var fl uint64
	for _, f := range strings.Fields(e.Optional) {
		switch {
		case strings.HasPrefix(f, "shared:"):
			fl |= unix.MS_SHARED
		case strings.HasPrefix(f, "master:"):
			fl |= unix.MS_SLAVE
		case f == "unbindable":
			fl |= unix.MS_UNBINDABLE
		}
	}
	if fl == 0 {
		fl = unix.MS_PRIVATE
	}
	return fl
}

var pseudofs = []string{
	"anon_inodefs", "autofs", "bdev", "binfmt_misc", "cgroup", "configfs",
	"cpuset", "debugfs", "devfs", "devpts", "devtmpfs", "dlmfs", "efivarfs",
	"fuse.gvfs-fuse-daemon", "fusectl", "hugetlbfs", "mqueue", "nfsd",
	"none", "pipefs", "proc", "pstore", "ramfs", "rootfs", "rpc_pipefs",
	"securityfs", "sockfs", "spufs", "sysfs", "tmpfs",
}

func init() {
	sort.Strings(pseudofs)
}

// IsPseudofsType reports whether typ needs no source device.
func IsPseudofsType(typ string) bool {
	i := sort.SearchStrings(pseudofs, typ)
	return i < len(pseudofs) && pseudofs[i] == typ
}

// IsNetfsType reports whether typ is a network filesystem.
func IsNetfsType(typ string) bool {
	switch typ {
	case "cifs", "smbfs", "afs", "ncpfs":
		return true
	}
	return strings.HasPrefix(typ, "nfs") || strings.HasPrefix(typ, "9p")
}
