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
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestNextOption(t *testing.T) {
	type opt struct{ name, value string }
	testCases := []struct {
		in   string
		want []opt
	}{
		{"", nil},
		{"ro", []opt{{"ro", ""}}},
		{",,ro,,size=1,", []opt{{"ro", ""}, {"size", "1"}}},
		{`context="a,b",rw`, []opt{{"context", `"a,b"`}, {"rw", ""}}},
		{"a=b=c", []opt{{"a", "b=c"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			var got []opt
			s := tc.in
			for {
				name, value, rest, err := NextOption(s)
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = append(got, opt{name, value})
				s = rest
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("option %d: got %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestStringOps(t *testing.T) {
	testCases := []struct {
		name string
		do   func() (string, error)
		want string
	}{
		{"set existing", func() (string, error) { return SetOption("ro,size=1", "size", "2") }, "ro,size=2"},
		{"set missing", func() (string, error) { return SetOption("ro", "size", "2") }, "ro,size=2"},
		{"set drops value", func() (string, error) { return SetOption("ro,size=1", "size", "") }, "ro,size"},
		{"remove", func() (string, error) { return RemoveOption("a,b,c", "b") }, "a,c"},
		{"remove missing", func() (string, error) { return RemoveOption("a,c", "b") }, "a,c"},
		{"dedup", func() (string, error) { return DeduplicateOption("a=1,b,a=2", "a") }, "b,a=2"},
		{"append", func() (string, error) { return AppendOption("ro", "x", "1"), nil }, "ro,x=1"},
		{"prepend", func() (string, error) { return PrependOption("", "rw", ""), nil }, "rw"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.do()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGetOption(t *testing.T) {
	v, found, err := GetOption("ro,user=bob,noauto", "user")
	if err != nil || !found || v != "bob" {
		t.Fatalf("got (%q, %v, %v), want (bob, true, nil)", v, found, err)
	}
	if HasOption("ro,users", "user") {
		t.Fatalf("user must not match users")
	}
}

func TestSplit(t *testing.T) {
	user, vfs, fs, err := Split("ro,noauto,size=1,user=bob,x-foo,defaults,ro=vfs", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "noauto,user=bob,x-foo" {
		t.Fatalf("unexpected user options %q", user)
	}
	if vfs != "ro" {
		t.Fatalf("unexpected vfs options %q", vfs)
	}
	if fs != "size=1,ro=vfs" {
		t.Fatalf("unexpected fs options %q", fs)
	}
	user, _, _, err = Split("noauto,user", NoMtab, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "user" {
		t.Fatalf("noauto must be ignored, got %q", user)
	}
}

func TestGetFlags(t *testing.T) {
	testCases := []struct {
		in   string
		m    *Map
		want uint64
	}{
		{"ro,nosuid,exec", LinuxMap, unix.MS_RDONLY | unix.MS_NOSUID},
		{"noexec,exec", LinuxMap, 0},
		{"user", LinuxMap, SecureFlags},
		{"users,ro", LinuxMap, SecureFlags | unix.MS_RDONLY},
		{"user=bob", LinuxMap, 0},
		{"owner", LinuxMap, OwnerSecureFlags},
		{"group", LinuxMap, OwnerSecureFlags},
		{"nouser,noauto", LinuxMap, 0},
		{"ro=recursive", LinuxMap, 0},
		{"noauto,user,loop=/dev/loop0,size=1", UserspaceMap, NoAuto | User | Loop},
		{"auto", UserspaceMap, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := GetFlags(tc.in, tc.m)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#x, want %#x", got, tc.want)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	testCases := []struct {
		in   string
		fl   uint64
		want string
	}{
		{"noexec,size=1", unix.MS_RDONLY | unix.MS_NOSUID, "ro,size=1,nosuid"},
		{"rw,bind", unix.MS_BIND | unix.MS_REC, "rw,bind,rbind"},
		{"runbindable,ro,nomand", unix.MS_UNBINDABLE, "rw,unbindable"},
		{"rbind,unbindable,sync", unix.MS_BIND, "rw,bind"},
		{"", 0, "rw"},
		{"ro,nodev", unix.MS_NODEV, "rw,nodev"},
		{"exec,noatime", unix.MS_RDONLY, "ro"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ApplyFlags(tc.in, tc.fl, LinuxMap)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestApplyFlagsRoundTrip(t *testing.T) {
	bases := []string{"", "exec,dev", "ro,noatime,size=2", "nosuid,nosuid", "rw,sync,mode=0755"}
	flags := []uint64{
		0,
		unix.MS_RDONLY | unix.MS_NOEXEC | unix.MS_NODEV,
		unix.MS_NOATIME | unix.MS_SYNCHRONOUS,
		unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC,
		unix.MS_BIND | unix.MS_REC,
	}
	for _, s := range bases {
		for _, fl := range flags {
			out, err := ApplyFlags(s, fl, LinuxMap)
			if err != nil {
				t.Fatalf("ApplyFlags(%q, %#x): %v", s, fl, err)
			}
			got, err := GetFlags(out, LinuxMap)
			if err != nil {
				t.Fatalf("GetFlags(%q): %v", out, err)
			}
			if got != fl {
				t.Fatalf("ApplyFlags(%q, %#x) = %q folds to %#x", s, fl, out, got)
			}
		}
	}
}

func TestApplyFlagsRandom(t *testing.T) {
	var names []string
	var ids []uint64
	for _, ent := range LinuxMap.Entries {
		names = append(names, ent.Name)
		if ent.Mask&Invert == 0 {
			ids = append(ids, ent.ID)
		}
	}
	names = append(names, "size=1", "mode=0755", "foo")

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		var opts []string
		for n := r.Intn(6); n > 0; n-- {
			opts = append(opts, names[r.Intn(len(names))])
		}
		var fl uint64
		for n := r.Intn(5); n > 0; n-- {
			fl |= ids[r.Intn(len(ids))]
		}
		s := strings.Join(opts, ",")
		out, err := ApplyFlags(s, fl, LinuxMap)
		if err != nil {
			t.Fatalf("ApplyFlags(%q, %#x): %v", s, fl, err)
		}
		got, err := GetFlags(out, LinuxMap)
		if err != nil {
			t.Fatalf("GetFlags(%q): %v", out, err)
		}
		if got != fl {
			t.Fatalf("ApplyFlags(%q, %#x) = %q folds to %#x", s, fl, out, got)
		}
	}
}

func TestParseError(t *testing.T) {
	ls := NewList()
	if err := ls.AppendOptstr("ro,offset", nil); !errors.Is(err, ErrParse) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if ls.Len() != 0 {
		t.Fatalf("failed parse must not modify the list")
	}
}

func TestImpliedFlags(t *testing.T) {
	testCases := []struct {
		name      string
		userFlags uint64
		flags     uint64
		after     uint64
	}{
		{"user", User, SecureFlags, User},
		{"users", Users | NoAuto, SecureFlags, Users},
		{"owner wins", Owner | User, OwnerSecureFlags, Owner},
		{"group", Group, OwnerSecureFlags, Group},
		{"none", NoAuto | Netdev, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			flags, after := ImpliedFlags(tc.userFlags)
			if flags != tc.flags || after != tc.after {
				t.Fatalf("expected %#x after %#x, got %#x after %#x", tc.flags, tc.after, flags, after)
			}
		})
	}
}
