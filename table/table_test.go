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
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

const testFstab = `# /etc/fstab
UUID=1234-abcd  /            ext4   defaults,noatime  0 1
/dev/sdb1       /mnt/my\040data  xfs  ro,user,noauto    0 2
proc            /proc        proc   defaults          0 0
//srv/share     /mnt/share   cifs   user=bob,uid=1000

/dev/sdc1       /mnt/bare
`

const testMountinfo = `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw,errors=remount-ro
23 22 0:21 / /proc rw,nosuid,nodev,noexec,relatime shared:12 - proc proc rw
24 22 0:22 / /sys rw,nosuid,nodev,noexec,relatime - sysfs sysfs rw
40 22 8:17 / /mnt/data rw,relatime master:3 - xfs /dev/sdb1 rw,attr2
41 22 8:17 /sub /srv/bind rw,relatime - xfs /dev/sdb1 rw,attr2
`

func TestParseFstab(t *testing.T) {
	tb, err := ParseFstab(strings.NewReader(testFstab))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	type row struct {
		Source, Target, Fstype, Options, VFS, FS, User string
		Freq, Passno                                   int
	}
	var got []row
	for _, e := range tb.Entries() {
		got = append(got, row{e.Source, e.Target, e.Fstype, e.Options, e.VFSOptions, e.FSOptions, e.UserOptions, e.Freq, e.Passno})
	}
	want := []row{
		{"UUID=1234-abcd", "/", "ext4", "defaults,noatime", "noatime", "", "", 0, 1},
		{"/dev/sdb1", "/mnt/my data", "xfs", "ro,user,noauto", "ro", "", "user,noauto", 0, 2},
		{"proc", "/proc", "proc", "defaults", "", "", "", 0, 0},
		{"//srv/share", "/mnt/share", "cifs", "user=bob,uid=1000", "", "uid=1000", "user=bob", 0, 0},
		{"/dev/sdc1", "/mnt/bare", "auto", "defaults", "", "", "", 0, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestParseFstabErrors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"missing target", "/dev/sda1\n"},
		{"bad freq", "/dev/sda1 / ext4 defaults x 1\n"},
		{"bad passno", "/dev/sda1 / ext4 defaults 0 y\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFstab(strings.NewReader(tc.input))
			if !errdefs.IsInvalidArgument(err) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}
}

func TestParseMountinfo(t *testing.T) {
	tb, err := ParseMountinfo(strings.NewReader(testMountinfo))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if tb.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", tb.Len())
	}
	e := tb.Entries()[3]
	if !e.Kernel || e.ID != 40 || e.ParentID != 22 {
		t.Fatalf("unexpected ids: %+v", e)
	}
	if e.Devno != unix.Mkdev(8, 17) {
		t.Fatalf("unexpected devno %x", e.Devno)
	}
	if e.VFSOptions != "rw,relatime" || e.FSOptions != "rw,attr2" {
		t.Fatalf("unexpected options %q %q", e.VFSOptions, e.FSOptions)
	}
	if e.Options != "rw,relatime,rw,attr2" {
		t.Fatalf("unexpected merged options %q", e.Options)
	}
	if p := e.Propagation(); p != unix.MS_SLAVE {
		t.Fatalf("unexpected propagation %x", p)
	}
	if p := tb.Entries()[0].Propagation(); p != unix.MS_SHARED {
		t.Fatalf("unexpected root propagation %x", p)
	}
	if p := tb.Entries()[2].Propagation(); p != unix.MS_PRIVATE {
		t.Fatalf("unexpected sys propagation %x", p)
	}
}

func newTestMountinfo(t *testing.T) *Table {
	t.Helper()
	tb, err := ParseMountinfo(strings.NewReader(testMountinfo))
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	return tb
}

func TestIter(t *testing.T) {
	tb := New(&Entry{Target: "/a"}, &Entry{Target: "/b"}, &Entry{Target: "/c"})
	walk := func(dir Direction) string {
		var s []string
		it := NewIter(dir)
		for {
			e, ok := tb.Next(it)
			if !ok {
				break
			}
			s = append(s, e.Target)
		}
		return strings.Join(s, " ")
	}
	if got := walk(Forward); got != "/a /b /c" {
		t.Fatalf("forward: %q", got)
	}
	if got := walk(Backward); got != "/c /b /a" {
		t.Fatalf("backward: %q", got)
	}
	var empty *Table
	if _, ok := empty.Next(NewIter(Forward)); ok {
		t.Fatalf("nil table must be empty")
	}
}

func TestFind(t *testing.T) {
	tb := newTestMountinfo(t)
	testCases := []struct {
		name   string
		find   func() *Entry
		wantID int
	}{
		{"target", func() *Entry { return tb.FindTarget("/mnt/data", Backward) }, 40},
		{"target cleaned", func() *Entry { return tb.FindTarget("/mnt//data/", Backward) }, 40},
		{"source backward", func() *Entry { return tb.FindSource("/dev/sdb1", Backward) }, 41},
		{"source forward", func() *Entry { return tb.FindSource("/dev/sdb1", Forward) }, 40},
		{"pair", func() *Entry { return tb.FindPair("/dev/sdb1", "/srv/bind", Backward) }, 41},
		{"devno", func() *Entry { return tb.FindDevno(unix.Mkdev(0, 21), Forward) }, 23},
		{"mountpoint", func() *Entry { return tb.FindMountpoint("/mnt/data/a/b", Backward) }, 40},
		{"mountpoint root", func() *Entry { return tb.FindMountpoint("/usr/lib", Backward) }, 22},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := tc.find()
			if e == nil {
				t.Fatalf("nothing found")
			}
			if e.ID != tc.wantID {
				t.Fatalf("expected %d, got %d", tc.wantID, e.ID)
			}
		})
	}
	if e := tb.FindTarget("/nonexistent", Backward); e != nil {
		t.Fatalf("unexpected match %+v", e)
	}
	if e := tb.FindPair("/dev/sda1", "/mnt/data", Backward); e != nil {
		t.Fatalf("unexpected pair %+v", e)
	}
}

func TestFindTargetSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}
	canon, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatal(err)
	}
	tb := New(&Entry{Source: "/dev/sdx", Target: canon})
	if e := tb.FindTarget(link, Backward); e == nil {
		t.Fatalf("expected symlinked target to match")
	}
}

func TestIsMounted(t *testing.T) {
	tb := newTestMountinfo(t)
	testCases := []struct {
		name string
		fs   *Entry
		want bool
	}{
		{"device", &Entry{Source: "/dev/sdb1", Target: "/mnt/data", Fstype: "xfs"}, true},
		{"auto type", &Entry{Source: "/dev/sdb1", Target: "/mnt/data", Fstype: "auto"}, true},
		{"wrong type", &Entry{Source: "/dev/sdb1", Target: "/mnt/data", Fstype: "ext4"}, false},
		{"other source", &Entry{Source: "/dev/sdc1", Target: "/mnt/data", Fstype: "xfs"}, false},
		{"not mounted", &Entry{Source: "/dev/sdb1", Target: "/mnt/other", Fstype: "xfs"}, false},
		{"pseudofs", &Entry{Source: "none", Target: "/proc", Fstype: "proc"}, true},
		{"bind", &Entry{Source: "/mnt/data/sub", Target: "/srv/bind", Fstype: "none", Options: "bind"}, true},
		{"swap", &Entry{Source: "/dev/sda2", Target: "none", Fstype: "swap"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tb.IsMounted(tc.fs); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestParseTag(t *testing.T) {
	testCases := []struct {
		input     string
		name, val string
		ok        bool
	}{
		{"UUID=abcd", "UUID", "abcd", true},
		{`LABEL="my disk"`, "LABEL", "my disk", true},
		{"PARTUUID='x'", "PARTUUID", "x", true},
		{"FOO=bar", "", "", false},
		{"/dev/sda1", "", "", false},
		{"UUID=", "UUID", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			name, val, ok := ParseTag(tc.input)
			if ok != tc.ok || (ok && (name != tc.name || val != tc.val)) {
				t.Fatalf("got %q %q %v", name, val, ok)
			}
		})
	}
}

func TestResolveTag(t *testing.T) {
	dir := t.TempDir()
	old := devDiskDir
	devDiskDir = dir
	defer func() { devDiskDir = old }()

	dev := filepath.Join(dir, "sda1")
	if err := os.WriteFile(dev, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "by-label"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(dev, filepath.Join(dir, "by-label", `my\x20disk`)); err != nil {
		t.Fatal(err)
	}
	want, err := filepath.EvalSymlinks(dev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ResolveTag("LABEL", "my disk")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if _, err := ResolveTag("LABEL", "missing"); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := ResolveTag("BOGUS", "x"); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	tb := New(&Entry{Source: want, Target: "/mnt"})
	if e := tb.FindSource(`LABEL="my disk"`, Backward); e == nil {
		t.Fatalf("expected tag to resolve to the mounted device")
	}
}

func TestFilesystems(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	proc := write("proc", "nodev\tsysfs\nnodev\tproc\n\text4\n\txfs\n\tvfat\n")
	etcStar := write("etc-star", "# local\nvfat\n*\n")
	etcOnly := write("etc-only", "btrfs\next4\n")
	testCases := []struct {
		name    string
		etc     string
		pattern string
		want    []string
	}{
		{"proc only", "", "", []string{"ext4", "xfs", "vfat"}},
		{"missing etc", filepath.Join(dir, "missing"), "", []string{"ext4", "xfs", "vfat"}},
		{"star", etcStar, "", []string{"vfat", "ext4", "xfs"}},
		{"etc only", etcOnly, "", []string{"btrfs", "ext4"}},
		{"pattern", "", "noext4", []string{"xfs", "vfat"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Filesystems(tc.etc, proc, tc.pattern)
			if err != nil {
				t.Fatalf("failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("unexpected list (-want +got):\n%s", diff)
			}
		})
	}
}
