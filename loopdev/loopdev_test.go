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

package loopdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
)

type fakeLoop struct {
	name      string
	file      string
	offset    string
	sizelimit string
	autoclear string
	ro        string
}

func setupSysfs(t *testing.T, loops ...fakeLoop) {
	t.Helper()
	root := t.TempDir()
	oldSys, oldDev := sysBlock, devDir
	sysBlock, devDir = filepath.Join(root, "sys", "block"), filepath.Join(root, "dev")
	t.Cleanup(func() { sysBlock, devDir = oldSys, oldDev })
	write := func(p, data string) {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(data+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(sysBlock, "sda"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, l := range loops {
		dir := filepath.Join(sysBlock, l.name)
		write(filepath.Join(dir, "ro"), l.ro)
		if l.file == "" {
			continue
		}
		write(filepath.Join(dir, "loop", "backing_file"), l.file)
		write(filepath.Join(dir, "loop", "offset"), l.offset)
		write(filepath.Join(dir, "loop", "sizelimit"), l.sizelimit)
		write(filepath.Join(dir, "loop", "autoclear"), l.autoclear)
	}
}

func TestDeviceInfo(t *testing.T) {
	setupSysfs(t,
		fakeLoop{"loop0", "/img/a.img", "0", "0", "1", "1"},
		fakeLoop{"loop1", "/img/b.img", "4096", "0", "0", "0"},
		fakeLoop{name: "loop2", ro: "0"},
	)
	d := New(filepath.Join(devDir, "loop0"))
	if f, err := d.BackingFile(); err != nil || f != "/img/a.img" {
		t.Fatalf("unexpected backing file %q, %v", f, err)
	}
	if !d.IsAutoclear() || !d.IsReadonly() {
		t.Fatalf("loop0 must be autoclear and read-only")
	}
	d1 := New(filepath.Join(devDir, "loop1"))
	if off, err := d1.Offset(); err != nil || off != 4096 {
		t.Fatalf("unexpected offset %d, %v", off, err)
	}
	if d1.IsAutoclear() || d1.IsReadonly() {
		t.Fatalf("loop1 must not be autoclear or read-only")
	}
	if !d1.IsUsed("/img/b.img", 4096) || d1.IsUsed("/img/b.img", 0) {
		t.Fatalf("unexpected IsUsed result")
	}
	if _, err := New(filepath.Join(devDir, "loop2")).BackingFile(); !errdefs.IsNotFound(err) {
		t.Fatalf("expected not found for a detached device, got %v", err)
	}
}

func TestFindByBackingFile(t *testing.T) {
	setupSysfs(t,
		fakeLoop{"loop0", "/img/a.img", "0", "0", "0", "0"},
		fakeLoop{"loop1", "/img/b.img", "0", "0", "0", "0"},
		fakeLoop{"loop2", "/img/a.img", "0", "0", "0", "0"},
		fakeLoop{"loop3", "/img/a.img", "8192", "0", "0", "0"},
		fakeLoop{name: "loop4", ro: "0"},
	)
	devs, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 4 {
		t.Fatalf("expected 4 attached devices, got %d", len(devs))
	}
	testCases := []struct {
		file   string
		offset uint64
		want   []string
	}{
		{"/img/a.img", 0, []string{"loop0", "loop2"}},
		{"/img/a.img", 8192, []string{"loop3"}},
		{"/img/b.img", 0, []string{"loop1"}},
		{"/img/c.img", 0, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.file, func(t *testing.T) {
			devs, err := FindByBackingFile(tc.file, tc.offset)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, d := range devs {
				got = append(got, d.Name())
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestOverlaps(t *testing.T) {
	setupSysfs(t,
		fakeLoop{"loop0", "/img/a.img", "1024", "1024", "0", "0"},
	)
	testCases := []struct {
		name   string
		offset uint64
		size   uint64
		want   bool
	}{
		{"same range", 1024, 1024, false},
		{"before", 0, 1024, false},
		{"after", 2048, 0, false},
		{"inside", 1536, 256, true},
		{"whole file", 0, 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Overlaps("/img/a.img", tc.offset, tc.size)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
