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

package mount

import (
	"context"
	"fmt"
	"io"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/loopdev"
	"github.com/containerd/go-libmount/table"
)

// fakeKernel records the system calls instead of issuing them.
type fakeKernel struct {
	fdAPI bool

	// mountErr, when set, decides the result of mount(2)
	mountErr   func(source, target, fstype string, flags uintptr) error
	unmountErr func(target string, flags int) error
	setnsErr   func(fd int) error

	calls  []string
	nextFd int
	open   map[int]bool
	attrs  []unix.MountAttr
}

func newFakeKernel(fdAPI bool) *fakeKernel {
	return &fakeKernel{fdAPI: fdAPI, nextFd: 100, open: map[int]bool{}}
}

func (k *fakeKernel) record(format string, args ...interface{}) {
	k.calls = append(k.calls, fmt.Sprintf(format, args...))
}

func (k *fakeKernel) newFd() int {
	k.nextFd++
	k.open[k.nextFd] = true
	return k.nextFd
}

func (k *fakeKernel) Mount(source, target, fstype string, flags uintptr, data string) error {
	k.record("mount %s %s %s %#x %q", source, target, fstype, flags, data)
	if k.mountErr != nil {
		return k.mountErr(source, target, fstype, flags)
	}
	return nil
}

func (k *fakeKernel) Unmount(target string, flags int) error {
	k.record("umount %s %#x", target, flags)
	if k.unmountErr != nil {
		return k.unmountErr(target, flags)
	}
	return nil
}

func (k *fakeKernel) Fsopen(fsName string, flags int) (int, error) {
	if !k.fdAPI {
		return -1, unix.ENOSYS
	}
	k.record("fsopen %s", fsName)
	return k.newFd(), nil
}

func (k *fakeKernel) FsconfigSetString(fd int, key, value string) error {
	k.record("fsconfig %s=%s", key, value)
	return nil
}

func (k *fakeKernel) FsconfigSetFlag(fd int, key string) error {
	k.record("fsconfig %s", key)
	return nil
}

func (k *fakeKernel) FsconfigCreate(fd int) error {
	k.record("fsconfig create")
	return nil
}

func (k *fakeKernel) FsconfigReconfigure(fd int) error {
	k.record("fsconfig reconfigure")
	return nil
}

func (k *fakeKernel) Fsmount(fd int, flags, attrs int) (int, error) {
	k.record("fsmount")
	return k.newFd(), nil
}

func (k *fakeKernel) Fspick(dirfd int, path string, flags int) (int, error) {
	k.record("fspick")
	return k.newFd(), nil
}

func (k *fakeKernel) OpenTree(dirfd int, path string, flags uint) (int, error) {
	if !k.fdAPI {
		return -1, unix.ENOSYS
	}
	k.record("open_tree %s", path)
	return k.newFd(), nil
}

func (k *fakeKernel) MoveMount(fromDirfd int, fromPath string, toDirfd int, toPath string, flags int) error {
	k.record("move_mount %s", toPath)
	return nil
}

func (k *fakeKernel) MountSetattr(dirfd int, path string, flags uint, attr *unix.MountAttr) error {
	k.record("mount_setattr")
	k.attrs = append(k.attrs, *attr)
	return nil
}

func (k *fakeKernel) Close(fd int) error {
	delete(k.open, fd)
	return nil
}

func (k *fakeKernel) Unshare(flags int) error {
	k.record("unshare %#x", flags)
	return nil
}

func (k *fakeKernel) Setns(fd int, nstype int) error {
	k.record("setns %d", fd)
	if k.setnsErr != nil {
		return k.setnsErr(fd)
	}
	return nil
}

func (k *fakeKernel) FsopenSupported() bool { return k.fdAPI }

func (k *fakeKernel) MountSetattrSupported() bool { return k.fdAPI }

func (k *fakeKernel) UmountNofollowSupported() bool { return true }

type fakeLoop struct {
	// devices maps /dev/loopN to its backing file
	devices   map[string]string
	readonly  map[string]bool
	autoclear map[string]bool
	setup     []loopdev.Config
	deleted   []string
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		devices:   map[string]string{},
		readonly:  map[string]bool{},
		autoclear: map[string]bool{},
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (l *fakeLoop) Setup(ctx context.Context, cfg loopdev.Config) (string, io.Closer, error) {
	dev := cfg.Device
	if dev == "" {
		dev = fmt.Sprintf("/dev/loop%d", len(l.devices))
	}
	l.devices[dev] = cfg.File
	l.readonly[dev] = cfg.Readonly
	l.autoclear[dev] = cfg.Autoclear
	l.setup = append(l.setup, cfg)
	return dev, nopCloser{}, nil
}

func (l *fakeLoop) Delete(dev string) error {
	l.deleted = append(l.deleted, dev)
	delete(l.devices, dev)
	return nil
}

func (l *fakeLoop) IsLoop(path string) bool {
	_, ok := l.devices[path]
	return ok
}

func (l *fakeLoop) BackingFile(dev string) (string, error) { return l.devices[dev], nil }

func (l *fakeLoop) IsAutoclear(dev string) bool { return l.autoclear[dev] }

func (l *fakeLoop) IsReadonly(dev string) bool { return l.readonly[dev] }

func (l *fakeLoop) IsUsed(dev, file string, offset uint64) bool {
	return l.devices[dev] == file && offset == 0
}

func (l *fakeLoop) FindByBackingFile(file string, offset uint64) ([]string, error) {
	return l.ListByBackingFile(file)
}

func (l *fakeLoop) ListByBackingFile(file string) ([]string, error) {
	var res []string
	for dev, f := range l.devices {
		if f == file {
			res = append(res, dev)
		}
	}
	return res, nil
}

func (l *fakeLoop) Overlaps(file string, offset, size uint64) (bool, error) { return false, nil }

type fakeLabels struct {
	enabled bool
	label   string
}

func (l fakeLabels) Enabled() bool { return l.enabled }

func (l fakeLabels) FileLabel(path string) (string, error) { return l.label, nil }

type fakeRunner struct {
	status int
	runs   [][]string
}

func (r *fakeRunner) Run(ctx context.Context, path string, args []string) (int, error) {
	r.runs = append(r.runs, append([]string{path}, args...))
	return r.status, nil
}

func newEntry(t *testing.T, src, target, fstype, opts string) *table.Entry {
	t.Helper()
	e := &table.Entry{Source: src, Target: target, Fstype: fstype}
	if err := e.SetOptions(opts); err != nil {
		t.Fatalf("failed to set options %q: %v", opts, err)
	}
	return e
}

func staticTable(entries ...*table.Entry) func() (*table.Table, error) {
	return func() (*table.Table, error) { return table.New(entries...), nil }
}

// newTestContext returns a privileged Context on fakes, without helpers
// and with empty tables.
func newTestContext(t *testing.T, k *fakeKernel, opts ...Opt) *Context {
	t.Helper()
	base := []Opt{
		WithKernel(k),
		WithLoopDevices(newFakeLoop()),
		WithLabelResolver(fakeLabels{}),
		WithHelperRunner(&fakeRunner{}),
		WithFstab(table.New()),
		WithMountinfo(staticTable()),
		WithRestricted(false),
		WithCredentials(0, 0),
		WithForceMount2(""),
		WithRuntimeDir(t.TempDir()),
	}
	c := New(append(base, opts...)...)
	c.Enable(FlagNoHelpers, true)
	t.Cleanup(func() { c.Close() })
	return c
}
