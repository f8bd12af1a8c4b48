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
	"bytes"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// umount2(2) flag used to detect UMOUNT_NOFOLLOW support.
const umountUnused = 0x80000000

// Kernel is the set of system calls issued by the mount engine.
type Kernel interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error

	Fsopen(fsName string, flags int) (int, error)
	FsconfigSetString(fd int, key, value string) error
	FsconfigSetFlag(fd int, key string) error
	FsconfigCreate(fd int) error
	FsconfigReconfigure(fd int) error
	Fsmount(fd int, flags, attrs int) (int, error)
	Fspick(dirfd int, path string, flags int) (int, error)
	OpenTree(dirfd int, path string, flags uint) (int, error)
	MoveMount(fromDirfd int, fromPath string, toDirfd int, toPath string, flags int) error
	MountSetattr(dirfd int, path string, flags uint, attr *unix.MountAttr) error
	Close(fd int) error

	Unshare(flags int) error
	Setns(fd int, nstype int) error

	// Kernel features.
	FsopenSupported() bool
	MountSetattrSupported() bool
	UmountNofollowSupported() bool
}

type sysKernel struct {
	once           sync.Once
	fsopen         bool
	setattr        bool
	umountNofollow bool
}

// SystemKernel returns the Kernel backed by the real system calls.
func SystemKernel() Kernel {
	return &sysKernel{}
}

func (k *sysKernel) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (k *sysKernel) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (k *sysKernel) Fsopen(fsName string, flags int) (int, error) {
	return unix.Fsopen(fsName, flags)
}

func (k *sysKernel) FsconfigSetString(fd int, key, value string) error {
	return unix.FsconfigSetString(fd, key, value)
}

func (k *sysKernel) FsconfigSetFlag(fd int, key string) error {
	return unix.FsconfigSetFlag(fd, key)
}

func (k *sysKernel) FsconfigCreate(fd int) error {
	return unix.FsconfigCreate(fd)
}

func (k *sysKernel) FsconfigReconfigure(fd int) error {
	return unix.FsconfigReconfigure(fd)
}

func (k *sysKernel) Fsmount(fd int, flags, attrs int) (int, error) {
	return unix.Fsmount(fd, flags, attrs)
}

func (k *sysKernel) Fspick(dirfd int, path string, flags int) (int, error) {
	return unix.Fspick(dirfd, path, flags)
}

func (k *sysKernel) OpenTree(dirfd int, path string, flags uint) (int, error) {
	return unix.OpenTree(dirfd, path, flags)
}

func (k *sysKernel) MoveMount(fromDirfd int, fromPath string, toDirfd int, toPath string, flags int) error {
	return unix.MoveMount(fromDirfd, fromPath, toDirfd, toPath, flags)
}

func (k *sysKernel) MountSetattr(dirfd int, path string, flags uint, attr *unix.MountAttr) error {
	return unix.MountSetattr(dirfd, path, flags, attr)
}

func (k *sysKernel) Close(fd int) error {
	return unix.Close(fd)
}

func (k *sysKernel) Unshare(flags int) error {
	return unix.Unshare(flags)
}

func (k *sysKernel) Setns(fd int, nstype int) error {
	return unix.Setns(fd, nstype)
}

func (k *sysKernel) detectFeatures() {
	k.once.Do(func() {
		fd, err := unix.Fsopen("", unix.FSOPEN_CLOEXEC)
		if err == nil {
			unix.Close(fd)
		}
		k.fsopen = !errors.Is(err, unix.ENOSYS)

		// mount_setattr(2) reconfigures remounts correctly since 5.14
		err = unix.MountSetattr(-1, "", 0, &unix.MountAttr{})
		k.setattr = !errors.Is(err, unix.ENOSYS) && kernelAtLeast(5, 14)

		err1 := unix.Unmount("", umountUnused)
		err2 := unix.Unmount("", unix.UMOUNT_NOFOLLOW)
		k.umountNofollow = errors.Is(err1, unix.EINVAL) && errors.Is(err2, unix.ENOENT)
	})
}

func (k *sysKernel) FsopenSupported() bool {
	k.detectFeatures()
	return k.fsopen
}

func (k *sysKernel) MountSetattrSupported() bool {
	k.detectFeatures()
	return k.setattr
}

func (k *sysKernel) UmountNofollowSupported() bool {
	k.detectFeatures()
	return k.umountNofollow
}

func kernelAtLeast(major, minor int) bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	rel := uts.Release[:]
	if i := bytes.IndexByte(rel, 0); i >= 0 {
		rel = rel[:i]
	}
	parts := bytes.SplitN(rel, []byte("."), 3)
	if len(parts) < 2 {
		return false
	}
	maj, err := strconv.Atoi(string(parts[0]))
	if err != nil {
		return false
	}
	mnr, err := strconv.Atoi(string(bytes.TrimRightFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' })))
	if err != nil {
		return false
	}
	return maj > major || (maj == major && mnr >= minor)
}
