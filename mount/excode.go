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
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/options"
	"github.com/containerd/go-libmount/table"
)

// genericExcode maps err to an exit code and formats msg with it.
func genericExcode(err error, prefix string) (Excode, string) {
	if err == nil {
		return ExSuccess, ""
	}
	msg := fmt.Sprintf("%s: %v", prefix, err)
	switch errnoOf(err) {
	case unix.EINVAL, unix.EPERM:
		return ExUsage, msg
	case unix.ENOMEM:
		return ExSyserr, msg
	}
	return ExFail, msg
}

// isSharedTree reports whether dir lives on a shared mount.
func (c *Context) isSharedTree(dir string) bool {
	if dir == "" {
		return false
	}
	mi, err := c.Mountinfo()
	if err != nil {
		return false
	}
	e := mi.FindMountpoint(dir, table.Backward)
	return e != nil && e.Propagation()&unix.MS_SHARED != 0
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// MountExcode explains the result err of Mount as a mount(8) exit code
// and a message. The message is empty for plain success.
func (c *Context) MountExcode(err error) (Excode, string) {
	if c.HelperExecuted() {
		msg := ""
		if libError(err) == ErrApplyFlags {
			msg = "WARNING: failed to apply propagation flags"
		}
		return Excode(c.HelperStatus()), msg
	}
	if err == nil && c.Status() {
		if c.ForcedRdonly() {
			return ExSuccess, "WARNING: source write-protected, mounted read-only"
		}
		return ExSuccess, ""
	}

	mflags, uflags := c.MountFlags(), c.UserFlags()
	src, tgt := c.fs.Source, c.fs.Target

	if !c.SyscallCalled() {
		if errnoOf(err) == unix.EPERM {
			return ExUsage, "operation permitted for root only"
		}
		if errnoOf(err) == unix.EBUSY {
			return ExUsage, fmt.Sprintf("%s is already mounted", src)
		}
		switch libError(err) {
		case ErrNoFstab:
			switch {
			case c.swapMatch():
				return ExUsage, fmt.Sprintf("can't find in %s", c.fstabPath)
			case tgt != "":
				return ExUsage, fmt.Sprintf("can't find mount point in %s", c.fstabPath)
			}
			return ExUsage, fmt.Sprintf("can't find mount source %s in %s", src, c.fstabPath)
		case ErrAmbiFs:
			return ExUsage, fmt.Sprintf("more filesystems detected on %s; use -t <type> or wipefs(8)", src)
		case ErrNoFstype:
			if c.restricted {
				return ExUsage, "failed to determine filesystem type"
			}
			return ExUsage, "no filesystem type specified"
		case ErrNoSource:
			if uflags&options.NoFail != 0 {
				return ExSuccess, ""
			}
			if src != "" {
				return ExUsage, fmt.Sprintf("can't find %s", src)
			}
			return ExUsage, "no mount source specified"
		case ErrMountOpt:
			return ExUsage, fmt.Sprintf("failed to parse mount options '%s'",
				c.optlist.String(nil, options.FilterAll))
		case ErrLoopDev:
			return ExFail, fmt.Sprintf("failed to setup loop device for %s", src)
		case ErrLoopOverlap:
			return ExFail, fmt.Sprintf("overlapping loop device exists for %s", src)
		case ErrLock:
			return ExFileIO, "locking failed"
		case ErrNamespace:
			return ExSyserr, "failed to switch namespace"
		case ErrOnlyOnce:
			return ExUsage, fmt.Sprintf("%s is already mounted", tgt)
		}
		return genericExcode(err, "mount failed")
	}

	if c.SyscallErrno() == 0 {
		switch libError(err) {
		case ErrLock:
			return ExFileIO, "filesystem was mounted, but failed to update userspace mount table"
		case ErrNamespace:
			return ExSyserr, "filesystem was mounted, but failed to switch namespace back"
		}
		if err != nil {
			return genericExcode(err, "filesystem was mounted, but any subsequent operation failed")
		}
		return ExSoftware, ""
	}

	var msg string
	switch errno := c.SyscallErrno(); errno {
	case unix.EPERM:
		switch {
		case c.restricted:
			msg = "must be superuser to use mount"
		case !isDir(tgt):
			msg = "mount point is not a directory"
		default:
			msg = "permission denied"
		}
	case unix.EBUSY:
		msg = c.busyMessage(mflags, src, tgt)
	case unix.ENOENT:
		var st unix.Stat_t
		switch {
		case tgt != "" && unix.Lstat(tgt, &st) != nil:
			msg = "mount point does not exist"
		case tgt != "" && !pathExists(tgt):
			msg = "mount point is a symbolic link to nowhere"
		case src != "" && filepath.IsAbs(src) && !pathExists(src):
			if uflags&options.NoFail != 0 {
				return ExSuccess, ""
			}
			msg = fmt.Sprintf("special device %s does not exist", src)
		default:
			msg = fmt.Sprintf("mount(2) system call failed: %v", errno)
		}
	case unix.ENOTDIR:
		switch {
		case !isDir(tgt):
			msg = "mount point is not a directory"
		case src != "" && filepath.IsAbs(src) && !pathExists(src):
			msg = fmt.Sprintf("special device %s does not exist (a path prefix is not a directory)", src)
		default:
			msg = fmt.Sprintf("mount(2) system call failed: %v", errno)
		}
	case unix.EINVAL:
		switch {
		case mflags&unix.MS_REMOUNT != 0:
			msg = "mount point not mounted or bad option"
		case libError(err) == ErrApplyFlags:
			msg = "not mount point or bad option"
		case mflags&unix.MS_MOVE != 0 && c.isSharedTree(filepath.Dir(src)):
			msg = "bad option; moving a mount residing under a shared mount is unsupported"
		case c.fs.IsNetfs():
			msg = "bad option; for several filesystems (e.g. nfs, cifs) you might need a /sbin/mount.<type> helper program"
		default:
			msg = fmt.Sprintf("wrong fs type, bad option, bad superblock on %s, missing codepage or helper program, or other error", src)
		}
	case unix.EMFILE:
		msg = "mount table full"
	case unix.EIO:
		msg = fmt.Sprintf("can't read superblock on %s", src)
	case unix.ENODEV:
		if typ := c.fs.Fstype; typ != "" {
			msg = fmt.Sprintf("unknown filesystem type '%s'", typ)
		} else {
			msg = "unknown filesystem type"
		}
	case unix.ENOTBLK:
		if uflags&options.NoFail != 0 {
			return ExSuccess, ""
		}
		var st unix.Stat_t
		switch {
		case unix.Stat(src, &st) != nil:
			msg = fmt.Sprintf("%s is not a block device, and stat(2) fails?", src)
		case st.Mode&unix.S_IFMT == unix.S_IFBLK:
			msg = fmt.Sprintf("the kernel does not recognize %s as a block device; maybe \"modprobe driver\" is necessary", src)
		case st.Mode&unix.S_IFMT == unix.S_IFREG:
			msg = fmt.Sprintf("%s is not a block device; try \"-o loop\"", src)
		default:
			msg = fmt.Sprintf("%s is not a block device", src)
		}
	case unix.ENXIO:
		if uflags&options.NoFail != 0 {
			return ExSuccess, ""
		}
		msg = fmt.Sprintf("%s is not a valid block device", src)
	case unix.EACCES, unix.EROFS:
		switch {
		case mflags&unix.MS_RDONLY != 0:
			msg = fmt.Sprintf("cannot mount %s read-only", src)
		case c.Enabled(FlagRWOnly):
			msg = fmt.Sprintf("%s is write-protected but explicit read-write mode requested", src)
		case mflags&unix.MS_REMOUNT != 0:
			msg = fmt.Sprintf("cannot remount %s read-write, is write-protected", src)
		case mflags&unix.MS_BIND != 0:
			msg = fmt.Sprintf("bind %s failed", src)
		default:
			msg = fmt.Sprintf("mount(2) system call failed: %v", errno)
		}
	case unix.ENOMEDIUM:
		if uflags&options.NoFail != 0 {
			return ExSuccess, ""
		}
		msg = fmt.Sprintf("no medium found on %s", src)
	case unix.EBADMSG:
		var st unix.Stat_t
		if src != "" && unix.Stat(src, &st) == nil &&
			(st.Mode&unix.S_IFMT == unix.S_IFBLK || st.Mode&unix.S_IFMT == unix.S_IFREG) {
			msg = fmt.Sprintf("cannot mount; probably corrupted filesystem on %s", src)
			break
		}
		msg = fmt.Sprintf("%s(2) system call failed: %v", c.SyscallName(), errno)
	default:
		msg = fmt.Sprintf("%s(2) system call failed: %v", c.SyscallName(), errno)
	}
	return ExFail, msg
}

func (c *Context) busyMessage(mflags uint64, src, tgt string) string {
	if mflags&unix.MS_REMOUNT != 0 {
		return "mount point is busy"
	}
	if src == "" {
		return "target is busy"
	}
	mi, err := c.Mountinfo()
	if err != nil {
		return fmt.Sprintf("%s already mounted or mount point busy", src)
	}
	if e := mi.FindSource(src, table.Forward); e != nil {
		if e.Target == tgt {
			return fmt.Sprintf("%s already mounted on %s", src, tgt)
		}
		return fmt.Sprintf("%s already mounted or mount point busy", src)
	}
	return "mount point is busy"
}

// UmountExcode explains the result err of Umount as a umount(8) exit
// code and a message.
func (c *Context) UmountExcode(err error) (Excode, string) {
	if c.HelperExecuted() {
		return Excode(c.HelperStatus()), ""
	}
	if err == nil && c.Status() {
		return ExSuccess, ""
	}
	if !c.SyscallCalled() {
		if errnoOf(err) == unix.EPERM && !c.TabApplied() {
			return ExUsage, "not mounted"
		}
		switch libError(err) {
		case ErrLock:
			return ExFileIO, "locking failed"
		case ErrNamespace:
			return ExSyserr, "failed to switch namespace"
		}
		return genericExcode(err, "umount failed")
	}
	if c.SyscallErrno() == 0 {
		switch libError(err) {
		case ErrLock:
			return ExFileIO, "filesystem was unmounted, but failed to update userspace mount table"
		case ErrNamespace:
			return ExSyserr, "filesystem was unmounted, but failed to switch namespace back"
		}
		if err != nil {
			return genericExcode(err, "filesystem was unmounted, but any subsequent operation failed")
		}
		return ExSoftware, ""
	}
	switch errno := c.SyscallErrno(); errno {
	case unix.ENXIO:
		return ExFail, "invalid block device"
	case unix.EINVAL:
		return ExFail, "not mounted"
	case unix.EIO:
		return ExFail, "can't write superblock"
	case unix.EBUSY:
		return ExFail, "target is busy"
	case unix.ENOENT:
		return ExFail, "no mount point specified"
	case unix.EPERM:
		return ExFail, "must be superuser to unmount"
	case unix.EACCES:
		return ExFail, "block devices are not permitted on filesystem"
	default:
		return genericExcode(errno, "umount(2) system call failed")
	}
}
