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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/metrics"
	"github.com/containerd/go-libmount/options"
	"github.com/containerd/go-libmount/table"
	"github.com/containerd/go-libmount/utab"
)

// FindUmountFs returns the mount table entry umount would act on for tgt,
// nil when there is none. tgt may be the mount point, the source, or with
// swap matching a loop backing file.
func (c *Context) FindUmountFs(tgt string) (*table.Entry, error) {
	if tgt == "" {
		return nil, fmt.Errorf("no umount target: %w", unix.EINVAL)
	}
	mi, err := c.Mountinfo()
	if err != nil {
		return nil, err
	}
	loopdev := ""
	for {
		if e := mi.FindTarget(tgt, table.Backward); e != nil {
			return e, nil
		}
		if !c.swapMatch() {
			return nil, nil
		}
		if e := mi.FindSource(tgt, table.Backward); e != nil {
			if top := mi.FindTarget(e.Target, table.Backward); top != e {
				return nil, fmt.Errorf("%s: another filesystem is mounted over it on the same point: %w",
					tgt, unix.EINVAL)
			}
			return e, nil
		}
		if loopdev != "" {
			return nil, nil
		}
		st, err := os.Stat(tgt)
		if err != nil || !st.Mode().IsRegular() {
			return nil, nil
		}
		bf := canonicalize(tgt)
		devs, err := c.loop.ListByBackingFile(bf)
		if err != nil || len(devs) == 0 {
			return nil, nil
		}
		if len(devs) > 1 {
			log.G(c.ctx).WithField("file", bf).Warn("file is associated with more than one loop device")
			return nil, nil
		}
		loopdev = devs[0]
		tgt = loopdev
	}
}

// lookupUmountFs completes the request from the mount table.
func (c *Context) lookupUmountFs() error {
	tgt := c.fs.Target
	if tgt == "" {
		tgt = c.fs.Source
	}
	e, err := c.FindUmountFs(tgt)
	if err != nil {
		return err
	}
	if e == nil {
		log.G(c.ctx).WithField("target", tgt).Debug("umount: not found in mount table")
		return nil
	}
	c.fs = e.Copy()
	c.state |= flTabApplied
	if err := c.optlist.SetOptstr(e.Options, nil); err != nil {
		return wrapf(ErrMountOpt, "%v", err)
	}
	return nil
}

// PrepareUmount locates the filesystem, checks permissions and selects
// the umount helper.
func (c *Context) PrepareUmount(ctx context.Context) (retErr error) {
	c.use(ctx)
	if c.fs.IsSwaparea() {
		return fmt.Errorf("cannot umount swap area: %w", unix.EINVAL)
	}
	if c.fs.Source == "" && c.fs.Target == "" {
		return fmt.Errorf("neither source nor target specified: %w", unix.EINVAL)
	}
	if c.state&flPrepared != 0 {
		return nil
	}
	c.action = ActionUmount

	old, err := c.switchTargetNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	if err := c.lookupUmountFs(); err != nil {
		return err
	}
	if err := c.mergeMflags(); err != nil {
		return err
	}
	if err := c.evaluateUmountPermissions(); err != nil {
		return err
	}
	if !c.Enabled(FlagNoHelpers) && c.helper == "" {
		if err := c.prepareHelperFromOption("helper"); err != nil {
			return err
		}
		if c.helper == "" {
			if err := c.prepareHelper("umount", ""); err != nil {
				return err
			}
		}
	}

	if c.Enabled(FlagLoopDelete) || c.UserFlags()&options.Loop != 0 {
		c.state |= flLoopDel
	}
	if c.state&flLoopDel != 0 {
		src := c.fs.SrcPath()
		if src == "" || !c.loop.IsLoop(src) || c.loop.IsAutoclear(src) {
			c.state &^= flLoopDel
		}
	}
	c.state |= flPrepared
	log.G(c.ctx).WithField("target", c.fs.Target).Debug("umount prepared")
	return nil
}

func (c *Context) prepareHelperFromOption(name string) error {
	o := c.optlist.Named(name, options.UserspaceMap)
	if o == nil || !o.HasValue() {
		return nil
	}
	return c.prepareHelper("umount", o.Value())
}

func isFuse(typ string) bool {
	return typ == "fuse" || typ == "fuseblk" ||
		strings.HasPrefix(typ, "fuse.") || strings.HasPrefix(typ, "fuseblk.")
}

// isFuseUserMount reports a FUSE filesystem mounted by the caller.
func (c *Context) isFuseUserMount() bool {
	if !isFuse(c.fs.Fstype) {
		return false
	}
	s := c.fs.FSOptions
	if s == "" {
		s = c.fs.Options
	}
	v, ok, err := options.GetOption(s, "user_id")
	if err != nil || !ok {
		return false
	}
	uid, err := strconv.Atoi(v)
	return err == nil && uid == c.uid
}

// isAssociated reports whether dev is a loop device attached to the
// source of the fstab entry fs.
func (c *Context) isAssociated(dev string, fs *table.Entry) bool {
	if dev == "" || fs.Source == "" || !c.loop.IsLoop(dev) {
		return false
	}
	var offset uint64
	if v, ok, err := options.GetOption(fs.UserOptions, "offset"); err == nil && ok {
		if offset, err = strconv.ParseUint(v, 0, 64); err != nil {
			return false
		}
	}
	return c.loop.IsUsed(dev, canonicalize(fs.Source), offset)
}

// evaluateUmountPermissions checks that a restricted caller may unmount
// the filesystem.
func (c *Context) evaluateUmountPermissions() error {
	if !c.restricted {
		return nil
	}
	tgt := c.fs.Target
	if !c.TabApplied() {
		return fmt.Errorf("%s not found in mount table: %w", tgt, unix.EPERM)
	}
	if !c.Enabled(FlagNoHelpers) && c.helper == "" {
		if err := c.prepareHelperFromOption("uhelper"); err != nil {
			return err
		}
		if c.helper != "" {
			return nil
		}
	}
	if c.isFuseUserMount() {
		return nil
	}

	fstab, err := c.Fstab()
	if err != nil {
		return err
	}
	src := c.fs.Source
	if c.fs.Bindsrc != "" {
		src = c.fs.Bindsrc
	}
	fs := fstab.FindPair(src, tgt, table.Forward)
	if fs == nil {
		// "/home/user/file.img /mnt" in fstab with /dev/loopN in the mount table
		if fs = fstab.FindTarget(tgt, table.Forward); fs != nil && !c.isAssociated(src, fs) {
			fs = nil
		}
	}
	if fs == nil {
		return fmt.Errorf("%s not found in fstab: %w", tgt, unix.EPERM)
	}
	uflags, err := options.GetFlags(fs.UserOptions, options.UserspaceMap)
	if err != nil {
		return wrapf(ErrMountOpt, "%v", err)
	}
	if uflags&options.Users != 0 {
		return nil
	}
	if uflags&(options.User|options.Owner|options.Group) == 0 {
		return fmt.Errorf("umount of %s not permitted by fstab: %w", tgt, unix.EPERM)
	}
	o := c.optlist.Named("user", options.UserspaceMap)
	if o == nil || !o.HasValue() {
		return fmt.Errorf("%s was not mounted by a user: %w", tgt, unix.EPERM)
	}
	name, err := options.Username(c.uid)
	if err != nil || name != o.Value() {
		return fmt.Errorf("%s was mounted by %s: %w", tgt, o.Value(), unix.EPERM)
	}
	return nil
}

func (c *Context) execUmountHelper() error {
	if c.IsFake() {
		c.helperExecuted = true
		c.helperStatus = 0
		return nil
	}
	args := []string{c.fs.Target}
	if c.Enabled(FlagNoMtab) {
		args = append(args, "-n")
	}
	if c.Enabled(FlagLazy) {
		args = append(args, "-l")
	}
	if c.Enabled(FlagForce) {
		args = append(args, "-f")
	}
	if c.Enabled(FlagVerbose) {
		args = append(args, "-v")
	}
	if c.Enabled(FlagRdonlyUmount) {
		args = append(args, "-r")
	}
	if t := c.helperType(); t != "" {
		args = append(args, "-t", t)
	}
	return c.runHelper(args)
}

func (c *Context) doUmount() error {
	if c.helper != "" {
		return c.execUmountHelper()
	}
	target := c.fs.Target
	flags := 0
	if c.restricted && c.kernel.UmountNofollowSupported() {
		flags |= unix.UMOUNT_NOFOLLOW
	}
	if c.Enabled(FlagLazy) {
		flags |= unix.MNT_DETACH
	}
	if c.Enabled(FlagForce) {
		flags |= unix.MNT_FORCE
	}
	if c.IsFake() {
		c.setSyscallStatus("umount", nil)
		return nil
	}
	err := c.kernel.Unmount(target, flags)
	c.setSyscallStatus("umount", err)
	if err == nil {
		return nil
	}
	src := c.fs.SrcPath()
	if c.syscallErrno == unix.EBUSY && c.Enabled(FlagRdonlyUmount) && src != "" {
		log.G(c.ctx).WithField("target", target).Warn("target is busy, remounting read-only")
		c.optlist.AppendFlags(unix.MS_REMOUNT|unix.MS_RDONLY, options.LinuxMap)
		c.state &^= flLoopDel
		err = c.kernel.Mount(src, target, "", unix.MS_REMOUNT|unix.MS_RDONLY, "")
		c.setSyscallStatus("mount", err)
		if err == nil && c.update != nil {
			return c.update.Start(utab.Remount, &table.Entry{
				Source:      c.fs.Source,
				Target:      target,
				UserOptions: c.optlist.String(options.UserspaceMap, options.FilterMtab),
			})
		}
	}
	if err != nil {
		return fmt.Errorf("failed to umount %s: %w", target, err)
	}
	return nil
}

// DoUmount unmounts a prepared request and detaches its loop device when
// asked to.
func (c *Context) DoUmount(ctx context.Context) (retErr error) {
	c.use(ctx)
	if c.state&flPrepared == 0 || c.action != ActionUmount {
		return fmt.Errorf("umount is not prepared: %w", unix.EINVAL)
	}
	old, err := c.switchTargetNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	if err := c.doUmount(); err != nil {
		return err
	}
	if c.Status() && !c.IsFake() && c.state&flLoopDel != 0 && !c.optlist.IsRemount() {
		src := c.fs.SrcPath()
		if err := c.loop.Delete(src); err != nil {
			return fmt.Errorf("failed to detach %s: %w", src, err)
		}
		log.G(c.ctx).WithField("device", src).Debug("loop device detached")
	}
	return nil
}

// Umount prepares and executes the request and updates the userspace
// mount table.
func (c *Context) Umount(ctx context.Context) (retErr error) {
	c.use(ctx)
	start := time.Now()
	defer func() { metrics.Observe("umount", retErr, start) }()

	old, err := c.switchTargetNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	if err := c.PrepareUmount(c.ctx); err != nil {
		return err
	}
	if err := c.prepareUpdate(); err != nil {
		return err
	}
	if err := c.DoUmount(c.ctx); err != nil {
		return err
	}
	return c.updateTabs()
}

// NextUmount unmounts the next mounted filesystem matching the patterns.
// Pass a backward iterator so that nested mounts go first. It returns
// io.EOF after the last entry.
func (c *Context) NextUmount(ctx context.Context, it *table.Iter) (*NextResult, error) {
	c.use(ctx)
	mi, err := c.Mountinfo()
	if err != nil {
		return nil, err
	}
	var e *table.Entry
	for {
		var ok bool
		if e, ok = mi.Next(it); !ok {
			return nil, io.EOF
		}
		if e.Target != "" {
			break
		}
	}
	res := &NextResult{Entry: e}
	if (c.fstypePattern != "" && !e.MatchFstype(c.fstypePattern)) ||
		(c.optionsPattern != "" && !e.MatchOptions(c.optionsPattern)) {
		res.Ignored = 1
		return res, nil
	}
	if err := c.Reset(); err != nil {
		log.G(c.ctx).WithError(err).Warn("failed to reset context")
	}
	c.mountinfo = mi
	c.fs = e.Copy()
	res.Err = c.Umount(ctx)
	return res, nil
}
