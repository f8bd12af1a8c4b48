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
	"strings"

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/options"
)

// The fd based mount API:
//
//	mount:            fsopen (prep), fsconfig+fsmount, mount_setattr (mount), move_mount, propagation (post-mount)
//	remount:          open_tree (prep), fspick+reconfigure, mount_setattr (mount), propagation (post-mount)
//	propagation-only: open_tree (prep), propagation (post-mount)
//	move:             open_tree (prep), move_mount (post-mount)
//	bind:             open_tree clone (prep), mount_setattr (mount), move_mount (post-mount)
var hooksetMount = &Hookset{
	Name:       "mount",
	firstStage: StagePrep,
}

func init() {
	hooksetMount.tryClaim = prepareFdMount
	hooksetMount.deinit = deinitFdMount
}

// Superblock flags still configured through fsconfig(2).
const superblockFlags = unix.MS_SYNCHRONOUS | unix.MS_DIRSYNC | unix.MS_MANDLOCK |
	unix.MS_I_VERSION | unix.MS_LAZYTIME

// sysapi holds the descriptors of one operation.
type sysapi struct {
	fdFs    int
	fdTree  int
	isNewFs bool
}

func (c *Context) sysapi() *sysapi {
	api, _ := c.hooksetData(hooksetMount).(*sysapi)
	return api
}

func (c *Context) closeSysapi(api *sysapi) error {
	var result *multierror.Error
	for _, fd := range []*int{&api.fdFs, &api.fdTree} {
		if *fd >= 0 {
			if err := c.kernel.Close(*fd); err != nil {
				result = multierror.Append(result, err)
			}
			*fd = -1
		}
	}
	return result.ErrorOrNil()
}

func deinitFdMount(c *Context, hs *Hookset) error {
	for {
		if _, ok := c.removeHook(hs, 0); !ok {
			break
		}
	}
	api, _ := c.hooksetData(hs).(*sysapi)
	if api == nil {
		return nil
	}
	c.setHooksetData(hs, nil)
	return c.closeSysapi(api)
}

// syscallFailed records the failed call and returns err with its name.
func (c *Context) syscallFailed(name string, err error) error {
	c.setSyscallStatus(name, err)
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (c *Context) forceClassicMount() bool {
	switch c.forceMount2 {
	case "always":
		return true
	case "never":
		return false
	}
	if c.helper != "" {
		return false
	}
	// btrfs does not accept SELinux contexts through fsconfig(2)
	return c.fs.Fstype == "btrfs" && c.hasSelinuxOpt
}

func (c *Context) openFsContext(api *sysapi, typ string) error {
	if typ == "" {
		return fmt.Errorf("fsopen without filesystem type: %w", unix.EINVAL)
	}
	log.G(c.ctx).Debugf("fsopen(%s)", typ)
	fd, err := c.kernel.Fsopen(typ, unix.FSOPEN_CLOEXEC)
	if err := c.syscallFailed("fsopen", err); err != nil {
		return err
	}
	api.fdFs = fd
	api.isNewFs = true
	return nil
}

// openTree opens path, the target when empty, as a mount tree.
func (c *Context) openTree(path string, flags uint64) (int, error) {
	if path == "" {
		path = c.fs.Target
	}
	oflags := uint(unix.OPEN_TREE_CLOEXEC)
	if flags&unix.MS_REC != 0 {
		oflags |= unix.AT_RECURSIVE
	}
	if c.forceClone || flags&unix.MS_BIND != 0 {
		oflags |= unix.OPEN_TREE_CLONE
	}
	log.G(c.ctx).Debugf("open_tree(%s, %#x)", path, oflags)
	fd, err := c.kernel.OpenTree(unix.AT_FDCWD, path, oflags)
	if err := c.syscallFailed("open_tree", err); err != nil {
		return -1, err
	}
	return fd, nil
}

// initSysapi opens the tree for tree based operations or the fs context
// for new filesystems. Type lists open the fs context per type later.
func (c *Context) initSysapi(api *sysapi, flags uint64) error {
	var path string
	switch {
	case flags&unix.MS_REMOUNT != 0 || c.propagationOnly():
		if path = c.fs.Target; path == "" {
			return fmt.Errorf("no mount point: %w", unix.EINVAL)
		}
	case flags&(unix.MS_BIND|unix.MS_MOVE) != 0:
		if path = c.fs.SrcPath(); path == "" {
			return fmt.Errorf("no mount source: %w", unix.EINVAL)
		}
	}
	if path != "" {
		fd, err := c.openTree(path, flags)
		if err != nil {
			return err
		}
		api.fdTree = fd
		return nil
	}
	typ := c.fs.Fstype
	if c.helper == "" && typ != "" && !strings.Contains(typ, ",") {
		return c.openFsContext(api, typ)
	}
	if !c.kernel.FsopenSupported() {
		return c.syscallFailed("fsopen", unix.ENOSYS)
	}
	return nil
}

func prepareFdMount(ctx context.Context, c *Context, hs *Hookset) (claim, error) {
	if c.forceClassicMount() {
		log.G(ctx).Debug("fd based mount API disabled")
		return declined, nil
	}
	flags := c.MountFlags()
	set, clr := c.optlist.Attrs(false)
	rset, rclr := c.optlist.Attrs(true)

	api := &sysapi{fdFs: -1, fdTree: -1}
	c.setHooksetData(hs, api)
	if err := c.initSysapi(api, flags); err != nil {
		if c.syscallErrno == unix.ENOSYS {
			return declineFdMount(c, hs)
		}
		return declined, err
	}

	if flags&unix.MS_BIND != 0 && flags&unix.MS_MOVE != 0 {
		return declined, fmt.Errorf("bind and move are mutually exclusive: %w", unix.EINVAL)
	}
	if flags&unix.MS_MOVE != 0 && flags&unix.MS_REMOUNT != 0 {
		return declined, fmt.Errorf("move and remount are mutually exclusive: %w", unix.EINVAL)
	}

	if c.helper == "" {
		switch {
		case flags&unix.MS_REMOUNT != 0 && flags&unix.MS_BIND == 0:
			c.appendHook(hs, StageMount, nil, hookReconfigureMount)
		case flags&(unix.MS_BIND|unix.MS_MOVE|unix.MS_REMOUNT) == 0 && !c.propagationOnly():
			c.appendHook(hs, StageMount, nil, hookCreateMount)
		}
		if set|clr|rset|rclr != 0 || flags&unix.MS_REMOUNT != 0 {
			if !c.kernel.MountSetattrSupported() {
				return declineFdMount(c, hs)
			}
			c.appendHook(hs, StageMount, nil, hookSetVfsflags)
		}
		if c.forceClone || (flags&unix.MS_REMOUNT == 0 && !c.propagationOnly()) {
			c.appendHook(hs, StageMountPost, nil, hookAttachTarget)
		}
	}
	if c.optlist.Propagation() != 0 {
		if !c.kernel.MountSetattrSupported() {
			return declineFdMount(c, hs)
		}
		c.appendHook(hs, StageMountPost, nil, hookSetPropagation)
	}
	if !c.hasHook(hs, 0, nil) {
		return declineFdMount(c, hs)
	}
	return claimed, nil
}

// declineFdMount releases everything the fd based API prepared so that
// the mount(2) strategy can take over.
func declineFdMount(c *Context, hs *Hookset) (claim, error) {
	log.G(c.ctx).Debug("fd based mount API not usable")
	c.resetSyscallStatus()
	if err := deinitFdMount(c, hs); err != nil {
		log.G(c.ctx).WithError(err).Warn("failed to release mount descriptors")
	}
	return declined, nil
}

func unescapeComma(v string) string {
	return strings.ReplaceAll(v, `\,`, ",")
}

func (c *Context) fsconfig(fd int, name, value string, isFlag bool) error {
	log.G(c.ctx).Debugf("fsconfig(%s=%q)", name, value)
	var err error
	if isFlag {
		err = c.kernel.FsconfigSetFlag(fd, name)
	} else {
		err = c.kernel.FsconfigSetString(fd, name, unescapeComma(value))
	}
	return c.syscallFailed("fsconfig", err)
}

func valueWith(v, token string) bool {
	for _, t := range strings.Split(v, ",") {
		if t == token {
			return true
		}
	}
	return false
}

// configureSuperblock passes the filesystem options to fd. ro/rw always
// go to the superblock unless given as ro=vfs.
func (c *Context) configureSuperblock(fd int, forceRwro bool) error {
	hasRwro := false
	for _, o := range c.optlist.Options() {
		if o.External() || o.Name() == "" {
			continue
		}
		ent := o.Entry()
		isLinux := ent != nil && o.Map() == options.LinuxMap
		name, value := o.Name(), o.Value()
		isFlag := !o.HasValue()
		switch {
		case isLinux && ent.ID == unix.MS_RDONLY:
			if valueWith(value, "vfs") && !valueWith(value, "fs") {
				continue
			}
			isFlag = true
			hasRwro = true
		case isLinux && ent.ID&superblockFlags != 0:
		case o.Map() != nil:
			continue
		}
		if err := c.fsconfig(fd, name, value, isFlag); err != nil {
			return err
		}
	}
	if forceRwro && !hasRwro {
		return c.fsconfig(fd, "rw", "", true)
	}
	return nil
}

func hookCreateMount(ctx context.Context, c *Context, hs *Hookset, _ interface{}) (retErr error) {
	if c.HelperExecuted() {
		return nil
	}
	api := c.sysapi()
	if api.fdFs < 0 {
		if err := c.openFsContext(api, c.fs.Fstype); err != nil {
			return err
		}
	}
	// a failed type leaves nothing behind for the next one
	defer func() {
		if retErr != nil {
			c.closeSysapi(api)
		}
	}()
	src := c.fs.SrcPath()
	if src == "" {
		src = c.fs.Source
	}
	if src == "" {
		return fmt.Errorf("no mount source: %w", unix.EINVAL)
	}
	if err := c.fsconfig(api.fdFs, "source", src, false); err != nil {
		return err
	}
	if err := c.configureSuperblock(api.fdFs, false); err != nil {
		return err
	}
	if err := c.syscallFailed("fsconfig", c.kernel.FsconfigCreate(api.fdFs)); err != nil {
		return err
	}
	fd, err := c.kernel.Fsmount(api.fdFs, unix.FSMOUNT_CLOEXEC, 0)
	if err := c.syscallFailed("fsmount", err); err != nil {
		return err
	}
	api.fdTree = fd
	log.G(ctx).WithField("source", src).Debug("filesystem created")
	return nil
}

func hookReconfigureMount(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	if c.HelperExecuted() {
		return nil
	}
	api := c.sysapi()
	if api.fdFs < 0 {
		fd, err := c.kernel.Fspick(api.fdTree, "", unix.FSPICK_EMPTY_PATH|unix.FSPICK_NO_AUTOMOUNT)
		if err := c.syscallFailed("fspick", err); err != nil {
			return err
		}
		api.fdFs = fd
	}
	if err := c.configureSuperblock(api.fdFs, true); err != nil {
		return err
	}
	return c.syscallFailed("fsconfig", c.kernel.FsconfigReconfigure(api.fdFs))
}

// ensureTree opens the target when preparation could not, e.g. after a
// helper mounted the filesystem.
func (c *Context) ensureTree(api *sysapi) error {
	if api.fdTree >= 0 || c.fs.Target == "" {
		return nil
	}
	fd, err := c.openTree("", c.MountFlags())
	if err != nil {
		return err
	}
	api.fdTree = fd
	return nil
}

func (c *Context) setVfsflags(set, clr uint64, recursive bool) error {
	api := c.sysapi()
	if err := c.ensureTree(api); err != nil {
		return err
	}
	flags := uint(unix.AT_EMPTY_PATH)
	if recursive {
		flags |= unix.AT_RECURSIVE
	}
	log.G(c.ctx).Debugf("mount_setattr(set=%#x clr=%#x)", set, clr)
	err := c.kernel.MountSetattr(api.fdTree, "", flags, &unix.MountAttr{Attr_set: set, Attr_clr: clr})
	c.setSyscallStatus("mount_setattr", err)
	if err == nil {
		return nil
	}
	if errnoOf(err) == unix.EINVAL {
		return wrapf(ErrApplyFlags, "mount_setattr: %v", err)
	}
	return fmt.Errorf("mount_setattr: %w", err)
}

func hookSetVfsflags(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	if c.HelperExecuted() {
		return nil
	}
	if set, clr := c.optlist.Attrs(false); set|clr != 0 {
		if err := c.setVfsflags(set, clr, false); err != nil {
			return err
		}
	}
	if set, clr := c.optlist.Attrs(true); set|clr != 0 {
		return c.setVfsflags(set, clr, true)
	}
	return nil
}

func hookSetPropagation(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	api := c.sysapi()
	if err := c.ensureTree(api); err != nil {
		return err
	}
	for _, o := range c.optlist.Options() {
		ent := o.Entry()
		if o.Map() != options.LinuxMap || o.External() || ent == nil || ent.ID&options.PropagationFlags == 0 {
			continue
		}
		flags := uint(unix.AT_EMPTY_PATH)
		if ent.ID&unix.MS_REC != 0 {
			flags |= unix.AT_RECURSIVE
		}
		prop := ent.ID & options.PropagationFlags
		log.G(ctx).Debugf("mount_setattr(propagation=%#x)", prop)
		err := c.kernel.MountSetattr(api.fdTree, "", flags, &unix.MountAttr{Propagation: prop})
		c.setSyscallStatus("mount_setattr", err)
		if errnoOf(err) == unix.EINVAL {
			return wrapf(ErrApplyFlags, "mount_setattr: %v", err)
		}
		if err != nil {
			return fmt.Errorf("mount_setattr: %w", err)
		}
	}
	return nil
}

func hookAttachTarget(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	if c.HelperExecuted() {
		return nil
	}
	target := c.fs.Target
	if target == "" {
		return fmt.Errorf("no mount point: %w", unix.EINVAL)
	}
	api := c.sysapi()
	if c.forceClone && !api.isNewFs && !c.optlist.IsBind() {
		log.G(ctx).WithField("target", target).Debug("detaching expired target")
		if err := c.kernel.Unmount(target, unix.MNT_DETACH); err != nil {
			log.G(ctx).WithError(err).Debug("failed to detach expired target")
		}
	}
	log.G(ctx).Debugf("move_mount(to=%s)", target)
	err := c.kernel.MoveMount(api.fdTree, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH)
	return c.syscallFailed("move_mount", err)
}
