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
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/metrics"
	"github.com/containerd/go-libmount/options"
	"github.com/containerd/go-libmount/table"
)

func canonicalize(p string) string {
	if p == "" {
		return p
	}
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// PrepareMount evaluates the request: table lookup, permissions, source,
// type, target and helper. The hooksets register the kernel calls of the
// operation while it runs.
func (c *Context) PrepareMount(ctx context.Context) (retErr error) {
	c.use(ctx)
	if c.fs.IsSwaparea() {
		return fmt.Errorf("cannot mount swap area: %w", unix.EINVAL)
	}
	if c.fs.Source == "" && c.fs.Target == "" {
		return fmt.Errorf("neither source nor target specified: %w", unix.EINVAL)
	}
	if c.state&flPrepared != 0 {
		return nil
	}
	c.action = ActionMount

	old, err := c.switchTargetNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"apply fstab", c.applyFstab},
		{"merge flags", c.mergeMflags},
		{"permissions", c.evaluatePermissions},
		{"fix options", c.fixOptstr},
		{"source", c.prepareSource},
		{"prep-source hooks", c.stage(StagePrepSource)},
		{"fstype", c.guessFstype},
		{"target", c.prepareTarget},
		{"prep-target hooks", c.stage(StagePrepTarget)},
		{"prep-options hooks", c.stage(StagePrepOptions)},
		{"helper", func() error { return c.prepareHelper("mount", "") }},
		{"only once", c.checkOnlyOnce},
		{"prep hooks", c.stage(StagePrep)},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			log.G(c.ctx).WithError(err).Debugf("mount prepare failed at %s", s.name)
			return err
		}
	}
	c.state |= flPrepared
	log.G(c.ctx).WithField("source", c.fs.Source).WithField("target", c.fs.Target).
		WithField("fstype", c.fs.Fstype).Debug("mount prepared")
	return nil
}

func (c *Context) stage(s Stage) func() error {
	return func() error { return c.callHooks(c.ctx, s) }
}

// evaluatePermissions checks that a restricted caller may mount the
// request and adds the secure flags implied by user, users, owner and
// group.
func (c *Context) evaluatePermissions() error {
	uflags := c.UserFlags()
	if c.restricted {
		if !c.TabApplied() {
			return fmt.Errorf("%s not found in fstab: %w", c.fs.Target, unix.EPERM)
		}
		// user=<name> requests are never honoured for restricted callers
		if uflags&options.User != 0 {
			if o := c.optlist.Get(options.User, options.UserspaceMap); o != nil && o.HasValue() {
				o.SetExternal(true)
				uflags &^= options.User
			}
		}
		if uflags&(options.Owner|options.Group) != 0 && c.isDeviceOwner(uflags) {
			uflags |= options.User
		}
		if uflags&(options.User|options.Users) == 0 {
			return fmt.Errorf("user mount of %s not permitted by fstab: %w", c.fs.Target, unix.EPERM)
		}
	}
	for _, id := range []uint64{options.Owner, options.Group, options.User, options.Users} {
		if uflags&id == 0 {
			continue
		}
		o := c.optlist.Get(id, options.UserspaceMap)
		if o == nil || o.HasValue() {
			continue
		}
		flags, _ := options.ImpliedFlags(id)
		if err := c.optlist.InsertFlags(flags, options.LinuxMap, id, options.UserspaceMap); err != nil {
			return wrapf(ErrMountOpt, "%v", err)
		}
	}
	return nil
}

// isDeviceOwner implements the owner and group options: the caller owns
// the /dev source or is a member of its group.
func (c *Context) isDeviceOwner(uflags uint64) bool {
	src := c.fs.SrcPath()
	if src == "" {
		dev, err := table.ResolveSpec(c.fs.Source)
		if err != nil {
			return false
		}
		src = dev
	}
	if !strings.HasPrefix(src, "/dev/") {
		return false
	}
	var st unix.Stat_t
	if err := unix.Stat(src, &st); err != nil {
		return false
	}
	if uflags&options.Owner != 0 && int(st.Uid) == c.uid {
		return true
	}
	if uflags&options.Group != 0 {
		if int(st.Gid) == c.gid {
			return true
		}
		groups, err := os.Getgroups()
		if err != nil {
			return false
		}
		for _, g := range groups {
			if g == int(st.Gid) {
				return true
			}
		}
	}
	return false
}

// fixOptstr normalises uid=, gid= and user= in the caller's namespace.
func (c *Context) fixOptstr() (retErr error) {
	if c.state&flMountoptsFixed != 0 {
		return nil
	}
	for _, o := range c.optlist.Options() {
		if o.Map() == options.UserspaceMap && o.Name() == "user" {
			c.origUser = o.Value()
			c.state |= flSavedUser
			break
		}
	}

	old, err := c.switchOriginNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	for _, o := range c.optlist.Options() {
		if o.Map() != nil || !o.HasValue() {
			continue
		}
		var resolve func(string) (string, error)
		switch o.Name() {
		case "uid":
			resolve = options.ResolveUID
		case "gid":
			resolve = options.ResolveGID
		default:
			continue
		}
		v, err := resolve(o.Value())
		if err != nil {
			return wrapf(ErrMountOpt, "%v", err)
		}
		o.SetValue(v)
	}

	if c.restricted && c.UserFlags()&options.User != 0 {
		if o := c.optlist.Get(options.User, options.UserspaceMap); o != nil {
			name, err := options.Username(c.uid)
			if err != nil {
				return fmt.Errorf("failed to resolve username of %d: %w", c.uid, err)
			}
			o.SetValue(name)
		}
	}
	c.state |= flMountoptsFixed
	return nil
}

// prepareSource resolves tags and canonicalizes the source path.
func (c *Context) prepareSource() error {
	src := c.fs.Source
	if src == "" && c.propagationOnly() {
		c.fs.Source = "none"
		return nil
	}
	if src == "" || c.fs.IsNetfs() {
		return nil
	}
	if name, value, ok := c.fs.Tag(); ok {
		dev, err := table.ResolveTag(name, value)
		if err != nil {
			return wrapf(ErrNoSource, "%s", src)
		}
		c.fs.Source = dev
	} else if !c.fs.IsPseudofs() && !c.Enabled(FlagNoCanonicalize) && src != "none" {
		c.fs.Source = canonicalize(src)
	}
	log.G(c.ctx).WithField("source", c.fs.Source).Debug("source prepared")
	return nil
}

// guessFstype fills in the type when it follows from the request. Block
// devices without a type are mounted by trying the known filesystems.
func (c *Context) guessFstype() error {
	if c.optlist.IsBind() || c.optlist.IsMove() || c.propagationOnly() {
		c.fs.Fstype = "none"
		return nil
	}
	if c.fs.Fstype == "auto" {
		c.fs.Fstype = ""
	}
	if c.fs.Fstype != "" {
		return nil
	}
	if c.optlist.IsRemount() {
		c.fs.Fstype = "none"
		return nil
	}
	if c.fstypePattern != "" {
		return nil
	}
	dev := c.fs.SrcPath()
	if dev == "" {
		return nil
	}
	if _, err := os.Stat(dev); err == nil {
		return nil
	}
	switch {
	case strings.Contains(dev, ":"):
		c.fs.Fstype = "nfs"
	case strings.HasPrefix(dev, "//"):
		c.fs.Fstype = "cifs"
	}
	return nil
}

func (c *Context) prepareTarget() error {
	tgt := c.fs.Target
	if tgt == "" {
		return nil
	}
	if c.targetPrefix != "" {
		tgt = filepath.Join(c.targetPrefix, tgt)
	}
	if !c.Enabled(FlagNoCanonicalize) {
		tgt = canonicalize(tgt)
	}
	c.fs.Target = tgt
	log.G(c.ctx).WithField("target", tgt).Debug("target prepared")
	return nil
}

func (c *Context) checkOnlyOnce() error {
	if !c.Enabled(FlagOnlyOnce) {
		return nil
	}
	mi, err := c.Mountinfo()
	if err != nil {
		return err
	}
	if mi.IsMounted(c.fs) {
		return wrapf(ErrOnlyOnce, "%s", c.fs.Target)
	}
	return nil
}

// DoMount runs the mount stages of a prepared request. Type lists and
// patterns are tried in order until one type mounts.
func (c *Context) DoMount(ctx context.Context) (retErr error) {
	c.use(ctx)
	if c.state&flPrepared == 0 || c.action != ActionMount {
		return fmt.Errorf("mount is not prepared: %w", unix.EINVAL)
	}
	old, err := c.switchTargetNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	if err := c.callHooks(c.ctx, StageMountPre); err != nil {
		return err
	}
	typ := c.fs.Fstype
	switch {
	case typ == "":
		err = c.mountByPattern(c.fstypePattern)
	case strings.Contains(typ, ","):
		err = c.mountByTypes(typ)
	default:
		err = c.doMount("")
	}
	if err != nil {
		return err
	}
	return c.callHooks(c.ctx, StageMountPost)
}

func (c *Context) doMount(tryType string) error {
	if tryType != "" {
		if err := c.prepareHelper("mount", tryType); err != nil {
			return err
		}
	}
	if c.helper != "" {
		return c.execMountHelper()
	}
	if tryType != "" {
		c.fs.Fstype = tryType
		c.optlist.AppendFlags(unix.MS_SILENT, options.LinuxMap)
	}
	if c.IsFake() {
		log.G(c.ctx).WithField("target", c.fs.Target).Debug("fake mount")
		c.setSyscallStatus("mount", nil)
		return nil
	}
	return c.callHooks(c.ctx, StageMount)
}

func (c *Context) mountByTypes(types string) error {
	err := fmt.Errorf("no usable filesystem type in %q: %w", types, unix.EINVAL)
	for _, t := range strings.Split(types, ",") {
		// "auto" needs superblock probing
		if t == "" || t == "auto" {
			continue
		}
		err = c.doMount(t)
		if !c.tryNextType() {
			break
		}
	}
	return err
}

// tryNextType reports whether the last type failed in a way that lets the
// next type of a list or pattern be tried.
func (c *Context) tryNextType() bool {
	if c.Status() {
		return false
	}
	return c.syscallErrno == unix.EINVAL || c.syscallErrno == unix.ENODEV
}

func (c *Context) mountByPattern(pattern string) error {
	neg := strings.HasPrefix(pattern, "no")
	if pattern != "" && !neg {
		return c.mountByTypes(pattern)
	}
	filter := ""
	if neg {
		filter = pattern
	}
	types, err := c.filesystems(filter)
	if err != nil {
		return err
	}
	if len(types) == 0 {
		return wrapf(ErrNoFstype, "%s", c.fs.Source)
	}
	for _, t := range types {
		err = c.doMount(t)
		if !c.tryNextType() {
			break
		}
	}
	return err
}

// helperFlagOptions are appended for user mounts when the kernel flags do
// not carry the restriction; a helper run by root follows its command line,
// not fstab.
var helperFlagOptions = []struct {
	flag uint64
	name string
}{
	{unix.MS_NOEXEC, "exec"},
	{unix.MS_NOSUID, "suid"},
	{unix.MS_NODEV, "dev"},
	{unix.MS_NOSYMFOLLOW, "symfollow"},
}

// helperOptions renders the options for mount helpers with the original
// user= setting.
func (c *Context) helperOptions() (string, error) {
	o := c.optlist.String(nil, options.FilterHelpers)
	if c.UserFlags()&(options.User|options.Users) != 0 {
		mflags := c.MountFlags()
		for _, h := range helperFlagOptions {
			if mflags&h.flag == 0 {
				o = options.AppendOption(o, h.name, "")
			}
		}
	}
	if c.state&flSavedUser != 0 {
		var err error
		if o, err = options.SetOption(o, "user", c.origUser); err != nil {
			return "", wrapf(ErrMountOpt, "%v", err)
		}
	}
	return o, nil
}

func (c *Context) execMountHelper() error {
	o, err := c.helperOptions()
	if err != nil {
		return err
	}
	args := []string{c.fs.SrcPath(), c.fs.Target}
	if c.Enabled(FlagSloppy) {
		args = append(args, "-s")
	}
	if c.IsFake() {
		args = append(args, "-f")
	}
	if c.Enabled(FlagNoMtab) {
		args = append(args, "-n")
	}
	if c.Enabled(FlagVerbose) {
		args = append(args, "-v")
	}
	if o != "" {
		args = append(args, "-o", o)
	}
	if t := c.helperType(); t != "" {
		args = append(args, "-t", t)
	}
	return c.runHelper(args)
}

// writeProtected reports a failure the read-only fallback applies to.
func (c *Context) writeProtected(err error) bool {
	if errnoOf(err) == unix.EROFS && !c.syscallCalled {
		return true
	}
	switch c.syscallErrno {
	case unix.EROFS, unix.EACCES:
		return true
	case unix.EBUSY:
		return c.sourceMountedRdonly()
	}
	return false
}

// sourceMountedRdonly reports a source already mounted read-only
// elsewhere, which makes the kernel refuse a read-write mount with EBUSY.
func (c *Context) sourceMountedRdonly() bool {
	src := c.fs.SrcPath()
	if src == "" {
		return false
	}
	mi, err := c.Mountinfo()
	if err != nil {
		return false
	}
	e := mi.FindSource(src, table.Forward)
	return e != nil && options.HasOption(e.VFSOptions, "ro")
}

// Mount prepares and executes the request and updates the userspace mount
// table. A write-protected source is mounted read-only, once, unless the
// request asks for read-write explicitly.
func (c *Context) Mount(ctx context.Context) (retErr error) {
	c.use(ctx)
	start := time.Now()
	defer func() { metrics.Observe("mount", retErr, start) }()

	old, err := c.switchTargetNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	baseFs, baseOpts := c.fs.Copy(), c.optlist.Clone()
	for {
		err = c.PrepareMount(c.ctx)
		if err == nil {
			err = c.prepareUpdate()
		}
		if err == nil {
			err = c.DoMount(c.ctx)
		}
		if err == nil {
			err = c.updateTabs()
		}
		if !c.writeProtected(err) || c.ForcedRdonly() {
			break
		}
		if c.MountFlags()&(unix.MS_RDONLY|unix.MS_REMOUNT|unix.MS_BIND) != 0 || c.Enabled(FlagRWOnly) {
			break
		}
		log.G(c.ctx).WithField("source", c.fs.Source).Warn("source write-protected, mounting read-only")
		if derr := c.deinitHooksets(); derr != nil {
			log.G(c.ctx).WithError(derr).Warn("failed to release hooksets")
		}
		c.fs = baseFs.Copy()
		c.optlist = baseOpts.Clone()
		c.optlist.AppendFlags(unix.MS_RDONLY, options.LinuxMap)
		c.state = flForcedRdonly
		c.helper = ""
		c.origUser = ""
		c.update = nil
		c.forceClone = false
		c.hasSelinuxOpt = false
		c.resetStatus()
	}
	if err == nil {
		err = c.callHooks(c.ctx, StagePost)
	}
	if derr := c.deinitHooksets(); derr != nil {
		if err == nil {
			err = derr
		} else {
			log.G(c.ctx).WithError(derr).Warn("failed to release hooksets")
		}
	}
	return err
}

// NextResult is one step of NextMount, NextRemount or NextUmount.
type NextResult struct {
	Entry *table.Entry
	// Ignored is 1 for entries not matching the request and 2 for
	// filesystems already mounted.
	Ignored int
	// Err is the outcome of the operation on Entry.
	Err error
}

// FilterMount reports why "mount -a" skips e, 0 when it does not.
func (c *Context) FilterMount(ctx context.Context, e *table.Entry) (int, error) {
	c.use(ctx)
	if e.IsSwaparea() || e.Target == "/" || e.Target == "root" ||
		options.HasOption(e.UserOptions, "noauto") ||
		(c.fstypePattern != "" && !e.MatchFstype(c.fstypePattern)) ||
		(c.optionsPattern != "" && !e.MatchOptions(c.optionsPattern)) {
		log.G(c.ctx).WithField("target", e.Target).Debug("entry does not match")
		return 1, nil
	}
	mi, err := c.Mountinfo()
	if err != nil {
		return 0, err
	}
	if mi.IsMounted(e) {
		return 2, nil
	}
	return 0, nil
}

// resetForNext resets the context for the next entry of an "-a" loop.
// The first call saves the options of the request as the template.
func (c *Context) resetForNext() {
	if !c.hasTemplate() {
		c.fs.Source, c.fs.Target, c.fs.Fstype = "", "", ""
		c.saveTemplate()
	}
	mi := c.mountinfo
	if err := c.Reset(); err != nil {
		log.G(c.ctx).WithError(err).Warn("failed to reset context")
	}
	c.mountinfo = mi
}

// NextMount mounts the next fstab entry that is neither filtered out nor
// mounted. It returns io.EOF after the last entry.
func (c *Context) NextMount(ctx context.Context, it *table.Iter) (*NextResult, error) {
	c.use(ctx)
	fstab, err := c.Fstab()
	if err != nil {
		return nil, err
	}
	e, ok := fstab.Next(it)
	if !ok {
		return nil, io.EOF
	}
	res := &NextResult{Entry: e}
	if res.Ignored, err = c.FilterMount(ctx, e); err != nil || res.Ignored != 0 {
		return res, err
	}
	c.resetForNext()
	if res.Err = c.SetEntry(e); res.Err != nil {
		return res, nil
	}
	// the -t pattern selects entries; it is not a type list for them
	pattern := c.fstypePattern
	c.fstypePattern = ""
	res.Err = c.Mount(ctx)
	c.fstypePattern = pattern
	return res, nil
}

// NextRemount remounts the next mounted filesystem matching the patterns
// with the template options. It returns io.EOF after the last entry.
func (c *Context) NextRemount(ctx context.Context, it *table.Iter) (*NextResult, error) {
	c.use(ctx)
	mi, err := c.Mountinfo()
	if err != nil {
		return nil, err
	}
	e, ok := mi.Next(it)
	if !ok {
		return nil, io.EOF
	}
	res := &NextResult{Entry: e}
	if (c.fstypePattern != "" && !e.MatchFstype(c.fstypePattern)) ||
		(c.optionsPattern != "" && !e.MatchOptions(c.optionsPattern)) {
		res.Ignored = 1
		return res, nil
	}
	c.resetForNext()
	c.fs.Target = e.Target
	pattern := c.fstypePattern
	c.fstypePattern = ""
	res.Err = c.Mount(ctx)
	c.fstypePattern = pattern
	return res, nil
}
