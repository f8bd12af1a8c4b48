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

// Package mount implements the mount and umount decision engine. A
// Context collects a request, evaluates it against fstab and the mount
// table, runs the hook pipeline that issues the kernel calls and reports
// the outcome as an exit code and message.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/options"
	"github.com/containerd/go-libmount/table"
	"github.com/containerd/go-libmount/utab"
)

const (
	DefaultFstabPath           = "/etc/fstab"
	DefaultFilesystemsPath     = "/etc/filesystems"
	DefaultProcFilesystemsPath = "/proc/filesystems"
	DefaultHelperSearchPath    = "/sbin:/sbin/fs.d:/sbin/fs"
	DefaultRuntimeDir          = "/run/mount"
)

// Action is the operation of a Context.
type Action int

const (
	ActionNone Action = iota
	ActionMount
	ActionUmount
)

func (a Action) String() string {
	switch a {
	case ActionMount:
		return "mount"
	case ActionUmount:
		return "umount"
	}
	return "none"
}

// Flag is a behaviour switch kept across Reset.
type Flag uint32

const (
	// FlagFake does everything but the kernel calls.
	FlagFake Flag = 1 << iota
	FlagVerbose
	FlagSloppy
	// FlagLazy and FlagForce map to MNT_DETACH and MNT_FORCE.
	FlagLazy
	FlagForce
	// FlagRdonlyUmount remounts read-only when umount reports EBUSY.
	FlagRdonlyUmount
	// FlagLoopDelete detaches the loop device after umount.
	FlagLoopDelete
	// FlagNoMtab disables userspace mount table updates.
	FlagNoMtab
	FlagNoHelpers
	FlagNoCanonicalize
	// FlagNoSwapMatch disables the source/target swap on table lookups.
	FlagNoSwapMatch
	// FlagOnlyOnce fails with ErrOnlyOnce when the filesystem is
	// already mounted.
	FlagOnlyOnce
	// FlagRWOnly disables the read-only fallback.
	FlagRWOnly
)

// per-attempt state
const (
	flTabApplied uint32 = 1 << iota
	flMountflagsMerged
	flMountoptsFixed
	flPrepared
	flForcedRdonly
	flSavedUser
	// detach the loop device after umount
	flLoopDel
)

type namespace struct {
	fd   int
	path string
}

// Context holds one mount or umount request and its outcome. A Context
// is not safe for concurrent use.
type Context struct {
	ctx context.Context

	action   Action
	fs       *table.Entry
	optlist  *options.List
	template *options.List
	optsmode OptsMode
	flags    Flag
	state    uint32

	fstypePattern  string
	optionsPattern string

	restricted bool
	uid, gid   int

	helper           string
	helperSearchPath string
	helperExecuted   bool
	helperStatus     int

	syscallCalled bool
	syscallErrno  unix.Errno
	syscallName   string

	origUser     string
	targetPrefix string

	fstabPath           string
	filesystemsPath     string
	procFilesystemsPath string
	forceMount2         string
	runtimeDir          string

	fstab         *table.Table
	mountinfo     *table.Table
	loadMountinfo func() (*table.Table, error)
	utab          *utab.Store
	update        *utab.Update

	kernel Kernel
	loop   LoopDevices
	verity VerityDevices
	labels LabelResolver
	runner HelperRunner

	nsOrig   namespace
	nsTgt    namespace
	nsCur    *namespace
	nsThread bool

	hooks         []*hook
	hsData        []hooksetDatum
	forceClone    bool
	hasSelinuxOpt bool
}

// Opt configures a Context.
type Opt func(*Context)

// WithKernel replaces the system calls, mostly for tests.
func WithKernel(k Kernel) Opt {
	return func(c *Context) { c.kernel = k }
}

func WithLoopDevices(l LoopDevices) Opt {
	return func(c *Context) { c.loop = l }
}

func WithVerityDevices(v VerityDevices) Opt {
	return func(c *Context) { c.verity = v }
}

func WithLabelResolver(l LabelResolver) Opt {
	return func(c *Context) { c.labels = l }
}

func WithHelperRunner(r HelperRunner) Opt {
	return func(c *Context) { c.runner = r }
}

// WithUtab enables userspace mount table updates in s.
func WithUtab(s *utab.Store) Opt {
	return func(c *Context) { c.utab = s }
}

// WithFstab uses t instead of reading the fstab file.
func WithFstab(t *table.Table) Opt {
	return func(c *Context) { c.fstab = t }
}

func WithFstabPath(p string) Opt {
	return func(c *Context) { c.fstabPath = p }
}

// WithMountinfo replaces the loader of the kernel mount table.
func WithMountinfo(load func() (*table.Table, error)) Opt {
	return func(c *Context) { c.loadMountinfo = load }
}

// WithFilesystems sets the files listing the filesystems tried when the
// type is unknown.
func WithFilesystems(etcPath, procPath string) Opt {
	return func(c *Context) {
		c.filesystemsPath = etcPath
		c.procFilesystemsPath = procPath
	}
}

// WithHelperSearchPath sets the colon separated helper directories.
func WithHelperSearchPath(p string) Opt {
	return func(c *Context) { c.helperSearchPath = p }
}

// WithRuntimeDir sets the directory of temporary mount points.
func WithRuntimeDir(dir string) Opt {
	return func(c *Context) { c.runtimeDir = dir }
}

// WithForceMount2 selects the classic mount(2) API with "always".
func WithForceMount2(mode string) Opt {
	return func(c *Context) { c.forceMount2 = mode }
}

// WithRestricted overrides the privilege detection.
func WithRestricted(restricted bool) Opt {
	return func(c *Context) { c.restricted = restricted }
}

// WithCredentials sets the real user and group of the caller.
func WithCredentials(uid, gid int) Opt {
	return func(c *Context) { c.uid, c.gid = uid, gid }
}

// New returns a Context for the running system.
func New(opts ...Opt) *Context {
	c := &Context{
		ctx:                 context.Background(),
		fs:                  &table.Entry{},
		optlist:             options.NewList(),
		restricted:          os.Getuid() != 0 || os.Geteuid() != 0,
		uid:                 os.Getuid(),
		gid:                 os.Getgid(),
		helperSearchPath:    DefaultHelperSearchPath,
		runtimeDir:          DefaultRuntimeDir,
		fstabPath:           DefaultFstabPath,
		filesystemsPath:     DefaultFilesystemsPath,
		procFilesystemsPath: DefaultProcFilesystemsPath,
		forceMount2:         os.Getenv("LIBMOUNT_FORCE_MOUNT2"),
		loadMountinfo:       table.LoadMountinfo,
		kernel:              SystemKernel(),
		loop:                SystemLoopDevices(),
		labels:              SELinuxLabels(),
		runner:              ExecHelperRunner(),
		nsOrig:              namespace{fd: -1},
		nsTgt:               namespace{fd: -1},
	}
	c.nsCur = &c.nsOrig
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Context) use(ctx context.Context) {
	if ctx != nil {
		c.ctx = ctx
	}
}

// Close releases the hooksets and the namespace descriptors.
func (c *Context) Close() error {
	err := c.deinitHooksets()
	for _, ns := range []*namespace{&c.nsTgt, &c.nsOrig} {
		if ns.fd >= 0 {
			unix.Close(ns.fd)
			ns.fd = -1
		}
	}
	return err
}

// Reset clears the per-operation state. Flags, patterns, the fstab and
// the option template survive; the options are restored from the template.
func (c *Context) Reset() error {
	err := c.deinitHooksets()
	c.fs = &table.Entry{}
	if c.template != nil {
		c.optlist = c.template.Clone()
	} else {
		c.optlist = options.NewList()
	}
	c.state = 0
	c.helper = ""
	c.origUser = ""
	c.mountinfo = nil
	c.update = nil
	c.forceClone = false
	c.hasSelinuxOpt = false
	c.resetStatus()
	return err
}

func (c *Context) saveTemplate() {
	c.template = c.optlist.Clone()
}

func (c *Context) hasTemplate() bool {
	return c.template != nil
}

// Enable turns f on or off.
func (c *Context) Enable(f Flag, on bool) {
	if on {
		c.flags |= f
	} else {
		c.flags &^= f
	}
}

// Enabled reports whether f is on.
func (c *Context) Enabled(f Flag) bool {
	return c.flags&f != 0
}

func (c *Context) IsFake() bool { return c.Enabled(FlagFake) }

// IsRestricted reports whether the caller is not root.
func (c *Context) IsRestricted() bool { return c.restricted }

func (c *Context) swapMatch() bool { return !c.Enabled(FlagNoSwapMatch) }

// Action returns the last prepared operation.
func (c *Context) Action() Action { return c.action }

func (c *Context) SetSource(s string) { c.fs.Source = s }

func (c *Context) Source() string { return c.fs.Source }

func (c *Context) SetTarget(s string) { c.fs.Target = s }

func (c *Context) Target() string { return c.fs.Target }

// SetFstype sets the type; a comma separated list is tried in order.
func (c *Context) SetFstype(s string) { c.fs.Fstype = s }

func (c *Context) Fstype() string { return c.fs.Fstype }

// SetFstypePattern sets the "-t" filter of NextMount and NextUmount, and
// the types tried by a mount without type.
func (c *Context) SetFstypePattern(p string) { c.fstypePattern = p }

// SetOptionsPattern sets the "-O" filter of NextMount and NextUmount.
func (c *Context) SetOptionsPattern(p string) { c.optionsPattern = p }

// SetOptsMode selects how fstab options are merged with the request.
func (c *Context) SetOptsMode(m OptsMode) { c.optsmode = m }

// SetTargetPrefix is prepended to every mount target.
func (c *Context) SetTargetPrefix(p string) { c.targetPrefix = p }

// SetOptions replaces the mount options.
func (c *Context) SetOptions(s string) error {
	if err := c.optlist.SetOptstr(s, nil); err != nil {
		return wrapf(ErrMountOpt, "%v", err)
	}
	return nil
}

// AppendOptions appends mount options; later options win.
func (c *Context) AppendOptions(s string) error {
	if err := c.optlist.AppendOptstr(s, nil); err != nil {
		return wrapf(ErrMountOpt, "%v", err)
	}
	return nil
}

// Options returns the option list of the request.
func (c *Context) Options() *options.List { return c.optlist }

// MountFlags returns the kernel flags of the request.
func (c *Context) MountFlags() uint64 {
	return c.optlist.Flags(options.LinuxMap, options.FilterDefault)
}

// UserFlags returns the userspace option flags of the request.
func (c *Context) UserFlags() uint64 {
	return c.optlist.Flags(options.UserspaceMap, options.FilterDefault)
}

// Entry returns the filesystem description of the request.
func (c *Context) Entry() *table.Entry { return c.fs }

// SetEntry replaces the request by a copy of e, typically an fstab entry.
func (c *Context) SetEntry(e *table.Entry) error {
	c.fs = &table.Entry{
		Source:  e.Source,
		Target:  e.Target,
		Fstype:  e.Fstype,
		Root:    e.Root,
		Bindsrc: e.Bindsrc,
		Freq:    e.Freq,
		Passno:  e.Passno,
	}
	if err := c.optlist.AppendOptstr(e.Options, nil); err != nil {
		return wrapf(ErrMountOpt, "%v", err)
	}
	c.state |= flTabApplied
	return nil
}

// Helper returns the helper chosen for the operation, if any.
func (c *Context) Helper() string { return c.helper }

func (c *Context) TabApplied() bool { return c.state&flTabApplied != 0 }

// ForcedRdonly reports whether the filesystem was mounted read-only
// because the source is write-protected.
func (c *Context) ForcedRdonly() bool { return c.state&flForcedRdonly != 0 }

// SyscallCalled reports whether the mount or umount syscall was issued.
func (c *Context) SyscallCalled() bool { return c.syscallCalled }

// SyscallErrno returns the errno of the failed syscall, 0 on success.
func (c *Context) SyscallErrno() unix.Errno { return c.syscallErrno }

// SyscallName returns the name of the last issued syscall.
func (c *Context) SyscallName() string { return c.syscallName }

func (c *Context) HelperExecuted() bool { return c.helperExecuted }

// HelperStatus returns the exit status of the executed helper.
func (c *Context) HelperStatus() int { return c.helperStatus }

// Status reports whether the filesystem was mounted or unmounted by the
// syscall or by a helper.
func (c *Context) Status() bool {
	return (c.syscallCalled && c.syscallErrno == 0) || (c.helperExecuted && c.helperStatus == 0)
}

func (c *Context) setSyscallStatus(name string, err error) {
	c.syscallCalled = true
	c.syscallName = name
	c.syscallErrno = 0
	if err != nil {
		c.syscallErrno = errnoOf(err)
		if c.syscallErrno == 0 {
			c.syscallErrno = unix.EINVAL
		}
		log.G(c.ctx).WithError(err).Debugf("%s failed", name)
	}
}

func (c *Context) resetSyscallStatus() {
	c.syscallCalled = false
	c.syscallErrno = 0
	c.syscallName = ""
}

func (c *Context) resetStatus() {
	c.resetSyscallStatus()
	c.helperExecuted = false
	c.helperStatus = 0
}

// propagationOnly reports a mount that only changes propagation flags.
func (c *Context) propagationOnly() bool {
	if c.action != ActionMount {
		return false
	}
	if c.fs.Fstype != "" && c.fs.Fstype != "none" {
		return false
	}
	if c.fs.Source != "" && c.fs.Source != "none" {
		return false
	}
	return c.optlist.IsPropagationOnly()
}

// SetTargetNS makes the operation run in the mount namespace at path,
// e.g. /proc/<pid>/ns/mnt. An empty path returns to the caller's
// namespace.
func (c *Context) SetTargetNS(path string) error {
	if c.nsTgt.fd >= 0 {
		unix.Close(c.nsTgt.fd)
		c.nsTgt = namespace{fd: -1}
	}
	if path == "" {
		return nil
	}
	if c.nsOrig.fd < 0 {
		fd, err := unix.Open("/proc/self/ns/mnt", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return wrapf(ErrNamespace, "failed to open origin namespace: %v", err)
		}
		c.nsOrig = namespace{fd: fd, path: "/proc/self/ns/mnt"}
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return wrapf(ErrNamespace, "failed to open %s: %v", path, err)
	}
	c.nsTgt = namespace{fd: fd, path: path}
	return nil
}

// switchNS enters ns and returns the namespace to restore.
//
// setns(2) into a mount namespace fails for a thread sharing its
// filesystem attributes with other threads. The first switch locks the
// goroutine to its thread and unshares CLONE_FS there; the thread is never
// unlocked again and the runtime discards it when the goroutine exits. A
// Context with a target namespace must stay on one goroutine.
func (c *Context) switchNS(ns *namespace) (*namespace, error) {
	old := c.nsCur
	if ns == old || ns.fd < 0 {
		return old, nil
	}
	if !c.nsThread {
		runtime.LockOSThread()
		if err := c.kernel.Unshare(unix.CLONE_FS); err != nil {
			runtime.UnlockOSThread()
			return nil, wrapf(ErrNamespace, "unshare filesystem attributes: %v", err)
		}
		c.nsThread = true
	}
	if err := c.kernel.Setns(ns.fd, unix.CLONE_NEWNS); err != nil {
		return nil, wrapf(ErrNamespace, "setns %s: %v", ns.path, err)
	}
	c.nsCur = ns
	return old, nil
}

func (c *Context) switchTargetNS() (*namespace, error) { return c.switchNS(&c.nsTgt) }

func (c *Context) switchOriginNS() (*namespace, error) { return c.switchNS(&c.nsOrig) }

// restoreNS switches back to old, reporting a failure in retErr unless
// it already holds an error.
func (c *Context) restoreNS(old *namespace, retErr *error) {
	if old == nil {
		return
	}
	if _, err := c.switchNS(old); err != nil && *retErr == nil {
		*retErr = err
	}
}

// Fstab returns the fstab table, read on first use. A missing file is an
// empty table.
func (c *Context) Fstab() (_ *table.Table, retErr error) {
	if c.fstab != nil {
		return c.fstab, nil
	}
	old, err := c.switchOriginNS()
	if err != nil {
		return nil, err
	}
	defer c.restoreNS(old, &retErr)

	t, err := table.LoadFstab(c.fstabPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.G(c.ctx).Debugf("%s does not exist", c.fstabPath)
		t = table.New()
	}
	c.fstab = t
	return t, nil
}

// Mountinfo returns the kernel mount table of the target namespace with
// the userspace options merged in.
func (c *Context) Mountinfo() (_ *table.Table, retErr error) {
	if c.mountinfo != nil {
		return c.mountinfo, nil
	}
	old, err := c.switchTargetNS()
	if err != nil {
		return nil, err
	}
	defer c.restoreNS(old, &retErr)

	t, err := c.loadMountinfo()
	if err != nil {
		return nil, err
	}
	if c.utab != nil {
		if err := c.utab.Merge(t); err != nil {
			log.G(c.ctx).WithError(err).Warn("failed to merge userspace mount table")
		}
	}
	c.mountinfo = t
	return t, nil
}

func (c *Context) filesystems(pattern string) (_ []string, retErr error) {
	old, err := c.switchOriginNS()
	if err != nil {
		return nil, err
	}
	defer c.restoreNS(old, &retErr)
	return table.Filesystems(c.filesystemsPath, c.procFilesystemsPath, pattern)
}

// mergeMflags folds duplicated options before the flags are evaluated.
func (c *Context) mergeMflags() error {
	c.optlist.MergeOpts()
	c.state |= flMountflagsMerged
	log.G(c.ctx).Debugf("flags: kernel=%#x user=%#x", c.MountFlags(), c.UserFlags())
	return nil
}

// prepareHelper looks up <dir>/<name>.<type> in the helper search path.
// A type with a subtype falls back to the main type.
func (c *Context) prepareHelper(name, typ string) error {
	if typ == "" {
		typ = c.fs.Fstype
	}
	if strings.Contains(typ, ",") {
		return nil
	}
	if c.Enabled(FlagNoHelpers) || typ == "" || typ == "none" ||
		strings.Contains(typ, "/..") || c.fs.IsSwaparea() {
		return nil
	}
	for _, dir := range filepath.SplitList(c.helperSearchPath) {
		if dir == "" {
			continue
		}
		helper := filepath.Join(dir, name+"."+typ)
		_, err := os.Stat(helper)
		if err != nil && os.IsNotExist(err) && strings.Contains(typ, ".") {
			helper = helper[:strings.LastIndexByte(helper, '.')]
			_, err = os.Stat(helper)
		}
		log.G(c.ctx).WithField("helper", helper).Debugf("helper lookup: %v", err == nil)
		if err != nil {
			continue
		}
		c.helper = helper
		return nil
	}
	return nil
}

// runHelper executes the helper in the origin namespace. The target
// namespace is passed with -N.
func (c *Context) runHelper(args []string) (retErr error) {
	if c.nsTgt.fd >= 0 {
		args = append(args, "-N", fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), c.nsTgt.fd))
	}
	old, err := c.switchOriginNS()
	if err != nil {
		return err
	}
	defer c.restoreNS(old, &retErr)

	status, err := c.runner.Run(c.ctx, c.helper, args)
	if err != nil {
		return fmt.Errorf("failed to execute %s: %w", c.helper, err)
	}
	c.helperExecuted = true
	c.helperStatus = status
	log.G(c.ctx).WithField("helper", c.helper).Debugf("helper exited with %d", status)
	return nil
}

// helperType returns the -t argument for helpers: only types with a
// subtype not already encoded in the helper name are passed.
func (c *Context) helperType() string {
	typ := c.fs.Fstype
	if typ != "" && strings.Contains(typ, ".") && !strings.HasSuffix(c.helper, typ) {
		return typ
	}
	return ""
}

// prepareUpdate prepares the userspace mount table change of the
// operation.
func (c *Context) prepareUpdate() error {
	if c.propagationOnly() {
		return nil
	}
	if c.action == ActionUmount && c.fs.Target == "/" {
		c.Enable(FlagNoMtab, true)
	}
	if c.Enabled(FlagNoMtab) || c.helper != "" || c.utab == nil {
		return nil
	}
	if c.syscallCalled && c.syscallErrno != 0 {
		log.G(c.ctx).Debugf("skip update: %s failed", c.syscallName)
		return nil
	}
	if c.update == nil {
		c.update = c.utab.NewUpdate()
	}
	act, e := c.updateEntry()
	return c.update.Start(act, e)
}

func (c *Context) updateEntry() (utab.Action, *table.Entry) {
	if c.action == ActionUmount {
		return utab.Remove, &table.Entry{Target: c.fs.Target}
	}
	e := &table.Entry{
		Source:      c.fs.Source,
		Target:      c.fs.Target,
		Fstype:      c.fs.Fstype,
		Root:        c.fs.Root,
		UserOptions: c.optlist.String(options.UserspaceMap, options.FilterMtab),
	}
	switch {
	case c.optlist.IsMove():
		return utab.Move, e
	case c.optlist.IsRemount():
		return utab.Remount, e
	case c.optlist.IsBind():
		e.Bindsrc = c.fs.Source
	}
	return utab.Add, e
}

// updateTabs commits the prepared change after a successful syscall.
func (c *Context) updateTabs() error {
	if c.Enabled(FlagNoMtab) || c.helper != "" || c.update == nil || !c.update.Ready() {
		return nil
	}
	if !c.syscallCalled || c.syscallErrno != 0 {
		return nil
	}
	if err := c.update.Commit(); err != nil {
		return wrapf(ErrLock, "%v", err)
	}
	return nil
}
