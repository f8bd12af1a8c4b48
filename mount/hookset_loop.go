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
	"strings"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/loopdev"
	"github.com/containerd/go-libmount/options"
	"github.com/containerd/go-libmount/table"
)

var hooksetLoopdev = &Hookset{
	Name:       "loopdev",
	firstStage: StagePrepSource,
}

func init() {
	hooksetLoopdev.firstCall = prepareLoopdev
}

// Regular files smaller than this never hold a mountable filesystem.
const minLoopFileSize = 1024

// blockFstypes are filesystems that only mount from block devices.
var blockFstypes = map[string]struct{}{
	"ext2": {}, "ext3": {}, "ext4": {}, "ext4dev": {}, "jbd": {},
	"xfs": {}, "btrfs": {}, "f2fs": {}, "jfs": {}, "reiserfs": {}, "nilfs2": {},
	"vfat": {}, "msdos": {}, "exfat": {}, "ntfs": {}, "ntfs3": {}, "hfs": {}, "hfsplus": {},
	"iso9660": {}, "udf": {}, "squashfs": {}, "cramfs": {}, "romfs": {}, "erofs": {},
	"minix": {}, "ufs": {}, "befs": {}, "bfs": {}, "gfs2": {}, "ocfs2": {}, "zonefs": {},
}

// loopData keeps a new device alive until the filesystem holds it. An
// unused device is detached on Close.
type loopData struct {
	c      *Context
	dev    string
	closer io.Closer
	keep   bool
}

func (d *loopData) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	if !d.keep {
		// an autoclear device may already be gone
		if derr := d.c.loop.Delete(d.dev); derr != nil {
			log.G(d.c.ctx).WithError(derr).WithField("device", d.dev).Debug("failed to detach unused loop device")
		}
	}
	return err
}

func (c *Context) loopRequired() bool {
	if c.action != ActionMount || c.optlist.IsBind() || c.optlist.IsMove() || c.propagationOnly() {
		return false
	}
	src := c.fs.SrcPath()
	if src == "" {
		return false
	}
	if c.UserFlags()&(options.Loop|options.Offset|options.SizeLimit) != 0 {
		log.G(c.ctx).Debug("loop device options detected")
		return true
	}
	if c.fs.IsNetfs() || c.fs.IsPseudofs() {
		return false
	}
	if typ := c.fs.Fstype; typ != "" && typ != "auto" {
		if _, ok := blockFstypes[typ]; !ok {
			return false
		}
	}
	st, err := os.Stat(src)
	if err != nil || !st.Mode().IsRegular() || st.Size() <= minLoopFileSize {
		return false
	}
	log.G(c.ctx).WithField("source", src).Debug("enabling loop device for regular file")
	c.optlist.AppendFlags(options.Loop, options.UserspaceMap)
	return true
}

func (c *Context) loopSize(id uint64) (uint64, error) {
	o := c.optlist.Get(id, options.UserspaceMap)
	if o == nil || !o.HasValue() {
		return 0, nil
	}
	n, err := units.RAMInBytes(o.Value())
	if err != nil || n < 0 {
		return 0, wrapf(ErrMountOpt, "invalid %s=%s", o.Name(), o.Value())
	}
	return uint64(n), nil
}

// mountedSameLoopfile reports whether target already has file at offset
// mounted through a loop device.
func (c *Context) mountedSameLoopfile(target, file string, offset uint64) bool {
	mi, err := c.Mountinfo()
	if err != nil {
		return false
	}
	file = canonicalize(file)
	it := table.NewIter(table.Backward)
	for {
		e, ok := mi.Next(it)
		if !ok {
			return false
		}
		if e.Source == "" || e.Target != target {
			continue
		}
		dev := ""
		if strings.HasPrefix(e.Source, "/dev/loop") {
			dev = e.Source
		} else if c.UserFlags()&options.Loop != 0 {
			if v, found, _ := options.GetOption(e.UserOptions, "loop"); found && v != "" {
				dev = v
			}
		}
		if dev != "" && c.loop.IsUsed(dev, file, offset) {
			log.G(c.ctx).WithField("target", target).Debugf("%s already mounted", file)
			return true
		}
	}
}

func prepareLoopdev(ctx context.Context, c *Context, hs *Hookset) error {
	if !c.loopRequired() {
		return nil
	}
	d, err := c.setupLoopdev(ctx)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}
	c.appendHook(hs, StageMountPost, d, hookCleanupLoopdev)
	return nil
}

// setupLoopdev reuses the device already attached to the backing file
// with the same range or attaches a new autoclear device. The returned
// data is nil when a device was reused.
func (c *Context) setupLoopdev(ctx context.Context) (*loopData, error) {
	file := c.fs.SrcPath()
	readonly := c.optlist.IsRdonly()
	loopopt := c.optlist.Get(options.Loop, options.UserspaceMap)

	offset, err := c.loopSize(options.Offset)
	if err != nil {
		return nil, err
	}
	sizelimit, err := c.loopSize(options.SizeLimit)
	if err != nil {
		return nil, err
	}
	if c.optlist.Get(options.Encryption, options.UserspaceMap) != nil {
		return nil, wrapf(ErrMountOpt, "loop encryption is not supported")
	}
	if c.mountedSameLoopfile(c.fs.Target, file, offset) {
		return nil, fmt.Errorf("%s already mounted on %s: %w", file, c.fs.Target, unix.EBUSY)
	}

	// one device per backing file range, the kernel does not detect
	// two devices writing the same file
	overlap, err := c.loop.Overlaps(file, offset, sizelimit)
	if err != nil {
		return nil, wrapf(ErrLoopDev, "%v", err)
	}
	if overlap {
		return nil, wrapf(ErrLoopOverlap, "%s", file)
	}
	var (
		dev    string
		data   *loopData
		reused bool
	)
	if devs, err := c.loop.FindByBackingFile(file, offset); err == nil && len(devs) > 0 {
		dev = devs[0]
		if c.loop.IsReadonly(dev) && !readonly {
			return nil, fmt.Errorf("%s is read-only: %w", dev, unix.EROFS)
		}
		if loopopt != nil && loopopt.HasValue() {
			return nil, wrapf(ErrLoopOverlap, "%s already attached to %s", file, dev)
		}
		log.G(ctx).WithField("device", dev).Debug("reusing loop device")
		reused = true
	} else {
		cfg := loopdev.Config{
			File:      file,
			Offset:    offset,
			Sizelimit: sizelimit,
			Readonly:  readonly,
			Autoclear: true,
		}
		if loopopt != nil && loopopt.HasValue() {
			cfg.Device = loopopt.Value()
		}
		d, closer, err := c.loop.Setup(ctx, cfg)
		if err != nil {
			return nil, wrapf(ErrLoopDev, "%s: %v", file, err)
		}
		dev = d
		data = &loopData{c: c, dev: dev, closer: closer}
	}

	c.fs.Source = dev
	if loopopt != nil && (reused || c.loop.IsAutoclear(dev)) {
		// the kernel clears the device, loop= is not kept in utab
		c.optlist.Remove(loopopt)
	}
	if !readonly && c.loop.IsReadonly(dev) {
		c.optlist.AppendFlags(unix.MS_RDONLY, options.LinuxMap)
	}
	return data, nil
}

func hookCleanupLoopdev(ctx context.Context, c *Context, hs *Hookset, data interface{}) error {
	d := data.(*loopData)
	d.keep = c.Status()
	return d.Close()
}
