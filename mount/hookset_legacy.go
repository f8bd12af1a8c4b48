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

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/options"
)

// hooksetMountLegacy mounts with mount(2). It takes over whenever the
// fd based API declined.
var hooksetMountLegacy = &Hookset{
	Name:       "mount-legacy",
	firstStage: StagePrep,
}

func init() {
	hooksetMountLegacy.tryClaim = prepareLegacyMount
}

// legacyFlags is the data of the post-mount mount(2) calls.
type legacyFlags struct {
	flags    uint64
	propOnly bool
}

func prepareLegacyMount(ctx context.Context, c *Context, hs *Hookset) (claim, error) {
	if c.hasHook(hooksetMount, 0, nil) {
		return declined, nil
	}
	propOnly := c.propagationOnly()
	if !propOnly && c.helper == "" {
		c.appendHook(hs, StageMount, nil, hookLegacyMount)
	}

	// propagation flags need one mount(2) call each
	for _, o := range append([]*options.Option(nil), c.optlist.Options()...) {
		ent := o.Entry()
		if o.Map() != options.LinuxMap || o.External() || ent == nil || ent.ID&options.PropagationFlags == 0 {
			continue
		}
		c.appendHook(hs, StageMountPost, &legacyFlags{flags: ent.ID, propOnly: propOnly}, hookLegacyPropagation)
		c.optlist.Remove(o)
	}

	// settable flags of a bind mount need a bind remount
	flags := c.MountFlags()
	if flags&unix.MS_BIND != 0 && flags&options.BindSettableFlags != 0 && flags&unix.MS_REMOUNT == 0 {
		c.appendHook(hs, StageMountPost,
			&legacyFlags{flags: flags | unix.MS_REMOUNT | unix.MS_BIND}, hookLegacyBindRemount)
	}
	return claimed, nil
}

func hookLegacyMount(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	src := c.fs.SrcPath()
	if src == "" {
		src = "none"
	}
	flags := c.MountFlags()
	data := c.optlist.String(nil, options.FilterUnknown)
	log.G(ctx).WithField("source", src).WithField("target", c.fs.Target).
		Debugf("mount(2) [type=%s flags=%#x data=%q]", c.fs.Fstype, flags, data)
	err := c.kernel.Mount(src, c.fs.Target, c.fs.Fstype, uintptr(flags), data)
	c.setSyscallStatus("mount", err)
	if err != nil {
		return fmt.Errorf("mount %s on %s: %w", src, c.fs.Target, err)
	}
	return nil
}

func (c *Context) legacyData(data interface{}) uint64 {
	fl := data.(*legacyFlags).flags
	if c.optlist.IsSilent() {
		fl |= unix.MS_SILENT
	}
	return fl
}

func hookLegacyPropagation(ctx context.Context, c *Context, hs *Hookset, data interface{}) error {
	flags := c.legacyData(data)
	log.G(ctx).Debugf("mount(2) propagation %#x on %s", flags, c.fs.Target)
	err := c.kernel.Mount("none", c.fs.Target, "", uintptr(flags), "")
	if data.(*legacyFlags).propOnly {
		c.setSyscallStatus("mount", err)
	}
	if err != nil {
		return wrapf(ErrApplyFlags, "propagation on %s: %v", c.fs.Target, err)
	}
	return nil
}

func hookLegacyBindRemount(ctx context.Context, c *Context, hs *Hookset, data interface{}) error {
	flags := c.legacyData(data)
	log.G(ctx).Debugf("mount(2) bind remount %#x on %s", flags, c.fs.Target)
	err := c.kernel.Mount("none", c.fs.Target, "", uintptr(flags), "")
	c.setSyscallStatus("mount", err)
	if err != nil {
		return fmt.Errorf("bind remount %s: %w", c.fs.Target, err)
	}
	return nil
}
