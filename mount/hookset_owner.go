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
	"os"
	"strconv"

	"github.com/containerd/log"

	"github.com/containerd/go-libmount/options"
)

// hooksetOwner applies X-mount.owner=, X-mount.group= and X-mount.mode=
// to the root of the new mount.
var hooksetOwner = &Hookset{
	Name:       "owner",
	firstStage: StagePrepOptions,
}

func init() {
	hooksetOwner.firstCall = prepareOwner
}

type ownerData struct {
	uid, gid int
	mode     os.FileMode
	hasMode  bool
}

func (c *Context) ownerID(name string, resolve func(string) (string, error)) (int, error) {
	o := c.optlist.Named(name, nil)
	if o == nil || !o.HasValue() {
		return -1, nil
	}
	v, err := resolve(o.Value())
	if err != nil {
		return -1, wrapf(ErrMountOpt, "%s=%s: %v", name, o.Value(), err)
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return -1, wrapf(ErrMountOpt, "%s=%s: %v", name, o.Value(), err)
	}
	return id, nil
}

func prepareOwner(ctx context.Context, c *Context, hs *Hookset) error {
	if c.action != ActionMount {
		return nil
	}
	d := &ownerData{}
	var err error
	if d.uid, err = c.ownerID("X-mount.owner", options.ResolveUID); err != nil {
		return err
	}
	if d.gid, err = c.ownerID("X-mount.group", options.ResolveGID); err != nil {
		return err
	}
	if o := c.optlist.Named("X-mount.mode", nil); o != nil && o.HasValue() {
		m, err := strconv.ParseUint(o.Value(), 8, 32)
		if err != nil || m > 0o7777 {
			return wrapf(ErrMountOpt, "invalid X-mount.mode=%s", o.Value())
		}
		d.mode, d.hasMode = os.FileMode(m), true
	}
	if d.uid < 0 && d.gid < 0 && !d.hasMode {
		return nil
	}
	// the target is final only after subdir moved the mount
	c.insertHookAfter(hs, StageMountPost, d, hookOwnerMountPost, hooksetSubdir.Name)
	return nil
}

func hookOwnerMountPost(ctx context.Context, c *Context, hs *Hookset, data interface{}) error {
	d := data.(*ownerData)
	target := c.fs.Target
	if !c.Status() || target == "" {
		return nil
	}
	if d.uid >= 0 || d.gid >= 0 {
		log.G(ctx).WithField("target", target).Debugf("chown %d:%d", d.uid, d.gid)
		if err := os.Lchown(target, d.uid, d.gid); err != nil {
			return wrapf(ErrChown, "%s: %v", target, err)
		}
	}
	if d.hasMode {
		log.G(ctx).WithField("target", target).Debugf("chmod %#o", d.mode)
		if err := os.Chmod(target, fileMode(d.mode)); err != nil {
			return wrapf(ErrChmod, "%s: %v", target, err)
		}
	}
	return nil
}

// fileMode converts the setuid, setgid and sticky bits of a numeric mode.
func fileMode(m os.FileMode) os.FileMode {
	res := m & os.ModePerm
	if m&0o4000 != 0 {
		res |= os.ModeSetuid
	}
	if m&0o2000 != 0 {
		res |= os.ModeSetgid
	}
	if m&0o1000 != 0 {
		res |= os.ModeSticky
	}
	return res
}
