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
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// hooksetSubdir mounts the filesystem on a private temporary mount point
// and moves only X-mount.subdir= of it to the target.
var hooksetSubdir = &Hookset{
	Name:       "subdir",
	firstStage: StagePrepTarget,
}

func init() {
	hooksetSubdir.firstCall = prepareSubdir
}

type subdirData struct {
	c         *Context
	subdir    string
	orgTarget string
	tmp       string

	bound       bool
	tmpUmounted bool
}

// Close releases the temporary mount point.
func (d *subdirData) Close() error {
	if d.tmp == "" {
		return nil
	}
	k := d.c.kernel
	var result *multierror.Error
	if d.bound && !d.tmpUmounted {
		if err := k.Unmount(d.tmp, unix.MNT_DETACH); err != nil {
			log.G(d.c.ctx).WithError(err).Debugf("failed to detach %s", d.tmp)
		}
		d.tmpUmounted = true
	}
	if d.bound {
		if err := k.Unmount(d.tmp, 0); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to unmount %s: %w", d.tmp, err))
		}
		d.bound = false
	}
	if err := os.Remove(d.tmp); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	d.tmp = ""
	return result.ErrorOrNil()
}

func (c *Context) subdirOption() (string, bool, error) {
	o := c.optlist.Named("X-mount.subdir", nil)
	if o == nil {
		return "", false, nil
	}
	dir := strings.TrimPrefix(o.Value(), `"`)
	dir = strings.TrimSuffix(dir, `"`)
	if dir == "" {
		return "", false, wrapf(ErrMountOpt, "X-mount.subdir requires a directory")
	}
	return dir, true, nil
}

func prepareSubdir(ctx context.Context, c *Context, hs *Hookset) error {
	if c.action != ActionMount || c.fs.Target == "" {
		return nil
	}
	dir, ok, err := c.subdirOption()
	if err != nil || !ok {
		return err
	}
	log.G(ctx).Debugf("subdir %s wanted", dir)
	c.setHooksetData(hs, &subdirData{c: c, subdir: dir})
	c.appendHook(hs, StageMountPre, nil, hookSubdirMountPre)
	return nil
}

// hookSubdirMountPre switches the target to a new private mount point.
func hookSubdirMountPre(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	d, _ := c.hooksetData(hs).(*subdirData)
	if d == nil {
		return nil
	}
	tmp := filepath.Join(c.runtimeDir, "tmptgt-"+xid.New().String())
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return fmt.Errorf("failed to create temporary target: %w", err)
	}
	d.tmp = tmp
	if err := c.kernel.Mount(tmp, tmp, "none", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("failed to bind %s: %w", tmp, err)
	}
	d.bound = true
	if err := c.kernel.Mount("none", tmp, "", unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("failed to make %s private: %w", tmp, err)
	}
	d.orgTarget = c.fs.Target
	c.fs.Target = tmp
	log.G(ctx).WithField("target", tmp).Debug("mounting on temporary target")
	c.appendHook(hs, StageMountPost, nil, hookSubdirMountPost)
	return nil
}

// hookSubdirMountPost attaches the subdirectory to the real target.
func hookSubdirMountPost(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
	d, _ := c.hooksetData(hs).(*subdirData)
	if d == nil || d.orgTarget == "" {
		return nil
	}
	root := c.fs.Target
	api := c.sysapi()
	if api != nil {
		if err := c.ensureTree(api); err != nil {
			return err
		}
	}
	c.fs.Target = d.orgTarget

	if api != nil && api.fdTree >= 0 {
		log.G(ctx).Debugf("attach subdir %s", d.subdir)
		fd, err := c.kernel.OpenTree(api.fdTree, d.subdir, unix.OPEN_TREE_CLOEXEC|unix.OPEN_TREE_CLONE)
		if err := c.syscallFailed("open_tree", err); err != nil {
			return err
		}
		err = c.kernel.MoveMount(fd, "", unix.AT_FDCWD, d.orgTarget, unix.MOVE_MOUNT_F_EMPTY_PATH)
		if err := c.syscallFailed("move_mount", err); err != nil {
			c.kernel.Close(fd)
			return err
		}
		c.kernel.Close(api.fdTree)
		api.fdTree = fd
	} else {
		src := filepath.Join(root, d.subdir)
		log.G(ctx).Debugf("mount subdir %s to %s", src, d.orgTarget)
		err := c.kernel.Mount(src, d.orgTarget, "", unix.MS_BIND, "")
		if err := c.syscallFailed("mount", err); err != nil {
			return err
		}
	}

	log.G(ctx).Debugf("umount old root %s", root)
	err := c.kernel.Unmount(root, 0)
	d.tmpUmounted = true
	if err := c.syscallFailed("umount", err); err != nil {
		return err
	}
	return d.Close()
}
