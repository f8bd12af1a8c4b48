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
	"strconv"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

var hooksetMkdir = &Hookset{
	Name:       "mkdir",
	firstStage: StagePrepTarget,
}

func init() {
	hooksetMkdir.firstCall = prepareMkdir
}

const defaultMkdirMode os.FileMode = 0o755

// mkdirMode returns the mode requested by X-mount.mkdir[=mode] or the
// older x-mount.mkdir.
func (c *Context) mkdirMode() (os.FileMode, bool, error) {
	o := c.optlist.Named("X-mount.mkdir", nil)
	if o == nil {
		o = c.optlist.Named("x-mount.mkdir", nil)
	}
	if o == nil {
		return 0, false, nil
	}
	if !o.HasValue() {
		return defaultMkdirMode, true, nil
	}
	m, err := strconv.ParseUint(o.Value(), 8, 32)
	if err != nil {
		return 0, false, wrapf(ErrMountOpt, "invalid %s=%s", o.Name(), o.Value())
	}
	return os.FileMode(m), true, nil
}

func prepareMkdir(ctx context.Context, c *Context, hs *Hookset) error {
	if c.action != ActionMount || c.fs.Target == "" {
		return nil
	}
	mode, ok, err := c.mkdirMode()
	if err != nil || !ok {
		return err
	}
	if c.restricted && !c.TabApplied() {
		return fmt.Errorf("mkdir %s not permitted: %w", c.fs.Target, unix.EPERM)
	}
	if _, err := os.Stat(c.fs.Target); err == nil {
		return nil
	}
	log.G(ctx).WithField("target", c.fs.Target).Debugf("creating mount point with mode %#o", mode)
	if err := os.MkdirAll(c.fs.Target, mode); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	return nil
}
