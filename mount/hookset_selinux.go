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
	"strings"

	"github.com/containerd/log"

	"github.com/containerd/go-libmount/options"
)

var hooksetSelinux = &Hookset{
	Name:       "selinux",
	firstStage: StagePrepOptions,
}

func init() {
	hooksetSelinux.firstCall = prepareSelinux
}

var selinuxOptions = map[string]struct{}{
	"context":     {},
	"fscontext":   {},
	"defcontext":  {},
	"rootcontext": {},
	"seclabel":    {},
}

// prepareSelinux drops the context options when SELinux is disabled and
// resolves rootcontext=@target to the label of the mount point.
// The mount point exists at this stage, mkdir runs before it.
func prepareSelinux(ctx context.Context, c *Context, hs *Hookset) error {
	if c.action != ActionMount {
		return nil
	}
	enabled := c.labels != nil && c.labels.Enabled()
	if enabled && c.optlist.IsRemount() {
		return nil
	}
	for _, o := range append([]*options.Option(nil), c.optlist.Options()...) {
		if _, ok := selinuxOptions[o.Name()]; !ok {
			continue
		}
		if !enabled {
			log.G(ctx).Debugf("SELinux disabled, removing %s", o.Name())
			c.optlist.Remove(o)
			continue
		}
		if !o.HasValue() {
			continue
		}
		if o.Name() == "rootcontext" && o.Value() == "@target" {
			if c.fs.Target == "" {
				continue
			}
			label, err := c.labels.FileLabel(c.fs.Target)
			if err != nil || label == "" {
				return wrapf(ErrMountOpt, "failed to get SELinux label of %s: %v", c.fs.Target, err)
			}
			log.G(ctx).Debugf("rootcontext @target resolved to %s", label)
			o.SetQuotedValue(label)
		} else {
			o.SetQuotedValue(strings.Trim(o.Value(), `"`))
		}
		// btrfs rejects these through fsconfig(2)
		c.hasSelinuxOpt = true
	}
	return nil
}
