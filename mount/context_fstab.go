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
	"github.com/containerd/log"

	"github.com/containerd/go-libmount/table"
)

// OptsMode controls how options found in fstab or the mount table are
// combined with the options of the request.
type OptsMode int

const (
	// OptsIgnore ignores the table options.
	OptsIgnore OptsMode = 1 << 1
	// OptsAppend appends the table options.
	OptsAppend OptsMode = 1 << 2
	// OptsPrepend prepends the table options.
	OptsPrepend OptsMode = 1 << 3
	// OptsReplace replaces the request options.
	OptsReplace OptsMode = 1 << 4
	// OptsForce reads the tables even when source and target are known.
	OptsForce OptsMode = 1 << 5
	// OptsFstab reads fstab.
	OptsFstab OptsMode = 1 << 10
	// OptsMtab reads the mount table when fstab has no match.
	OptsMtab OptsMode = 1 << 11
	// OptsNoTab disables all table lookups.
	OptsNoTab OptsMode = 1 << 12

	OptsAuto = OptsPrepend | OptsFstab | OptsMtab
	OptsUser = OptsReplace | OptsForce | OptsFstab
)

// applyFstab completes the request from fstab, or from the mount table
// when fstab has no matching entry.
func (c *Context) applyFstab() error {
	if c.TabApplied() {
		return nil
	}
	switch {
	case c.restricted:
		c.optsmode = OptsUser
	case c.optsmode == 0:
		c.optsmode = OptsAuto
	case c.optsmode&OptsNoTab != 0:
		c.optsmode &^= OptsFstab | OptsMtab | OptsForce
	}
	src, tgt := c.fs.Source, c.fs.Target
	logger := log.G(c.ctx).WithField("source", src).WithField("target", tgt)

	if src != "" && tgt != "" && c.optsmode&OptsForce == 0 {
		return nil
	}
	if src == "" && tgt != "" && c.optsmode&(OptsFstab|OptsMtab) == 0 {
		logger.Debug("skip table lookup, probably propagation change")
		return nil
	}
	logger.Debugf("applying tables (optsmode %#x)", int(c.optsmode))

	var err error = ErrNoFstab
	if c.optsmode&OptsFstab != 0 {
		var t *table.Table
		if t, err = c.Fstab(); err == nil {
			err = c.applyTable(t, table.Forward)
		}
	}
	if libError(err) == ErrNoFstab && c.optsmode&OptsMtab != 0 {
		var t *table.Table
		if t, err = c.Mountinfo(); err == nil {
			err = c.applyTable(t, table.Backward)
		}
	}
	if err != nil {
		logger.WithError(err).Debug("no table entry")
	}
	return err
}

func (c *Context) findTableEntry(t *table.Table, dir table.Direction) *table.Entry {
	src, tgt := c.fs.Source, c.fs.Target
	if src != "" && tgt != "" {
		return t.FindPair(src, tgt, dir)
	}
	var e *table.Entry
	if src != "" {
		e = t.FindSource(src, dir)
	} else if tgt != "" {
		e = t.FindTarget(tgt, dir)
	}
	if e == nil && c.swapMatch() {
		// "mount /foo" may name the mount point as well as the source
		if _, _, isTag := c.fs.Tag(); src != "" && !isTag {
			e = t.FindTarget(src, dir)
		}
		if e == nil && tgt != "" {
			e = t.FindSource(tgt, dir)
		}
	}
	return e
}

func (c *Context) applyTable(t *table.Table, dir table.Direction) error {
	e := c.findTableEntry(t, dir)
	if e == nil {
		if c.fs.Target != "" {
			return wrapf(ErrNoFstab, "%s", c.fs.Target)
		}
		return wrapf(ErrNoFstab, "%s", c.fs.Source)
	}
	c.fs.Source = e.Source
	c.fs.Target = e.Target
	if c.fs.Fstype == "" {
		c.fs.Fstype = e.Fstype
	}
	if c.fs.Root == "" {
		c.fs.Root = e.Root
	}
	if c.fs.Bindsrc == "" {
		c.fs.Bindsrc = e.Bindsrc
	}

	var err error
	switch {
	case c.optsmode&OptsIgnore != 0:
	case c.optsmode&OptsReplace != 0:
		err = c.optlist.SetOptstr(e.Options, nil)
	case c.optsmode&OptsAppend != 0:
		err = c.optlist.AppendOptstr(e.Options, nil)
	case c.optsmode&OptsPrepend != 0:
		err = c.optlist.PrependOptstr(e.Options, nil)
	}
	if err != nil {
		return wrapf(ErrMountOpt, "%v", err)
	}
	log.G(c.ctx).WithField("source", e.Source).WithField("target", e.Target).Debug("table entry applied")
	c.state |= flTabApplied
	return nil
}
