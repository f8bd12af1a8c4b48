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

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
)

// Stage is one step of the mount pipeline.
type Stage int

const (
	StagePrepSource Stage = iota + 1
	StagePrepTarget
	StagePrepOptions
	StagePrep
	StageMountPre
	StageMount
	StageMountPost
	StagePost
)

func (s Stage) String() string {
	switch s {
	case StagePrepSource:
		return "prep-source"
	case StagePrepTarget:
		return "prep-target"
	case StagePrepOptions:
		return "prep-options"
	case StagePrep:
		return "prep"
	case StageMountPre:
		return "pre-mount"
	case StageMount:
		return "mount"
	case StageMountPost:
		return "post-mount"
	case StagePost:
		return "post"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type hookFunc func(ctx context.Context, c *Context, hs *Hookset, data interface{}) error

type claim int

const (
	declined claim = iota
	claimed
)

// Hookset is a named unit of pipeline behaviour. Hooksets are singletons;
// their per-operation state lives in the Context.
type Hookset struct {
	Name string

	firstStage Stage
	firstCall  func(ctx context.Context, c *Context, hs *Hookset) error

	// tryClaim is set for strategies competing for the mount stage. The
	// strategies of a stage are tried in registration order until one
	// claims the operation.
	tryClaim func(ctx context.Context, c *Context, hs *Hookset) (claim, error)

	// deinit releases state beyond hooks and hookset data, which are
	// always released by the pipeline.
	deinit func(c *Context, hs *Hookset) error
}

type hook struct {
	hs       *Hookset
	stage    Stage
	data     interface{}
	after    string
	fn       hookFunc
	executed bool
}

type hooksetDatum struct {
	hs   *Hookset
	data interface{}
}

// hooksets lists the hooksets in registration order.
var hooksets = []*Hookset{
	hooksetLoopdev,
	hooksetVerity,
	hooksetMkdir,
	hooksetSelinux,
	hooksetSubdir,
	hooksetMount,
	hooksetMountLegacy,
	hooksetOwner,
}

func (c *Context) appendHook(hs *Hookset, stage Stage, data interface{}, fn hookFunc) {
	c.insertHookAfter(hs, stage, data, fn, "")
}

// insertHookAfter registers a hook to run right after the hooks of the
// hookset named after in the same stage.
func (c *Context) insertHookAfter(hs *Hookset, stage Stage, data interface{}, fn hookFunc, after string) {
	log.G(c.ctx).Debugf("appending %s hook from %s", stage, hs.Name)
	c.hooks = append(c.hooks, &hook{hs: hs, stage: stage, data: data, fn: fn, after: after})
}

func (c *Context) findHook(hs *Hookset, stage Stage, data interface{}) int {
	for i, h := range c.hooks {
		if hs != nil && h.hs != hs {
			continue
		}
		if stage != 0 && h.stage != stage {
			continue
		}
		if data != nil && h.data != data {
			continue
		}
		return i
	}
	return -1
}

// hasHook reports whether hs registered a hook. Zero stage and nil data
// match anything.
func (c *Context) hasHook(hs *Hookset, stage Stage, data interface{}) bool {
	return c.findHook(hs, stage, data) >= 0
}

// removeHook removes the first hook of hs in stage and returns its data.
func (c *Context) removeHook(hs *Hookset, stage Stage) (interface{}, bool) {
	i := c.findHook(hs, stage, nil)
	if i < 0 {
		return nil, false
	}
	h := c.hooks[i]
	log.G(c.ctx).Debugf("removing %s hook from %s", h.stage, h.hs.Name)
	c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
	return h.data, true
}

func (c *Context) setHooksetData(hs *Hookset, data interface{}) {
	for i, d := range c.hsData {
		if d.hs != hs {
			continue
		}
		if data == nil {
			c.hsData = append(c.hsData[:i], c.hsData[i+1:]...)
		} else {
			c.hsData[i].data = data
		}
		return
	}
	if data != nil {
		c.hsData = append(c.hsData, hooksetDatum{hs: hs, data: data})
	}
}

func (c *Context) hooksetData(hs *Hookset) interface{} {
	for _, d := range c.hsData {
		if d.hs == hs {
			return d.data
		}
	}
	return nil
}

func closeData(data interface{}) error {
	if cl, ok := data.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// deinitHooksets releases every hook and all hookset data, in reverse
// registration order.
func (c *Context) deinitHooksets() error {
	if len(c.hooks) == 0 && len(c.hsData) == 0 {
		return nil
	}
	var result *multierror.Error
	for i := len(hooksets) - 1; i >= 0; i-- {
		hs := hooksets[i]
		if hs.deinit != nil {
			if err := hs.deinit(c, hs); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for {
			data, ok := c.removeHook(hs, 0)
			if !ok {
				break
			}
			if err := closeData(data); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if data := c.hooksetData(hs); data != nil {
			if err := closeData(data); err != nil {
				result = multierror.Append(result, err)
			}
			c.setHooksetData(hs, nil)
		}
	}
	c.hooks = nil
	c.hsData = nil
	return result.ErrorOrNil()
}

func (c *Context) callHook(ctx context.Context, h *hook, stage Stage) error {
	var err error
	if c.IsFake() {
		log.G(ctx).Debugf("fake %s call from %s", stage, h.hs.Name)
	} else {
		err = h.fn(ctx, c, h.hs, h.data)
	}
	h.executed = true
	if err == nil {
		err = c.callDependHooks(ctx, h.hs.Name, stage)
	}
	return err
}

func (c *Context) callDependHooks(ctx context.Context, name string, stage Stage) error {
	for i := 0; i < len(c.hooks); i++ {
		h := c.hooks[i]
		if h.stage != stage || h.executed || h.after == "" || h.after != name {
			continue
		}
		if err := c.callHook(ctx, h, stage); err != nil {
			return err
		}
	}
	return nil
}

// pendingHooks reports whether the hookset called name has hooks of
// stage that did not run yet.
func (c *Context) pendingHooks(stage Stage, name string) bool {
	for _, h := range c.hooks {
		if h.stage == stage && !h.executed && h.hs.Name == name {
			return true
		}
	}
	return false
}

// callHooks runs stage: first the initial calls of the hooksets starting
// at it, then every hook registered for it, including hooks added while
// the stage is running.
func (c *Context) callHooks(ctx context.Context, stage Stage) (retErr error) {
	log.G(ctx).Debugf("---> stage:%s", stage)
	defer func() {
		for _, h := range c.hooks {
			if h.stage == stage {
				h.executed = false
			}
		}
		log.G(ctx).Debugf("<--- stage:%s [err=%v]", stage, retErr)
	}()

	strategyClaimed := false
	for _, hs := range hooksets {
		if hs.firstStage != stage {
			continue
		}
		if c.IsFake() {
			log.G(ctx).Debugf("fake first call of %s", hs.Name)
			continue
		}
		switch {
		case hs.tryClaim != nil:
			if strategyClaimed {
				continue
			}
			r, err := hs.tryClaim(ctx, c, hs)
			if err != nil {
				return err
			}
			if r == claimed {
				log.G(ctx).Debugf("%s claimed the mount", hs.Name)
				strategyClaimed = true
			}
		case hs.firstCall != nil:
			if err := hs.firstCall(ctx, c, hs); err != nil {
				return err
			}
		}
		if err := c.callDependHooks(ctx, hs.Name, stage); err != nil {
			return err
		}
	}

	for {
		var next *hook
		for _, h := range c.hooks {
			if h.stage == stage && !h.executed && (h.after == "" || !c.pendingHooks(stage, h.after)) {
				next = h
				break
			}
		}
		if next == nil {
			return nil
		}
		if err := c.callHook(ctx, next, stage); err != nil {
			return err
		}
	}
}
