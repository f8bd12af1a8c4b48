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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type closeCounter struct{ closed int }

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func recordHook(order *[]string, name string) hookFunc {
	return func(ctx context.Context, c *Context, hs *Hookset, data interface{}) error {
		*order = append(*order, name)
		return nil
	}
}

func TestHooksOrder(t *testing.T) {
	c := New(WithKernel(newFakeKernel(false)))
	var order []string
	c.insertHookAfter(hooksetOwner, StageMountPost, nil, recordHook(&order, "owner"), hooksetSubdir.Name)
	c.appendHook(hooksetLoopdev, StageMountPost, nil, recordHook(&order, "loopdev"))
	c.appendHook(hooksetSubdir, StageMountPost, nil, recordHook(&order, "subdir"))
	c.appendHook(hooksetMkdir, StageMountPre, nil, recordHook(&order, "mkdir"))

	if err := c.callHooks(context.Background(), StageMountPost); err != nil {
		t.Fatalf("failed to call hooks: %v", err)
	}
	if diff := cmp.Diff([]string{"loopdev", "subdir", "owner"}, order); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	// a stage may run again, e.g. for the next type of a list
	order = nil
	if err := c.callHooks(context.Background(), StageMountPost); err != nil {
		t.Fatalf("failed to call hooks: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("hooks must run again, got %v", order)
	}
}

func TestHooksAddedWhileRunning(t *testing.T) {
	c := New(WithKernel(newFakeKernel(false)))
	var order []string
	c.appendHook(hooksetSubdir, StageMount, nil, func(ctx context.Context, c *Context, hs *Hookset, _ interface{}) error {
		order = append(order, "first")
		c.appendHook(hs, StageMount, nil, recordHook(&order, "second"))
		return nil
	})
	if err := c.callHooks(context.Background(), StageMount); err != nil {
		t.Fatalf("failed to call hooks: %v", err)
	}
	if diff := cmp.Diff([]string{"first", "second"}, order); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestHooksError(t *testing.T) {
	c := New(WithKernel(newFakeKernel(false)))
	var order []string
	errFailed := errors.New("failed")
	c.appendHook(hooksetLoopdev, StageMount, nil, func(context.Context, *Context, *Hookset, interface{}) error {
		return errFailed
	})
	c.appendHook(hooksetMkdir, StageMount, nil, recordHook(&order, "mkdir"))
	if err := c.callHooks(context.Background(), StageMount); !errors.Is(err, errFailed) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("no hook may run after a failure, got %v", order)
	}
}

func TestHooksFake(t *testing.T) {
	c := New(WithKernel(newFakeKernel(false)))
	c.Enable(FlagFake, true)
	var order []string
	c.appendHook(hooksetLoopdev, StageMount, nil, recordHook(&order, "loopdev"))
	if err := c.callHooks(context.Background(), StageMount); err != nil {
		t.Fatalf("failed to call hooks: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("hooks must not run in fake mode, got %v", order)
	}
}

func TestDeinitHooksets(t *testing.T) {
	c := New(WithKernel(newFakeKernel(false)))
	hookData := &closeCounter{}
	hsData := &closeCounter{}
	c.appendHook(hooksetLoopdev, StageMountPost, hookData, recordHook(new([]string), "loopdev"))
	c.setHooksetData(hooksetSubdir, hsData)

	if !c.hasHook(hooksetLoopdev, 0, nil) || !c.hasHook(hooksetLoopdev, StageMountPost, hookData) {
		t.Fatalf("hook not registered")
	}
	if c.hasHook(hooksetLoopdev, StageMount, nil) {
		t.Fatalf("hook registered for the wrong stage")
	}
	if err := c.deinitHooksets(); err != nil {
		t.Fatalf("failed to deinit hooksets: %v", err)
	}
	if hookData.closed != 1 || hsData.closed != 1 {
		t.Fatalf("data not closed: hook=%d hookset=%d", hookData.closed, hsData.closed)
	}
	if c.hasHook(nil, 0, nil) || c.hooksetData(hooksetSubdir) != nil {
		t.Fatalf("hooksets not released")
	}
}

func TestRemoveHook(t *testing.T) {
	c := New(WithKernel(newFakeKernel(false)))
	d := &closeCounter{}
	c.appendHook(hooksetMountLegacy, StageMountPost, d, recordHook(new([]string), "legacy"))
	data, ok := c.removeHook(hooksetMountLegacy, StageMountPost)
	if !ok || data != d {
		t.Fatalf("removeHook = (%v, %v)", data, ok)
	}
	if _, ok := c.removeHook(hooksetMountLegacy, StageMountPost); ok {
		t.Fatalf("hook removed twice")
	}
}

func TestHooksetRegistry(t *testing.T) {
	var names []string
	for _, hs := range hooksets {
		if hs.firstCall == nil && hs.tryClaim == nil {
			t.Fatalf("hookset %s has no entry point", hs.Name)
		}
		names = append(names, hs.Name)
	}
	want := []string{"loopdev", "verity", "mkdir", "selinux", "subdir", "mount", "mount-legacy", "owner"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("unexpected hookset order (-want +got):\n%s", diff)
	}
	if hooksetMount.tryClaim == nil || hooksetMountLegacy.tryClaim == nil {
		t.Fatalf("mount strategies cannot claim the mount stage")
	}
}
