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

// Package utab keeps the userspace mount table: the mount options the
// kernel does not store (user=, helper=, x-*, ...) keyed by mount point.
package utab

import (
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Lock is the advisory lock guarding the userspace mount table.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns a lock on the file path, usually the table path with a
// ".lock" suffix.
func NewLock(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Lock blocks until the lock is acquired.
func (l *Lock) Lock() error {
	if err := l.fl.Lock(); err != nil {
		return errors.Wrapf(err, "failed to lock %s", l.fl.Path())
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return errors.Wrapf(err, "failed to unlock %s", l.fl.Path())
	}
	return nil
}
