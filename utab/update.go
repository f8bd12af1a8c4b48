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

package utab

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/hashicorp/go-multierror"

	"github.com/containerd/go-libmount/table"
)

// Action is the kind of change applied by an Update.
type Action int

const (
	// Add records a new mount.
	Add Action = iota
	// Remove drops the record of an unmounted target.
	Remove
	// Remount replaces the user options of an existing record.
	Remount
	// Move renames the record of a moved mount. The entry source is the
	// old mount point.
	Move
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Remount:
		return "remount"
	case Move:
		return "move"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Update is one pending change of the table. It is prepared before the
// mount syscall and committed after it succeeded.
type Update struct {
	store  *Store
	action Action
	rec    *Record
	from   string
	ready  bool
}

// NewUpdate returns an empty update for s.
func (s *Store) NewUpdate() *Update {
	return &Update{store: s}
}

// Start prepares the change described by act and e. Mounts without user
// options are not recorded; Ready reports false for them.
func (u *Update) Start(act Action, e *table.Entry) error {
	if e == nil || e.Target == "" {
		return fmt.Errorf("update without target: %w", errdefs.ErrInvalidArgument)
	}
	u.action = act
	u.rec = &Record{
		Source:      e.Source,
		Target:      e.Target,
		Root:        e.Root,
		Bindsrc:     e.Bindsrc,
		UserOptions: e.UserOptions,
	}
	u.from = ""
	switch act {
	case Add:
		u.ready = e.UserOptions != ""
	case Move:
		if e.Source == "" {
			return fmt.Errorf("move without old mount point: %w", errdefs.ErrInvalidArgument)
		}
		u.from = e.Source
		u.ready = true
	case Remove, Remount:
		u.ready = true
	default:
		return fmt.Errorf("unknown update %v: %w", act, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Ready reports whether Commit will write anything.
func (u *Update) Ready() bool {
	return u.ready
}

// Action returns the prepared action.
func (u *Update) Action() Action {
	return u.action
}

// Commit applies the change under the table lock.
func (u *Update) Commit() (retErr error) {
	if !u.ready {
		return nil
	}
	l := u.store.Locker()
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := l.Unlock(); err != nil {
			retErr = multierror.Append(retErr, err).ErrorOrNil()
		}
	}()

	switch u.action {
	case Add:
		return u.store.put(u.rec)
	case Remove:
		return u.store.remove(u.rec.Target)
	case Move:
		return u.store.move(u.from, u.rec.Target)
	case Remount:
		old, err := u.store.Find(u.rec.Target)
		if err != nil || old == nil {
			return err
		}
		old.UserOptions = u.rec.UserOptions
		if old.UserOptions == "" {
			return u.store.remove(old.Target)
		}
		return u.store.put(old)
	}
	return nil
}
