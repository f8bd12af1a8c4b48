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

package table

import (
	"io"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ParseMountinfo reads a /proc/<pid>/mountinfo formatted table.
func ParseMountinfo(r io.Reader) (*Table, error) {
	infos, err := mountinfo.GetMountsFromReader(r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse mountinfo")
	}
	return fromInfos(infos), nil
}

// LoadMountinfo reads the mount table of the current process.
func LoadMountinfo() (*Table, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read mountinfo")
	}
	return fromInfos(infos), nil
}

func fromInfos(infos []*mountinfo.Info) *Table {
	t := New()
	for _, info := range infos {
		t.Add(fromInfo(info))
	}
	return t
}

func fromInfo(info *mountinfo.Info) *Entry {
	e := &Entry{
		ID:         info.ID,
		ParentID:   info.Parent,
		Devno:      unix.Mkdev(uint32(info.Major), uint32(info.Minor)),
		Source:     info.Source,
		Target:     info.Mountpoint,
		Fstype:     info.FSType,
		Root:       info.Root,
		VFSOptions: info.Options,
		FSOptions:  info.VFSOptions,
		Optional:   info.Optional,
		Kernel:     true,
	}
	switch {
	case e.VFSOptions == "":
		e.Options = e.FSOptions
	case e.FSOptions == "":
		e.Options = e.VFSOptions
	default:
		e.Options = e.VFSOptions + "," + e.FSOptions
	}
	return e
}
