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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
)

var devDiskDir = "/dev/disk"

var tagDirs = map[string]string{
	"LABEL":     "by-label",
	"UUID":      "by-uuid",
	"PARTUUID":  "by-partuuid",
	"PARTLABEL": "by-partlabel",
	"ID":        "by-id",
}

// ResolveTag returns the device path for a NAME=value tag using the udev
// symlinks under /dev/disk.
func ResolveTag(name, value string) (string, error) {
	dir, ok := tagDirs[name]
	if !ok {
		return "", fmt.Errorf("unsupported tag %q: %w", name, errdefs.ErrInvalidArgument)
	}
	link := filepath.Join(devDiskDir, dir, encodeTag(value))
	dev, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", fmt.Errorf("cannot resolve %s=%s: %w", name, value, errdefs.ErrNotFound)
	}
	return dev, nil
}

// ResolveSpec returns the device for a tag or the cleaned path otherwise.
func ResolveSpec(spec string) (string, error) {
	if name, value, ok := ParseTag(spec); ok {
		return ResolveTag(name, value)
	}
	return canonicalize(spec), nil
}

// encodeTag applies the udev escaping used in /dev/disk/by-* names.
func encodeTag(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/' || c == ' ' || c == '\\':
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
