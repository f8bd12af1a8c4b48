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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// ParseFstab reads an fstab(5) formatted table.
func ParseFstab(r io.Reader) (*Table, error) {
	t := New()
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			return nil, fmt.Errorf("line %d: missing mount point: %w", lineno, errdefs.ErrInvalidArgument)
		}
		e := &Entry{
			Source: unescape(f[0]),
			Target: unescape(f[1]),
			Fstype: "auto",
		}
		if len(f) > 2 {
			e.Fstype = unescape(f[2])
		}
		opts := "defaults"
		if len(f) > 3 {
			opts = unescape(f[3])
		}
		if err := e.SetOptions(opts); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		var err error
		if len(f) > 4 {
			if e.Freq, err = strconv.Atoi(f[4]); err != nil {
				return nil, fmt.Errorf("line %d: bad freq %q: %w", lineno, f[4], errdefs.ErrInvalidArgument)
			}
		}
		if len(f) > 5 {
			if e.Passno, err = strconv.Atoi(f[5]); err != nil {
				return nil, fmt.Errorf("line %d: bad passno %q: %w", lineno, f[5], errdefs.ErrInvalidArgument)
			}
		}
		t.Add(e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFstab reads the fstab at path.
func LoadFstab(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	t, err := ParseFstab(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return t, nil
}

// unescape decodes the \NNN octal escapes used for white space.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
