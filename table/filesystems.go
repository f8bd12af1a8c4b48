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
	"os"
	"strings"

	"github.com/containerd/go-libmount/options"
)

// Filesystems returns the filesystem types to try when the type was not
// given, in the order of etcPath (usually /etc/filesystems) followed by
// procPath (usually /proc/filesystems). A "*" line in etcPath means the
// kernel list is consulted too; without one the kernel list is used only
// when etcPath is missing or lists nothing. Types not matching pattern
// are skipped.
func Filesystems(etcPath, procPath, pattern string) ([]string, error) {
	var (
		res  []string
		seen = map[string]bool{}
	)
	add := func(typ string) {
		if typ == "" || seen[typ] {
			return
		}
		if pattern != "" && !options.MatchFstype(typ, pattern) {
			return
		}
		seen[typ] = true
		res = append(res, typ)
	}
	wantProc := true
	if etcPath != "" {
		types, star, err := readFilesystems(etcPath)
		switch {
		case err == nil:
			for _, typ := range types {
				add(typ)
			}
			wantProc = star || len(res) == 0
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	if wantProc && procPath != "" {
		types, _, err := readFilesystems(procPath)
		if err != nil {
			return nil, err
		}
		for _, typ := range types {
			add(typ)
		}
	}
	return res, nil
}

func readFilesystems(path string) (types []string, star bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "nodev") {
			continue
		}
		name := strings.Fields(line)[0]
		if name == "*" {
			star = true
			continue
		}
		types = append(types, name)
	}
	return types, star, sc.Err()
}
