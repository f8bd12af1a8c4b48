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

package options

import "strings"

// MatchOptions reports whether s matches the comma separated pattern, as
// used by "mount -O". Each pattern item must be present in s. An item with
// a "no" prefix must be absent, a "+" prefix forces a literal match of a
// name starting with "no", and "name=value" also compares the value.
func MatchOptions(s, pattern string) bool {
	if pattern == "" {
		return s == ""
	}
	pat, err := splitItems(pattern)
	if err != nil {
		return false
	}
	for _, p := range pat {
		name, no := p.name, false
		if strings.HasPrefix(name, "+") {
			name = name[1:]
		} else if strings.HasPrefix(name, "no") {
			name, no = name[2:], true
		}
		val, found, err := GetOption(s, name)
		if err != nil {
			return false
		}
		if found && p.value != "" && p.value != val {
			found = false
		}
		if found == no {
			return false
		}
	}
	return true
}

// MatchFstype reports whether typ matches the comma separated pattern, as
// used by "mount -t". A leading "no" negates the whole list, and a "no"
// prefix on a single item excludes that type. Comparison ignores case.
func MatchFstype(typ, pattern string) bool {
	if pattern == "" {
		return typ == ""
	}
	no := false
	if strings.HasPrefix(pattern, "no") {
		no = true
		pattern = pattern[2:]
	}
	for _, p := range strings.Split(pattern, ",") {
		if strings.HasPrefix(p, "no") && strings.EqualFold(p[2:], typ) {
			return false
		}
		if strings.EqualFold(p, typ) {
			return !no
		}
	}
	return no
}
