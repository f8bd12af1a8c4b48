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

import (
	"fmt"
	"os"
	"strconv"

	"github.com/moby/sys/user"
)

// isNumeric reports whether v is a plain decimal id.
func isNumeric(v string) bool {
	_, err := strconv.ParseUint(v, 10, 32)
	return err == nil
}

// ResolveUID converts a uid= option value to a numeric uid. "useruid" is
// the calling user and names are resolved through the user database.
func ResolveUID(value string) (string, error) {
	if value == "useruid" {
		return strconv.Itoa(os.Getuid()), nil
	}
	if value == "" || isNumeric(value) {
		return value, nil
	}
	u, err := user.LookupUser(value)
	if err != nil {
		return "", fmt.Errorf("failed to resolve user %q: %v: %w", value, err, ErrParse)
	}
	return strconv.Itoa(u.Uid), nil
}

// ResolveGID converts a gid= option value to a numeric gid. "usergid" is
// the calling user's group and names are resolved through the group
// database.
func ResolveGID(value string) (string, error) {
	if value == "usergid" {
		return strconv.Itoa(os.Getgid()), nil
	}
	if value == "" || isNumeric(value) {
		return value, nil
	}
	g, err := user.LookupGroup(value)
	if err != nil {
		return "", fmt.Errorf("failed to resolve group %q: %v: %w", value, err, ErrParse)
	}
	return strconv.Itoa(g.Gid), nil
}

// Username returns the login name of uid.
func Username(uid int) (string, error) {
	u, err := user.LookupUid(uid)
	if err != nil {
		return "", err
	}
	return u.Name, nil
}
