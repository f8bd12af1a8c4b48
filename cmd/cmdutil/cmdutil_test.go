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

package cmdutil

import (
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/containerd/go-libmount/mount"
)

func TestAllResult(t *testing.T) {
	testCases := []struct {
		nsucc, nerrs int
		want         mount.Excode
	}{
		{0, 0, mount.ExSuccess},
		{3, 0, mount.ExSuccess},
		{0, 2, mount.ExFail},
		{1, 1, mount.ExSomeOK},
	}
	for _, tc := range testCases {
		if got := AllResult(tc.nsucc, tc.nerrs); got != tc.want {
			t.Fatalf("AllResult(%d, %d) = %d, want %d", tc.nsucc, tc.nerrs, got, tc.want)
		}
	}
}

func TestExit(t *testing.T) {
	if err := Exit("mount", "/mnt", mount.ExSuccess, "WARNING: source write-protected, mounted read-only"); err != nil {
		t.Fatalf("success must not fail: %v", err)
	}
	err := Exit("mount", "/mnt", mount.ExFail, "mount point does not exist")
	ec, ok := err.(cli.ExitCoder)
	if !ok {
		t.Fatalf("expected an exit coder, got %T", err)
	}
	if ec.ExitCode() != int(mount.ExFail) {
		t.Fatalf("exit code = %d, want %d", ec.ExitCode(), mount.ExFail)
	}
}
