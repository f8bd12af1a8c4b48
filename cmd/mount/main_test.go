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

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v2"

	"github.com/containerd/go-libmount/mount"
	"github.com/containerd/go-libmount/table"
)

func TestParseOptsMode(t *testing.T) {
	testCases := []struct {
		name    string
		mode    string
		source  string
		force   bool
		want    mount.OptsMode
		wantErr bool
	}{
		{name: "unset", want: 0},
		{name: "ignore", mode: "ignore", want: mount.OptsIgnore | mount.OptsFstab | mount.OptsMtab},
		{name: "fstab only", source: "fstab", want: mount.OptsPrepend | mount.OptsFstab},
		{name: "disable", mode: "replace", source: "disable", want: mount.OptsReplace | mount.OptsNoTab},
		{name: "force", force: true, want: mount.OptsForce | mount.OptsPrepend | mount.OptsFstab | mount.OptsMtab},
		{name: "bad mode", mode: "merge", wantErr: true},
		{name: "bad source", source: "fstab,utab", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseOptsMode(tc.mode, tc.source, tc.force)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, want error %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("mode = %#x, want %#x", int(got), int(tc.want))
			}
		})
	}
}

func TestChildArgs(t *testing.T) {
	e := &table.Entry{Source: "/dev/sda1", Target: "/mnt/data", Fstype: "ext4", Options: "defaults,nofail"}
	var got []string
	app := &cli.App{
		Name:  prog,
		Flags: mountFlags(),
		Action: func(clicontext *cli.Context) error {
			got = childArgs(clicontext, e)
			return nil
		},
	}
	if err := app.Run([]string{prog, "-a", "--fork", "--fake", "-o", "noatime", "-N", "/proc/1/ns/mnt"}); err != nil {
		t.Fatalf("failed to run: %v", err)
	}
	want := []string{
		"--config", "/etc/libmount.toml",
		"--options-source", "disable",
		"--fake",
		"--namespace", "/proc/1/ns/mnt",
		"--types", "ext4",
		"--options", "defaults,nofail,noatime",
		"--", "/dev/sda1", "/mnt/data",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected child arguments (-want +got):\n%s", diff)
	}
}
