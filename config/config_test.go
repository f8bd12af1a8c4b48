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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "libmount.toml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return p
}

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		env     map[string]string
		want    func(*Config)
		wantErr bool
	}{
		{
			name: "defaults",
			want: func(*Config) {},
		},
		{
			name: "file",
			content: `
fstab_path = "/tmp/fstab"
force_mount2 = "always"
metrics_textfile = "/var/lib/node_exporter/libmount.prom"
`,
			want: func(c *Config) {
				c.FstabPath = "/tmp/fstab"
				c.ForceMount2 = "always"
				c.MetricsTextfile = "/var/lib/node_exporter/libmount.prom"
			},
		},
		{
			name:    "environment wins",
			content: `fstab_path = "/tmp/fstab"`,
			env:     map[string]string{EnvFstab: "/etc/fstab.test", EnvUtab: "/tmp/utab.db"},
			want: func(c *Config) {
				c.FstabPath = "/etc/fstab.test"
				c.UtabPath = "/tmp/utab.db"
			},
		},
		{
			name:    "invalid force_mount2",
			content: `force_mount2 = "sometimes"`,
			wantErr: true,
		},
		{
			name:    "invalid toml",
			content: `fstab_path = `,
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, k := range []string{EnvFstab, EnvUtab, EnvForceMount2} {
				t.Setenv(k, tc.env[k])
			}
			cfg, err := Load(writeConfig(t, tc.content))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to load config: %v", err)
			}
			want := Default()
			tc.want(&want)
			if diff := cmp.Diff(want, cfg); diff != "" {
				t.Fatalf("unexpected config (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("a missing explicit config file must fail")
	}
}
