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
	"fmt"
	"os"

	"github.com/pelletier/go-toml"

	"github.com/containerd/go-libmount/mount"
)

const (
	DefaultConfigPath = "/etc/libmount.toml"
	DefaultUtabPath   = "/run/mount/utab.db"
	DefaultLogLevel   = "info"
)

// Environment variables applied over the configuration file.
const (
	EnvFstab       = "LIBMOUNT_FSTAB"
	EnvUtab        = "LIBMOUNT_UTAB"
	EnvForceMount2 = "LIBMOUNT_FORCE_MOUNT2"
)

type Config struct {
	// FstabPath is the filesystem description table.
	FstabPath string `toml:"fstab_path"`

	// UtabPath is the database of the userspace mount options.
	UtabPath string `toml:"utab_path"`

	// FilesystemsPath and ProcFilesystemsPath list the types tried when
	// the filesystem type is not known.
	FilesystemsPath     string `toml:"filesystems_path"`
	ProcFilesystemsPath string `toml:"proc_filesystems_path"`

	// HelperSearchPath is the colon separated list of mount.<type>
	// helper directories.
	HelperSearchPath string `toml:"helper_search_path"`

	// RuntimeDir holds temporary mount points.
	RuntimeDir string `toml:"runtime_dir"`

	// ForceMount2 is "always" to use mount(2) only, "never" to keep the
	// fd based API even where mount(2) is preferred.
	ForceMount2 string `toml:"force_mount2"`

	LogLevel string `toml:"log_level"`

	// MetricsTextfile, when set, receives the operation metrics in the
	// Prometheus text format after each run.
	MetricsTextfile string `toml:"metrics_textfile"`
}

// Default returns the configuration of a system without config file.
func Default() Config {
	return Config{
		FstabPath:           mount.DefaultFstabPath,
		UtabPath:            DefaultUtabPath,
		FilesystemsPath:     mount.DefaultFilesystemsPath,
		ProcFilesystemsPath: mount.DefaultProcFilesystemsPath,
		HelperSearchPath:    mount.DefaultHelperSearchPath,
		RuntimeDir:          mount.DefaultRuntimeDir,
		LogLevel:            DefaultLogLevel,
	}
}

// Load reads path over the defaults and applies the environment. A
// missing file at the default path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	tree, err := toml.LoadFile(path)
	switch {
	case err == nil:
		if err := tree.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal config file %q: %w", path, err)
		}
	case os.IsNotExist(err) && path == DefaultConfigPath:
	default:
		return Config{}, fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvFstab); v != "" {
		c.FstabPath = v
	}
	if v := getenv(EnvUtab); v != "" {
		c.UtabPath = v
	}
	if v := getenv(EnvForceMount2); v != "" {
		c.ForceMount2 = v
	}
}

func (c *Config) Validate() error {
	switch c.ForceMount2 {
	case "", "always", "never":
	default:
		return fmt.Errorf("invalid force_mount2 %q: must be always or never", c.ForceMount2)
	}
	if c.FstabPath == "" {
		return fmt.Errorf("fstab_path must not be empty")
	}
	return nil
}

// MountOpts returns the Context options of the configuration.
func (c *Config) MountOpts() []mount.Opt {
	return []mount.Opt{
		mount.WithFstabPath(c.FstabPath),
		mount.WithFilesystems(c.FilesystemsPath, c.ProcFilesystemsPath),
		mount.WithHelperSearchPath(c.HelperSearchPath),
		mount.WithRuntimeDir(c.RuntimeDir),
		mount.WithForceMount2(c.ForceMount2),
	}
}
