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

// Package cmdutil holds what the mount and umount commands share: flags,
// logging, configuration and the userspace mount table.
package cmdutil

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/containerd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/containerd/go-libmount/config"
	"github.com/containerd/go-libmount/mount"
	"github.com/containerd/go-libmount/utab"
)

// Flags are accepted by both commands. Each command adds its own "fake"
// flag, -f means --force for umount.
var Flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to the configuration file",
		Value: config.DefaultConfigPath,
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "set the logging level [trace, debug, info, warn, error, fatal, panic]",
	},
	&cli.BoolFlag{
		Name:    "no-mtab",
		Aliases: []string{"n"},
		Usage:   "don't write to the userspace mount table",
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "say what is being done",
	},
	&cli.StringFlag{
		Name:    "types",
		Aliases: []string{"t"},
		Usage:   "limit the set of filesystem types",
	},
	&cli.StringFlag{
		Name:    "test-opts",
		Aliases: []string{"O"},
		Usage:   "limit the set of filesystems (use with -a)",
	},
	&cli.StringFlag{
		Name:    "namespace",
		Aliases: []string{"N"},
		Usage:   "perform the operation in another mount namespace",
	},
	&cli.BoolFlag{
		Name:  "no-canonicalize",
		Usage: "don't canonicalize paths",
	},
	&cli.BoolFlag{
		Name:    "all",
		Aliases: []string{"a"},
		Usage:   "operate on all filesystems of the table",
	},
}

// Env is the state of one command run.
type Env struct {
	Ctx    context.Context
	Config config.Config

	utabOnce sync.Once
	utab     *utab.Store
}

// Setup loads the configuration and installs the logger.
func Setup(clicontext *cli.Context) (*Env, error) {
	cfg, err := config.Load(clicontext.String("config"))
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if clicontext.IsSet("log-level") {
		level = clicontext.String("log-level")
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare logger: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: log.RFC3339NanoFixed,
	})
	return &Env{
		Ctx:    log.WithLogger(context.Background(), log.L),
		Config: cfg,
	}, nil
}

// NewContext returns a Context configured by the configuration file and
// the common flags.
func (e *Env) NewContext(clicontext *cli.Context) (*mount.Context, error) {
	opts := e.Config.MountOpts()
	if !clicontext.Bool("no-mtab") && !clicontext.Bool("fake") && e.Config.UtabPath != "" {
		e.utabOnce.Do(func() {
			s, err := utab.Open(e.Config.UtabPath)
			if err != nil {
				log.G(e.Ctx).WithError(err).Warn("userspace mount table disabled")
				return
			}
			e.utab = s
		})
		if e.utab != nil {
			opts = append(opts, mount.WithUtab(e.utab))
		}
	}
	c := mount.New(opts...)
	c.Enable(mount.FlagFake, clicontext.Bool("fake"))
	c.Enable(mount.FlagNoMtab, clicontext.Bool("no-mtab"))
	c.Enable(mount.FlagVerbose, clicontext.Bool("verbose"))
	c.Enable(mount.FlagNoCanonicalize, clicontext.Bool("no-canonicalize"))
	if ns := clicontext.String("namespace"); ns != "" {
		if err := c.SetTargetNS(ns); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Close releases the userspace mount table and writes the metrics.
func (e *Env) Close() {
	if e.utab != nil {
		if err := e.utab.Close(); err != nil {
			log.G(e.Ctx).WithError(err).Warn("failed to close userspace mount table")
		}
	}
	if p := e.Config.MetricsTextfile; p != "" {
		if err := prometheus.WriteToTextfile(p, prometheus.DefaultGatherer); err != nil {
			log.G(e.Ctx).WithError(err).Warnf("failed to write metrics to %s", p)
		}
	}
}

// Exit reports msg for what and returns the exit status as an error for
// cli. Messages of successful operations are warnings.
func Exit(prog, what string, code mount.Excode, msg string) error {
	if msg != "" {
		if what != "" {
			msg = what + ": " + msg
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", prog, msg)
	}
	if code == mount.ExSuccess {
		return nil
	}
	return cli.Exit("", int(code))
}

// AllResult is the exit status of an operation on all filesystems with
// nsucc successes and nerrs failures.
func AllResult(nsucc, nerrs int) mount.Excode {
	switch {
	case nerrs == 0:
		return mount.ExSuccess
	case nsucc == 0:
		return mount.ExFail
	}
	return mount.ExSomeOK
}
