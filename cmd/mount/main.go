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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/containerd/go-libmount/cmd/cmdutil"
	"github.com/containerd/go-libmount/mount"
	"github.com/containerd/go-libmount/table"
	"github.com/containerd/go-libmount/version"
)

const prog = "mount"

var propagationFlags = []string{
	"shared", "slave", "private", "unbindable",
	"rshared", "rslave", "rprivate", "runbindable",
}

func mountFlags() []cli.Flag {
	flags := append([]cli.Flag{
		&cli.BoolFlag{Name: "fake", Aliases: []string{"f"}, Usage: "dry run; skip the mount(2) syscall"},
		&cli.BoolFlag{Name: "fork", Aliases: []string{"F"}, Usage: "mount the filesystems in parallel (use with -a)"},
		&cli.StringSliceFlag{Name: "options", Aliases: []string{"o"}, Usage: "comma-separated list of mount options"},
		&cli.BoolFlag{Name: "read-only", Aliases: []string{"r"}, Usage: "mount the filesystem read-only (same as -o ro)"},
		&cli.BoolFlag{Name: "rw", Aliases: []string{"w"}, Usage: "mount the filesystem read-write (default)"},
		&cli.BoolFlag{Name: "sloppy", Aliases: []string{"s"}, Usage: "tolerate sloppy mount options rather than failing"},
		&cli.BoolFlag{Name: "bind", Aliases: []string{"B"}, Usage: "mount a subtree somewhere else (same as -o bind)"},
		&cli.BoolFlag{Name: "rbind", Aliases: []string{"R"}, Usage: "mount a subtree and all submounts somewhere else"},
		&cli.BoolFlag{Name: "move", Aliases: []string{"M"}, Usage: "move a subtree to some other place"},
		&cli.BoolFlag{Name: "onlyonce", Usage: "check if the filesystem is already mounted"},
		&cli.StringFlag{Name: "options-mode", Usage: "what to do with options loaded from fstab"},
		&cli.StringFlag{Name: "options-source", Usage: "mount options source: fstab, mtab or disable"},
		&cli.BoolFlag{Name: "options-source-force", Usage: "force use of options from fstab/mtab"},
	}, cmdutil.Flags...)
	for _, p := range propagationFlags {
		flags = append(flags, &cli.BoolFlag{Name: "make-" + p, Usage: "mark a subtree as " + p})
	}
	return flags
}

func main() {
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Aliases: []string{"V"}, Usage: "print the version"}
	app := &cli.App{
		Name:      prog,
		Usage:     "mount a filesystem",
		UsageText: "mount [options] [<source>] [<directory>]",
		Version:   fmt.Sprintf("%s %s", version.Version, version.Revision),
		Flags:     mountFlags(),
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		os.Exit(int(mount.ExUsage))
	}
}

func run(clicontext *cli.Context) error {
	env, err := cmdutil.Setup(clicontext)
	if err != nil {
		return err
	}
	defer env.Close()

	args := clicontext.Args()
	switch {
	case clicontext.Bool("all"):
		if args.Len() != 0 {
			return errors.New("-a does not accept filesystems")
		}
		if clicontext.Bool("fork") {
			return mountAllForked(clicontext, env)
		}
		return mountAll(clicontext, env)
	case args.Len() == 0 && len(requestOptions(clicontext)) == 0:
		return list(clicontext, env)
	case args.Len() > 2:
		return errors.New("bad usage")
	}

	c, err := env.NewContext(clicontext)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := configure(clicontext, c); err != nil {
		return err
	}
	if t := clicontext.String("types"); t != "" {
		c.SetFstype(t)
	}
	switch args.Len() {
	case 1:
		// source or target, resolved against fstab
		c.SetTarget(args.First())
	case 2:
		c.SetSource(args.Get(0))
		c.SetTarget(args.Get(1))
	}
	err = c.Mount(env.Ctx)
	code, msg := c.MountExcode(err)
	if code == mount.ExSuccess && clicontext.Bool("verbose") {
		fmt.Printf("%s: %s mounted on %s.\n", prog, c.Source(), c.Target())
	}
	what := c.Target()
	if what == "" {
		what = c.Source()
	}
	return cmdutil.Exit(prog, what, code, msg)
}

// requestOptions returns the options given by flags, in mount(8) order.
func requestOptions(clicontext *cli.Context) []string {
	var opts []string
	for _, o := range clicontext.StringSlice("options") {
		if o != "" {
			opts = append(opts, o)
		}
	}
	for _, f := range []struct{ flag, opt string }{
		{"read-only", "ro"},
		{"rw", "rw"},
		{"bind", "bind"},
		{"rbind", "rbind"},
		{"move", "move"},
	} {
		if clicontext.Bool(f.flag) {
			opts = append(opts, f.opt)
		}
	}
	for _, p := range propagationFlags {
		if clicontext.Bool("make-" + p) {
			opts = append(opts, p)
		}
	}
	return opts
}

// parseOptsMode translates --options-mode, --options-source and
// --options-source-force.
func parseOptsMode(mode, source string, force bool) (mount.OptsMode, error) {
	var m mount.OptsMode
	switch mode {
	case "":
	case "ignore":
		m |= mount.OptsIgnore
	case "append":
		m |= mount.OptsAppend
	case "prepend":
		m |= mount.OptsPrepend
	case "replace":
		m |= mount.OptsReplace
	default:
		return 0, fmt.Errorf("unknown options mode %q", mode)
	}
	if source != "" {
		for _, s := range strings.Split(source, ",") {
			switch s {
			case "fstab":
				m |= mount.OptsFstab
			case "mtab":
				m |= mount.OptsMtab
			case "disable":
				m |= mount.OptsNoTab
			default:
				return 0, fmt.Errorf("unknown options source %q", s)
			}
		}
	}
	if force {
		m |= mount.OptsForce
	}
	if m != 0 && m&(mount.OptsIgnore|mount.OptsAppend|mount.OptsPrepend|mount.OptsReplace) == 0 {
		m |= mount.OptsPrepend
	}
	if m != 0 && m&(mount.OptsFstab|mount.OptsMtab|mount.OptsNoTab) == 0 {
		m |= mount.OptsFstab | mount.OptsMtab
	}
	return m, nil
}

func configure(clicontext *cli.Context, c *mount.Context) error {
	c.Enable(mount.FlagSloppy, clicontext.Bool("sloppy"))
	c.Enable(mount.FlagOnlyOnce, clicontext.Bool("onlyonce"))
	c.Enable(mount.FlagRWOnly, clicontext.Bool("rw"))
	m, err := parseOptsMode(clicontext.String("options-mode"), clicontext.String("options-source"),
		clicontext.Bool("options-source-force"))
	if err != nil {
		return err
	}
	if m != 0 {
		c.SetOptsMode(m)
	}
	if opts := requestOptions(clicontext); len(opts) > 0 {
		if err := c.AppendOptions(strings.Join(opts, ",")); err != nil {
			return err
		}
	}
	return nil
}

func reportIgnored(clicontext *cli.Context, e *table.Entry, ignored int) {
	if !clicontext.Bool("verbose") {
		return
	}
	switch ignored {
	case 1:
		fmt.Printf("%-25s: ignored\n", e.Target)
	case 2:
		fmt.Printf("%-25s: already mounted\n", e.Target)
	}
}

func mountAll(clicontext *cli.Context, env *cmdutil.Env) error {
	c, err := env.NewContext(clicontext)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := configure(clicontext, c); err != nil {
		return err
	}
	c.SetFstypePattern(clicontext.String("types"))
	c.SetOptionsPattern(clicontext.String("test-opts"))

	var nsucc, nerrs int
	it := table.NewIter(table.Forward)
	for {
		res, err := c.NextMount(env.Ctx, it)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if res.Ignored != 0 {
			reportIgnored(clicontext, res.Entry, res.Ignored)
			continue
		}
		code, msg := c.MountExcode(res.Err)
		if code == mount.ExSuccess {
			nsucc++
			if clicontext.Bool("verbose") {
				fmt.Printf("%-25s: successfully mounted\n", res.Entry.Target)
			}
		} else {
			nerrs++
		}
		cmdutil.Exit(prog, res.Entry.Target, code, msg)
	}
	return cmdutil.Exit(prog, "", cmdutil.AllResult(nsucc, nerrs), "")
}

// mountAllForked mounts every selected fstab entry in parallel, each from
// a re-execution of this binary. The children report their own errors.
func mountAllForked(clicontext *cli.Context, env *cmdutil.Env) error {
	c, err := env.NewContext(clicontext)
	if err != nil {
		return err
	}
	c.SetFstypePattern(clicontext.String("types"))
	c.SetOptionsPattern(clicontext.String("test-opts"))
	fstab, err := c.Fstab()
	if err != nil {
		c.Close()
		return err
	}
	var entries []*table.Entry
	it := table.NewIter(table.Forward)
	for {
		e, ok := fstab.Next(it)
		if !ok {
			break
		}
		ignored, err := c.FilterMount(env.Ctx, e)
		if err != nil {
			c.Close()
			return err
		}
		if ignored != 0 {
			reportIgnored(clicontext, e, ignored)
			continue
		}
		entries = append(entries, e)
	}
	c.Close()

	self, err := os.Executable()
	if err != nil {
		return err
	}
	var (
		mu           sync.Mutex
		nsucc, nerrs int
		g            errgroup.Group
	)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			code := mountForked(env.Ctx, self, childArgs(clicontext, e))
			mu.Lock()
			defer mu.Unlock()
			if code == mount.ExSuccess {
				nsucc++
				if clicontext.Bool("verbose") {
					fmt.Printf("%-25s: successfully mounted\n", e.Target)
				}
			} else {
				nerrs++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return cmdutil.Exit(prog, "", cmdutil.AllResult(nsucc, nerrs), "")
}

// childArgs returns the command line mounting e with the options of this
// invocation. fstab is not read again by the child.
func childArgs(clicontext *cli.Context, e *table.Entry) []string {
	args := []string{"--config", clicontext.String("config"), "--options-source", "disable"}
	if clicontext.IsSet("log-level") {
		args = append(args, "--log-level", clicontext.String("log-level"))
	}
	for _, name := range []string{"fake", "no-mtab", "no-canonicalize", "sloppy", "rw"} {
		if clicontext.Bool(name) {
			args = append(args, "--"+name)
		}
	}
	if ns := clicontext.String("namespace"); ns != "" {
		args = append(args, "--namespace", ns)
	}
	if e.Fstype != "" {
		args = append(args, "--types", e.Fstype)
	}
	var opts []string
	if e.Options != "" {
		opts = append(opts, e.Options)
	}
	opts = append(opts, requestOptions(clicontext)...)
	if len(opts) > 0 {
		args = append(args, "--options", strings.Join(opts, ","))
	}
	return append(args, "--", e.Source, e.Target)
}

// mountForked runs one child and returns its exit status.
func mountForked(ctx context.Context, self string, args []string) mount.Excode {
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	log.G(ctx).WithField("args", args).Debug("mounting in a child")
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() > 0 {
			return mount.Excode(ee.ExitCode())
		}
		log.G(ctx).WithError(err).Warn("failed to run child mount")
		return mount.ExSyserr
	}
	return mount.ExSuccess
}

// list prints the mounted filesystems like mount(8) without arguments.
func list(clicontext *cli.Context, env *cmdutil.Env) error {
	c, err := env.NewContext(clicontext)
	if err != nil {
		return err
	}
	defer c.Close()
	mi, err := c.Mountinfo()
	if err != nil {
		return err
	}
	pattern := clicontext.String("types")
	it := table.NewIter(table.Forward)
	for {
		e, ok := mi.Next(it)
		if !ok {
			return nil
		}
		if pattern != "" && !e.MatchFstype(pattern) {
			continue
		}
		fmt.Printf("%s on %s type %s (%s)\n", e.Source, e.Target, e.Fstype, e.Options)
	}
}
