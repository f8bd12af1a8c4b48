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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/containerd/go-libmount/cmd/cmdutil"
	"github.com/containerd/go-libmount/mount"
	"github.com/containerd/go-libmount/table"
	"github.com/containerd/go-libmount/version"
)

const prog = "umount"

// defaultAllTypes keeps "umount -a" away from the kernel filesystems.
const defaultAllTypes = "noproc,nodevfs,nodevpts,nosysfs,norpc_pipefs,nonfsd,noselinuxfs"

func main() {
	cli.VersionFlag = &cli.BoolFlag{Name: "version", Aliases: []string{"V"}, Usage: "print the version"}
	app := &cli.App{
		Name:      prog,
		Usage:     "unmount filesystems",
		UsageText: "umount [options] <source> | <directory>",
		Version:   fmt.Sprintf("%s %s", version.Version, version.Revision),
		Flags: append([]cli.Flag{
			&cli.BoolFlag{Name: "fake", Usage: "dry run; skip the umount(2) syscall"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "force unmount (in case of an unreachable NFS system)"},
			&cli.BoolFlag{Name: "lazy", Aliases: []string{"l"}, Usage: "detach the filesystem now, clean up things later"},
			&cli.BoolFlag{Name: "read-only", Aliases: []string{"r"}, Usage: "in case unmounting fails, try to remount read-only"},
			&cli.BoolFlag{Name: "detach-loop", Aliases: []string{"d"}, Usage: "if mounted loop device, also free this loop device"},
			&cli.BoolFlag{Name: "no-helpers", Aliases: []string{"i"}, Usage: "don't call the umount.<type> helpers"},
		}, cmdutil.Flags...),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		os.Exit(int(mount.ExUsage))
	}
}

func newContext(clicontext *cli.Context, env *cmdutil.Env) (*mount.Context, error) {
	c, err := env.NewContext(clicontext)
	if err != nil {
		return nil, err
	}
	c.Enable(mount.FlagForce, clicontext.Bool("force"))
	c.Enable(mount.FlagLazy, clicontext.Bool("lazy"))
	c.Enable(mount.FlagRdonlyUmount, clicontext.Bool("read-only"))
	c.Enable(mount.FlagLoopDelete, clicontext.Bool("detach-loop"))
	c.Enable(mount.FlagNoHelpers, clicontext.Bool("no-helpers"))
	return c, nil
}

func run(clicontext *cli.Context) error {
	env, err := cmdutil.Setup(clicontext)
	if err != nil {
		return err
	}
	defer env.Close()

	args := clicontext.Args()
	if clicontext.Bool("all") {
		if args.Len() != 0 {
			return errors.New("-a does not accept filesystems")
		}
		return umountAll(clicontext, env)
	}
	if args.Len() == 0 {
		return errors.New("bad usage")
	}
	code := mount.ExSuccess
	for _, tgt := range args.Slice() {
		code |= umountOne(clicontext, env, tgt)
	}
	return cmdutil.Exit(prog, "", code, "")
}

func umountOne(clicontext *cli.Context, env *cmdutil.Env, tgt string) mount.Excode {
	c, err := newContext(clicontext, env)
	if err != nil {
		cmdutil.Exit(prog, tgt, mount.ExSyserr, err.Error())
		return mount.ExSyserr
	}
	defer c.Close()
	c.SetTarget(tgt)
	code, msg := c.UmountExcode(c.Umount(env.Ctx))
	if code == mount.ExSuccess && clicontext.Bool("verbose") {
		fmt.Printf("%s: %s unmounted\n", prog, c.Target())
	}
	cmdutil.Exit(prog, tgt, code, msg)
	return code
}

func umountAll(clicontext *cli.Context, env *cmdutil.Env) error {
	c, err := newContext(clicontext, env)
	if err != nil {
		return err
	}
	defer c.Close()
	types := clicontext.String("types")
	if types == "" {
		types = defaultAllTypes
	}
	c.SetFstypePattern(types)
	c.SetOptionsPattern(clicontext.String("test-opts"))

	var nsucc, nerrs int
	// nested mounts first
	it := table.NewIter(table.Backward)
	for {
		res, err := c.NextUmount(env.Ctx, it)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if res.Ignored != 0 {
			continue
		}
		code, msg := c.UmountExcode(res.Err)
		if code == mount.ExSuccess {
			nsucc++
			if clicontext.Bool("verbose") {
				fmt.Printf("%s: %s unmounted\n", prog, res.Entry.Target)
			}
		} else {
			nerrs++
		}
		cmdutil.Exit(prog, res.Entry.Target, code, msg)
	}
	return cmdutil.Exit(prog, "", cmdutil.AllResult(nsucc, nerrs), "")
}
