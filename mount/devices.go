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

package mount

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/containerd/log"
	"github.com/opencontainers/selinux/go-selinux"

	"github.com/containerd/go-libmount/loopdev"
)

// LoopDevices manages the loop devices used for file backed mounts.
type LoopDevices interface {
	// Setup attaches a free device. The returned closer keeps the device
	// alive until the mount holds it.
	Setup(ctx context.Context, cfg loopdev.Config) (string, io.Closer, error)
	Delete(dev string) error
	IsLoop(path string) bool
	BackingFile(dev string) (string, error)
	IsAutoclear(dev string) bool
	IsReadonly(dev string) bool
	IsUsed(dev, file string, offset uint64) bool
	FindByBackingFile(file string, offset uint64) ([]string, error)
	// ListByBackingFile ignores the offset.
	ListByBackingFile(file string) ([]string, error)
	Overlaps(file string, offset, size uint64) (bool, error)
}

type systemLoop struct{}

// SystemLoopDevices returns the LoopDevices of the running system.
func SystemLoopDevices() LoopDevices {
	return systemLoop{}
}

func (systemLoop) Setup(ctx context.Context, cfg loopdev.Config) (string, io.Closer, error) {
	d, err := loopdev.Setup(ctx, cfg)
	if err != nil {
		return "", nil, err
	}
	return d.Path, d, nil
}

func (systemLoop) Delete(dev string) error { return loopdev.New(dev).Delete() }

func (systemLoop) IsLoop(path string) bool { return loopdev.IsLoopDevice(path) }

func (systemLoop) BackingFile(dev string) (string, error) { return loopdev.New(dev).BackingFile() }

func (systemLoop) IsAutoclear(dev string) bool { return loopdev.New(dev).IsAutoclear() }

func (systemLoop) IsReadonly(dev string) bool { return loopdev.New(dev).IsReadonly() }

func (systemLoop) IsUsed(dev, file string, offset uint64) bool {
	return loopdev.New(dev).IsUsed(file, offset)
}

func (systemLoop) FindByBackingFile(file string, offset uint64) ([]string, error) {
	return devicePaths(loopdev.FindByBackingFile(file, offset))
}

func (systemLoop) ListByBackingFile(file string) ([]string, error) {
	return devicePaths(loopdev.ListByBackingFile(file))
}

func devicePaths(devs []*loopdev.Device, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(devs))
	for _, d := range devs {
		paths = append(paths, d.Path)
	}
	return paths, nil
}

func (systemLoop) Overlaps(file string, offset, size uint64) (bool, error) {
	return loopdev.Overlaps(file, offset, size)
}

// VerityConfig describes a dm-verity device created for a mount.
type VerityConfig struct {
	Name         string
	DataDevice   string
	HashDevice   string
	RootHash     string
	RootHashFile string
	RootHashSig  string
	HashOffset   uint64
	FecDevice    string
	FecOffset    uint64
	FecRoots     int
	OnCorruption string
}

// VerityDevices creates and removes dm-verity devices. No implementation
// is built in; mounts with verity options fail without one.
type VerityDevices interface {
	Open(ctx context.Context, cfg VerityConfig) (string, error)
	Close(ctx context.Context, dev string, deferred bool) error
}

// LabelResolver gives access to the SELinux labels of files.
type LabelResolver interface {
	Enabled() bool
	FileLabel(path string) (string, error)
}

type selinuxLabels struct{}

// SELinuxLabels returns the LabelResolver of the running system.
func SELinuxLabels() LabelResolver {
	return selinuxLabels{}
}

func (selinuxLabels) Enabled() bool { return selinux.GetEnabled() }

func (selinuxLabels) FileLabel(path string) (string, error) { return selinux.FileLabel(path) }

// HelperRunner executes mount.<type> and umount.<type> helpers.
type HelperRunner interface {
	// Run waits for the helper and returns its exit status, -1 when it
	// was killed by a signal.
	Run(ctx context.Context, path string, args []string) (int, error)
}

type execRunner struct{}

// ExecHelperRunner runs helpers as child processes with the real user and
// group ids of the caller.
func ExecHelperRunner() HelperRunner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, path string, args []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if os.Getuid() != os.Geteuid() || os.Getgid() != os.Getegid() {
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid: uint32(os.Getuid()),
				Gid: uint32(os.Getgid()),
			},
		}
	}
	log.G(ctx).WithField("helper", path).Debugf("executing %v", args)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
