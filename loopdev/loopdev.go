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

// Package loopdev attaches, inspects and detaches loop devices.
package loopdev

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const loopMajor = 7

var (
	sysBlock = "/sys/block"
	devDir   = "/dev"
)

// Device is one /dev/loopN device.
type Device struct {
	Path string

	// held open after Setup so an autoclear device survives until mounted
	file *os.File
}

// New returns the device at path.
func New(path string) *Device {
	return &Device{Path: path}
}

// Name returns the kernel name, e.g. "loop3".
func (d *Device) Name() string {
	return filepath.Base(d.Path)
}

func (d *Device) sysfs(elem ...string) string {
	return filepath.Join(append([]string{sysBlock, d.Name()}, elem...)...)
}

func (d *Device) readSysfs(elem ...string) (string, error) {
	b, err := os.ReadFile(d.sysfs(elem...))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// BackingFile returns the file the device is attached to.
func (d *Device) BackingFile() (string, error) {
	f, err := d.readSysfs("loop", "backing_file")
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s is not attached: %w", d.Path, errdefs.ErrNotFound)
		}
		return "", errors.Wrapf(err, "failed to read backing file of %s", d.Path)
	}
	return f, nil
}

// Offset returns the offset into the backing file.
func (d *Device) Offset() (uint64, error) {
	s, err := d.readSysfs("loop", "offset")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read offset of %s", d.Path)
	}
	return strconv.ParseUint(s, 10, 64)
}

// Sizelimit returns the size limit, 0 for the whole file.
func (d *Device) Sizelimit() (uint64, error) {
	s, err := d.readSysfs("loop", "sizelimit")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read sizelimit of %s", d.Path)
	}
	return strconv.ParseUint(s, 10, 64)
}

// IsAutoclear reports whether the device detaches on last close.
func (d *Device) IsAutoclear() bool {
	s, err := d.readSysfs("loop", "autoclear")
	return err == nil && s == "1"
}

// IsReadonly reports whether the device is read-only.
func (d *Device) IsReadonly() bool {
	s, err := d.readSysfs("ro")
	return err == nil && s == "1"
}

// IsUsed reports whether d is attached to file at offset.
func (d *Device) IsUsed(file string, offset uint64) bool {
	bf, err := d.BackingFile()
	if err != nil || bf != file {
		return false
	}
	off, err := d.Offset()
	return err == nil && off == offset
}

// Close releases the descriptor kept open by Setup.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Delete detaches the device.
func (d *Device) Delete() error {
	d.Close()
	fd, err := unix.Open(d.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", d.Path)
	}
	defer unix.Close(fd)
	if err := unix.IoctlSetInt(fd, unix.LOOP_CLR_FD, 0); err != nil {
		return errors.Wrapf(err, "failed to detach %s", d.Path)
	}
	return nil
}

// IsLoopDevice reports whether path is a loop block device.
func IsLoopDevice(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFBLK {
		return unix.Major(uint64(st.Rdev)) == loopMajor
	}
	if !strings.HasPrefix(filepath.Base(path), "loop") {
		return false
	}
	_, err := os.Stat(New(path).sysfs("loop"))
	return err == nil
}

// List returns the attached loop devices.
func List() ([]*Device, error) {
	ents, err := os.ReadDir(sysBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", sysBlock)
	}
	var res []*Device
	for _, e := range ents {
		if !strings.HasPrefix(e.Name(), "loop") {
			continue
		}
		d := New(filepath.Join(devDir, e.Name()))
		if _, err := os.Stat(d.sysfs("loop", "backing_file")); err != nil {
			continue
		}
		res = append(res, d)
	}
	return res, nil
}

// FindByBackingFile returns the devices attached to file at offset.
func FindByBackingFile(file string, offset uint64) ([]*Device, error) {
	devs, err := List()
	if err != nil {
		return nil, err
	}
	var res []*Device
	for _, d := range devs {
		if d.IsUsed(file, offset) {
			res = append(res, d)
		}
	}
	return res, nil
}

// ListByBackingFile returns all devices attached to file at any offset.
func ListByBackingFile(file string) ([]*Device, error) {
	devs, err := List()
	if err != nil {
		return nil, err
	}
	var res []*Device
	for _, d := range devs {
		if bf, err := d.BackingFile(); err == nil && bf == file {
			res = append(res, d)
		}
	}
	return res, nil
}

// Overlaps reports whether a device attached to file covers a range
// intersecting [offset, offset+size). The exact same range is not an
// overlap. A size of 0 extends to the end of the file.
func Overlaps(file string, offset, size uint64) (bool, error) {
	devs, err := List()
	if err != nil {
		return false, err
	}
	end := func(off, sz uint64) uint64 {
		if sz == 0 {
			return ^uint64(0)
		}
		return off + sz
	}
	for _, d := range devs {
		bf, err := d.BackingFile()
		if err != nil || bf != file {
			continue
		}
		off, err := d.Offset()
		if err != nil {
			continue
		}
		sz, _ := d.Sizelimit()
		if off == offset && sz == size {
			continue
		}
		if off < end(offset, size) && offset < end(off, sz) {
			return true, nil
		}
	}
	return false, nil
}

// Config describes a new attachment.
type Config struct {
	// Device, when set, is attached instead of a free device.
	Device    string
	File      string
	Offset    uint64
	Sizelimit uint64
	Readonly  bool
	Autoclear bool
}

const setupRetries = 16

// Setup attaches cfg.File to a free loop device.
func Setup(ctx context.Context, cfg Config) (*Device, error) {
	flags := os.O_RDWR
	if cfg.Readonly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(cfg.File, flags|unix.O_CLOEXEC, 0)
	if err != nil && !cfg.Readonly && (errors.Is(err, unix.EROFS) || errors.Is(err, unix.EACCES)) {
		cfg.Readonly = true
		f, err = os.OpenFile(cfg.File, os.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", cfg.File)
	}
	defer f.Close()

	if cfg.Device != "" {
		d := New(cfg.Device)
		if err := d.attach(f, cfg); err != nil {
			return nil, err
		}
		log.G(ctx).WithField("device", d.Path).Debugf("attached %s", cfg.File)
		return d, nil
	}

	ctl, err := os.OpenFile(filepath.Join(devDir, "loop-control"), os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open loop-control")
	}
	defer ctl.Close()

	for i := 0; i < setupRetries; i++ {
		num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get free loop device")
		}
		d := New(filepath.Join(devDir, "loop"+strconv.Itoa(num)))
		err = d.attach(f, cfg)
		if err == nil {
			log.G(ctx).WithField("device", d.Path).Debugf("attached %s", cfg.File)
			return d, nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return nil, err
		}
		// another process took the device; retry with the next one
		log.G(ctx).WithField("device", d.Path).Debug("loop device busy, retrying")
		time.Sleep(time.Millisecond * time.Duration(i+1))
	}
	return nil, fmt.Errorf("no free loop device for %s: %w", cfg.File, errdefs.ErrUnavailable)
}

func (d *Device) attach(f *os.File, cfg Config) error {
	flags := os.O_RDWR
	if cfg.Readonly {
		flags = os.O_RDONLY
	}
	lf, err := os.OpenFile(d.Path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", d.Path)
	}
	if err := unix.IoctlSetInt(int(lf.Fd()), unix.LOOP_SET_FD, int(f.Fd())); err != nil {
		lf.Close()
		return errors.Wrapf(err, "failed to attach %s", d.Path)
	}
	info := unix.LoopInfo64{
		Offset:    cfg.Offset,
		Sizelimit: cfg.Sizelimit,
	}
	if cfg.Readonly {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	if cfg.Autoclear {
		info.Flags |= unix.LO_FLAGS_AUTOCLEAR
	}
	copy(info.File_name[:], cfg.File)
	if err := unix.IoctlLoopSetStatus64(int(lf.Fd()), &info); err != nil {
		unix.IoctlSetInt(int(lf.Fd()), unix.LOOP_CLR_FD, 0)
		lf.Close()
		return errors.Wrapf(err, "failed to configure %s", d.Path)
	}
	d.file = lf
	return nil
}
