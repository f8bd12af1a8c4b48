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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/containerd/go-libmount/options"
)

var hooksetVerity = &Hookset{
	Name:       "verity",
	firstStage: StagePrepSource,
}

func init() {
	hooksetVerity.firstCall = prepareVerity
}

const verityFlags = options.HashDevice | options.RootHash | options.HashOffset |
	options.RootHashFile | options.FecDevice | options.FecOffset | options.FecRoots |
	options.RootHashSig | options.VerityOnCorruption

// verityData closes the device of a failed mount.
type verityData struct {
	c    *Context
	dev  string
	keep bool
}

func (d *verityData) Close() error {
	if d.dev == "" {
		return nil
	}
	dev := d.dev
	d.dev = ""
	// a mounted device goes away with its last user
	return d.c.verity.Close(d.c.ctx, dev, d.keep)
}

func (c *Context) verityValue(id uint64) string {
	if o := c.optlist.Get(id, options.UserspaceMap); o != nil {
		return o.Value()
	}
	return ""
}

func (c *Context) verityOffset(id uint64) (uint64, error) {
	v := c.verityValue(id)
	if v == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil || n < 0 {
		return 0, wrapf(ErrMountOpt, "invalid verity offset %q", v)
	}
	return uint64(n), nil
}

func (c *Context) verityConfig() (VerityConfig, error) {
	cfg := VerityConfig{
		DataDevice:   c.fs.SrcPath(),
		HashDevice:   c.verityValue(options.HashDevice),
		RootHash:     c.verityValue(options.RootHash),
		RootHashFile: c.verityValue(options.RootHashFile),
		RootHashSig:  c.verityValue(options.RootHashSig),
		FecDevice:    c.verityValue(options.FecDevice),
		OnCorruption: c.verityValue(options.VerityOnCorruption),
	}
	var err error
	if cfg.HashOffset, err = c.verityOffset(options.HashOffset); err != nil {
		return cfg, err
	}
	if cfg.FecOffset, err = c.verityOffset(options.FecOffset); err != nil {
		return cfg, err
	}
	if v := c.verityValue(options.FecRoots); v != "" {
		if cfg.FecRoots, err = strconv.Atoi(v); err != nil {
			return cfg, wrapf(ErrMountOpt, "invalid verity.fecroots=%s", v)
		}
	}
	switch {
	case cfg.RootHash != "" && cfg.RootHashFile != "":
		return cfg, wrapf(ErrMountOpt, "verity.roothash and verity.roothashfile are mutually exclusive")
	case cfg.RootHashFile != "":
		b, err := os.ReadFile(cfg.RootHashFile)
		if err != nil {
			return cfg, wrapf(ErrMountOpt, "failed to read root hash: %v", err)
		}
		cfg.RootHash = strings.TrimSpace(string(b))
	}
	if cfg.HashDevice == "" || cfg.RootHash == "" {
		return cfg, wrapf(ErrMountOpt, "verity.hashdevice and a root hash are required")
	}
	switch cfg.OnCorruption {
	case "", "ignore", "restart", "panic":
	default:
		return cfg, wrapf(ErrMountOpt, "invalid verity.oncorruption=%s", cfg.OnCorruption)
	}
	cfg.Name = cfg.RootHash + "-verity"
	return cfg, nil
}

func prepareVerity(ctx context.Context, c *Context, hs *Hookset) error {
	if c.action != ActionMount || c.UserFlags()&verityFlags == 0 {
		return nil
	}
	if c.fs.SrcPath() == "" {
		return fmt.Errorf("verity without data device: %w", unix.EINVAL)
	}
	cfg, err := c.verityConfig()
	if err != nil {
		return err
	}
	if c.verity == nil {
		return fmt.Errorf("dm-verity devices are not available: %w", unix.ENOTSUP)
	}
	dev, err := c.verity.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open verity device %s: %w", cfg.Name, err)
	}
	log.G(ctx).WithField("device", dev).Debug("verity device opened")
	c.fs.Source = dev
	c.appendHook(hs, StageMountPost, &verityData{c: c, dev: dev}, hookCloseVerity)
	return nil
}

func hookCloseVerity(ctx context.Context, c *Context, hs *Hookset, data interface{}) error {
	d := data.(*verityData)
	d.keep = c.Status()
	return d.Close()
}
