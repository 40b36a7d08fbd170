package msc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/blockdev"
)

// Attach probes every configured mass-storage device on ctrl and
// registers each one that comes up. A device that fails is logged and
// skipped; only when none succeed is ErrNoStorageDevice returned,
// joined with the individual failures.
func Attach(ctx context.Context, ctrl *host.Controller, cfg Config, reg *blockdev.Registry) ([]*Disk, error) {
	var disks []*Disk
	var errs []error

	for _, dev := range ctrl.Devices() {
		if _, ok := dev.Storage(); !ok {
			continue
		}
		c := cfg
		if len(disks) > 0 {
			c.Name = "" // a fixed name fits only one disk
		}
		d, err := New(dev, c)
		if err == nil {
			_, err = d.Probe(ctx, reg)
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentBOT, "storage device unusable",
				"slot", dev.Slot(),
				"port", dev.Port(),
				"error", err)
			errs = append(errs, fmt.Errorf("slot %d: %w", dev.Slot(), err))
			continue
		}
		disks = append(disks, d)
	}

	if len(disks) == 0 {
		return nil, errors.Join(append([]error{pkg.ErrNoStorageDevice}, errs...)...)
	}
	return disks, nil
}
