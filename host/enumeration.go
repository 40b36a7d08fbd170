package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/trb"
	"github.com/ardnew/softxhci/pkg"
)

// Input control context add flags.
const (
	addSlot = 1 << 0
	addEP0  = 1 << 1
)

// Enumerate scans every root port once and enumerates each connected
// device. It is the boot-time counterpart of PollPorts.
func (c *Controller) Enumerate(ctx context.Context) []*Device {
	return c.pollPorts(ctx, true)
}

// PollPorts services the ports flagged by Port Status Change events or
// with a connect change pending: a new connection is enumerated and a
// disconnect drops the device record. It returns the devices enumerated.
//
// A failure on one port is logged and never stops the scan of the others.
func (c *Controller) PollPorts(ctx context.Context) []*Device {
	return c.pollPorts(ctx, false)
}

func (c *Controller) pollPorts(ctx context.Context, force bool) []*Device {
	if !c.IsRunning() {
		return nil
	}
	c.ProcessEvents()

	var found []*Device
	for port := 1; port <= c.maxPorts; port++ {
		c.evMu.Lock()
		dirty := c.portDirty[port]
		c.portDirty[port] = false
		c.evMu.Unlock()

		sc := c.readPort(port)
		changed := sc&portCSC != 0
		if !force && !dirty && !changed {
			continue
		}
		if sc&portChangeBits != 0 {
			c.writePort(port, portPreserve(sc)|sc&portChangeBits)
		}

		connected := sc&portCCS != 0
		existing := c.deviceOnPort(port)
		if existing != nil && (!connected || changed) {
			c.detach(ctx, existing)
			existing = nil
		}
		if !connected || existing != nil || (!changed && !force) {
			continue
		}

		pkg.LogInfo(pkg.ComponentEnum, "device connected", "port", port)
		dev, err := c.enumeratePort(ctx, port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentEnum, "enumeration failed",
				"port", port,
				"error", err)
			continue
		}
		found = append(found, dev)

		c.mutex.RLock()
		cb := c.onDeviceConnect
		c.mutex.RUnlock()
		if cb != nil {
			cb(dev)
		}
	}
	return found
}

// deviceOnPort returns the device record attached to port, or nil.
func (c *Controller) deviceOnPort(port int) *Device {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	for _, d := range c.devices {
		if d != nil && d.port == port {
			return d
		}
	}
	return nil
}

// enumeratePort takes a newly connected port from reset to a configured
// device. Every failure is wrapped in ErrEnumerationFailed and releases
// the slot if one was enabled.
func (c *Controller) enumeratePort(ctx context.Context, port int) (*Device, error) {
	speed, err := c.resetPort(ctx, port)
	if err != nil {
		return nil, enumFailed(port, "port reset", err)
	}

	slot, err := c.EnableSlot(ctx)
	if err != nil {
		return nil, enumFailed(port, "enable slot", err)
	}

	dev, err := c.newDevice(slot, port, speed)
	if err != nil {
		c.disableSlot(ctx, slot)
		return nil, enumFailed(port, "allocate device", err)
	}
	c.evMu.Lock()
	c.devices[slot] = dev
	c.evMu.Unlock()

	if err := c.setup(ctx, dev); err != nil {
		c.drop(ctx, dev)
		return nil, enumFailed(port, "setup", err)
	}

	pkg.LogInfo(pkg.ComponentEnum, "device enumerated",
		"port", port,
		"slot", slot,
		"speed", speed.String(),
		"address", dev.Address(),
		"vendor", fmt.Sprintf("%04x", dev.descriptor.VendorID),
		"product", fmt.Sprintf("%04x", dev.descriptor.ProductID),
		"storage", dev.hasStorage)
	return dev, nil
}

func enumFailed(port int, step string, err error) error {
	return fmt.Errorf("port %d: %s: %w: %w", port, step, pkg.ErrEnumerationFailed, err)
}

// resetPort resets port and returns the negotiated speed. A USB3 port
// that is already enabled has finished link training and is not reset.
func (c *Controller) resetPort(ctx context.Context, port int) (hal.Speed, error) {
	sc := c.readPort(port)
	if sc&portPP == 0 {
		c.writePort(port, portPreserve(sc)|portPP)
	}

	if sc&portPED == 0 {
		c.writePort(port, portPreserve(sc)|portPR)
		err := c.poll.Until(ctx, c.cfg.PortResetTimeout, func() bool {
			return c.readPort(port)&portPRC != 0
		})
		if err != nil {
			return 0, err
		}
		sc = c.readPort(port)
		c.writePort(port, portPreserve(sc)|portPRC)
	}

	sc = c.readPort(port)
	if sc&portCCS == 0 {
		return 0, pkg.ErrNoDevice
	}
	if sc&portPED == 0 {
		return 0, fmt.Errorf("port not enabled after reset: %w", pkg.ErrInvalidState)
	}
	speed := hal.Speed(sc >> portSpeedShift & portSpeedMask)
	if speed == hal.SpeedUnknown {
		return 0, fmt.Errorf("speed ID %d: %w", speed, pkg.ErrNotSupported)
	}
	return speed, nil
}

// setup addresses, describes and configures a device.
func (c *Controller) setup(ctx context.Context, d *Device) error {
	if err := d.address(ctx); err != nil {
		return fmt.Errorf("address device: %w", err)
	}

	var buf [DeviceDescriptorSize]byte
	n, err := d.GetDescriptor(ctx, DescriptorTypeDevice, 0, buf[:8])
	if err != nil {
		return fmt.Errorf("device descriptor header: %w", err)
	}
	if !ParseDeviceDescriptor(buf[:n], &d.descriptor) {
		return pkg.ErrDescriptorTooShort
	}
	if d.descriptor.DescriptorType != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	if mps := d.descriptor.ControlMaxPacketSize(); mps != 0 && mps != d.endpoints[1].maxPacketSize {
		if err := d.updateControlPacketSize(ctx, mps); err != nil {
			return fmt.Errorf("evaluate context: %w", err)
		}
	}

	if n, err = d.GetDescriptor(ctx, DescriptorTypeDevice, 0, buf[:]); err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if n < DeviceDescriptorSize || !ParseDeviceDescriptor(buf[:n], &d.descriptor) {
		return fmt.Errorf("device descriptor of %d bytes: %w", n, pkg.ErrDescriptorTooShort)
	}

	config, err := d.configuration(ctx)
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}

	si, err := FindStorageInterface(config)
	if errors.Is(err, pkg.ErrNoStorageDevice) {
		pkg.LogInfo(pkg.ComponentEnum, "no mass-storage interface",
			"slot", d.slot,
			"class", d.descriptor.DeviceClass)
		return nil
	}
	if err != nil {
		return err
	}
	d.storage, d.hasStorage = si, true

	if err := d.configureEndpoints(ctx); err != nil {
		return fmt.Errorf("configure endpoints: %w", err)
	}
	if err := d.SetConfiguration(ctx, si.ConfigurationValue); err != nil {
		return fmt.Errorf("set configuration %d: %w", si.ConfigurationValue, err)
	}
	d.configured = true
	return nil
}

// address issues Address Device with a slot context and an EP0 context.
func (d *Device) address(ctx context.Context) error {
	ic := d.inputContext()
	ic.SetFlags(0, addSlot|addEP0)

	sc := d.slotContext(1)
	sc.MarshalTo(ic.Slot())
	ec := d.endpointContext(d.endpoints[1], trb.EndpointControl, 0)
	ec.MarshalTo(ic.Endpoint(1))

	return d.ctrl.AddressDevice(ctx, d.slot, d.input.Phys, false)
}

// updateControlPacketSize fixes the EP0 max packet size once the device
// descriptor has been read.
func (d *Device) updateControlPacketSize(ctx context.Context, mps uint16) error {
	ep0 := d.endpoints[1]
	old := ep0.maxPacketSize
	ep0.maxPacketSize = mps

	ic := d.inputContext()
	ic.SetFlags(0, addEP0)
	ec := d.endpointContext(ep0, trb.EndpointControl, 0)
	ec.MarshalTo(ic.Endpoint(1))

	if err := d.ctrl.EvaluateContext(ctx, d.slot, d.input.Phys); err != nil {
		ep0.maxPacketSize = old
		return err
	}
	pkg.LogDebug(pkg.ComponentEnum, "EP0 max packet size updated",
		"slot", d.slot,
		"from", old,
		"to", mps)
	return nil
}

// configuration reads the configuration descriptor header, then the full
// descriptor tree it announces.
func (d *Device) configuration(ctx context.Context) ([]byte, error) {
	var hdr [ConfigurationDescriptorSize]byte
	n, err := d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, hdr[:])
	if err != nil {
		return nil, err
	}
	var cd ConfigurationDescriptor
	if !ParseConfigurationDescriptor(hdr[:n], &cd) {
		return nil, pkg.ErrDescriptorTooShort
	}
	if cd.DescriptorType != DescriptorTypeConfiguration {
		return nil, pkg.ErrDescriptorTypeMismatch
	}
	total := int(cd.TotalLength)
	if total < ConfigurationDescriptorSize {
		return nil, pkg.ErrDescriptorTooShort
	}
	total = min(total, MaxConfigurationSize)

	config := make([]byte, total)
	if n, err = d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, config); err != nil {
		return nil, err
	}
	if n < total {
		pkg.LogWarn(pkg.ComponentEnum, "configuration shorter than wTotalLength",
			"slot", d.slot,
			"total", total,
			"received", n)
	}
	return config[:n], nil
}

// configureEndpoints creates rings for the bulk pair and issues Configure
// Endpoint with both added.
func (d *Device) configureEndpoints(ctx context.Context) error {
	c := d.ctrl
	bulkIn, bulkOut := d.storage.BulkIn, d.storage.BulkOut
	inDCI := trb.DCI(bulkIn.Number(), true)
	outDCI := trb.DCI(bulkOut.Number(), false)

	in, err := c.newEndpoint(d.slot, inDCI, bulkIn.EndpointAddress, bulkIn.MaxPacketSize)
	if err != nil {
		return err
	}
	out, err := c.newEndpoint(d.slot, outDCI, bulkOut.EndpointAddress, bulkOut.MaxPacketSize)
	if err != nil {
		return err
	}

	ic := d.inputContext()
	ic.SetFlags(0, addSlot|uint32(1)<<inDCI|uint32(1)<<outDCI)
	sc := d.slotContext(max(inDCI, outDCI))
	sc.MarshalTo(ic.Slot())
	ec := d.endpointContext(in, trb.EndpointBulkIn, bulkIn.MaxBurst)
	ec.MarshalTo(ic.Endpoint(inDCI))
	ec = d.endpointContext(out, trb.EndpointBulkOut, bulkOut.MaxBurst)
	ec.MarshalTo(ic.Endpoint(outDCI))

	if err := c.ConfigureEndpoint(ctx, d.slot, d.input.Phys, false); err != nil {
		return err
	}

	c.evMu.Lock()
	d.endpoints[inDCI] = in
	d.endpoints[outDCI] = out
	c.evMu.Unlock()
	return nil
}

// GetDescriptor reads a standard descriptor into buf.
func (d *Device) GetDescriptor(ctx context.Context, typ, index uint8, buf []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(typ)<<8 | uint16(index),
		Length:      uint16(len(buf)),
	}
	return d.ControlTransfer(ctx, setup, buf)
}

// SetConfiguration selects a configuration.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	_, err := d.ControlTransfer(ctx, setup, nil)
	return err
}

// detach drops a device whose port disconnected.
func (c *Controller) detach(ctx context.Context, d *Device) {
	pkg.LogInfo(pkg.ComponentEnum, "device disconnected",
		"port", d.port,
		"slot", d.slot)
	c.drop(ctx, d)

	c.mutex.RLock()
	cb := c.onDeviceDisconnect
	c.mutex.RUnlock()
	if cb != nil {
		cb(d)
	}
}

// drop disables the device's slot and forgets it.
func (c *Controller) drop(ctx context.Context, d *Device) {
	c.evMu.Lock()
	if c.devices[d.slot] == d {
		c.devices[d.slot] = nil
	}
	c.evMu.Unlock()
	c.disableSlot(ctx, d.slot)
	d.release()
}

func (c *Controller) disableSlot(ctx context.Context, slot uint8) {
	if err := c.DisableSlot(ctx, slot); err != nil {
		pkg.LogWarn(pkg.ComponentEnum, "disable slot failed",
			"slot", slot,
			"error", err)
	}
}
