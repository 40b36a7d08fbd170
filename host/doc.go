// Package host implements an xHCI host controller driver with just enough
// of USB to reach a mass-storage device.
//
// It talks to hardware only through the collaborators in
// github.com/ardnew/softxhci/host/hal: a register window (BAR0), a DMA
// memory manager, an interrupt layer and a tick clock.
//
// # Layers
//
//   - [Controller] brings the controller up, owns the command ring, the
//     event ring and the device context array, and pumps events.
//   - Commands ([Controller.Command] and its typed wrappers) are strictly
//     serialized and correlated with their completion by [CommandHandle].
//   - Enumeration ([Controller.Enumerate], [Controller.PollPorts]) resets
//     ports, assigns slots and addresses, reads descriptors and configures
//     the bulk endpoints of a Bulk-Only mass-storage interface.
//   - The bulk engine ([Device.EnqueueBulk], [Device.TransferResult])
//     keeps at most one transfer in flight per endpoint and matches its
//     Transfer Event by the physical address in a [TransferHandle].
//
// # Waiting
//
// The driver never blocks on a channel or sleeps. Every wait is a
// [Poller] loop that evaluates a condition against the tick clock and
// calls [Config.Yield] between iterations. Events are consumed either by
// [Controller.HandleInterrupt] from the interrupt layer or by the loops
// themselves through [Controller.ProcessEvents], so the driver works with
// or without interrupt delivery.
//
// # Example
//
//	ctrl := host.New(pci, regs, mem, irq, clock, host.DefaultConfig())
//	if err := ctrl.Start(ctx); err != nil {
//		return err
//	}
//	for _, dev := range ctrl.Enumerate(ctx) {
//		if _, ok := dev.Storage(); ok {
//			// hand dev to the msc class driver
//		}
//	}
package host
