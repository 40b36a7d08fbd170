// Package sim is a software model of an xHCI controller and the platform
// around it, for tests and demos.
//
// [Controller] implements [hal.Registers] over a register window laid out
// like a real controller: capability, operational, runtime and doorbell
// registers. It consumes the command ring and transfer rings from a
// [Memory] arena, writes output contexts, produces events on interrupter
// 0's event ring and raises its interrupt line through [Interrupts].
// [Clock] is a step clock that advances on every read, so every timeout
// in the driver terminates.
//
// Devices plug into root ports as [Function] values:
//
//	mem := sim.NewMemory(4 << 20)
//	irq := sim.NewInterrupts()
//	xhc := sim.New(sim.Config{}, mem, irq)
//	xhc.Attach(1, fn)
//
// Fault hooks cover the failure paths: [Config.StuckNotReady],
// [Controller.SetDropCommands], [Controller.SetPortResetHang] and
// [Controller.PostEvent].
//
// Doorbell writes are processed synchronously on the writing goroutine.
// The interrupt handler runs after the model releases its lock, so it may
// access registers freely.
package sim

import "github.com/ardnew/softxhci/host/hal"

var (
	_ hal.Registers  = (*Controller)(nil)
	_ hal.Memory     = (*Memory)(nil)
	_ hal.Interrupts = (*Interrupts)(nil)
	_ hal.Clock      = (*Clock)(nil)
)
