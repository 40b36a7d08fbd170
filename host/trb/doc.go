// Package trb implements the xHCI Transfer Request Block and the rings
// built from it.
//
// A [TRB] is the fixed 16-byte hardware work item
// {parameter:64, status:32, control:32}, little endian, with the type tag
// in bits 10-15 of control and the cycle bit in bit 0.
//
// A [Ring] is a producer ring used for the command ring and every transfer
// ring. Its last slot holds a Link TRB back to slot 0; the cycle bit
// distinguishes slots the consumer has not yet been given from slots it
// already owns, so no separate full/empty flag is stored in memory.
//
// An [EventRing] is the consumer side of the controller's event ring,
// described to hardware through a one-entry Event Ring Segment Table.
//
// [SlotContext], [EndpointContext], [InputContext] and [DeviceContext]
// pack the device context structures the commands point at. Contexts are
// 32 or 64 bytes depending on HCCPARAMS1.CSZ; only the first 32 carry
// fields.
package trb
