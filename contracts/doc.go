// Package contracts defines the boundary between the mmate-amqp core and the
// broker plumbing underneath it.
//
// This package defines:
//   - Frame: protocol frames exchanged with the broker (deliver, ack, consume, ...)
//   - Properties and Table: message metadata carried by publish and deliver frames
//   - Transport: the send/receive contract for one physical connection
//   - EntityRegistry: queue declaration and inspection
//   - Error: a broker reply code and reason, as raised by channel or connection close
//
// Implementations live in the transports packages; the messaging package only
// depends on the interfaces declared here.
package contracts
