// Package protocol defines the wire frames exchanged between the script
// host and the browser client over the /ws endpoint.
//
// Every frame is a single JSON object with a "type" discriminator. The
// frame set is small by design:
//
//   - "connection": server → client identity handshake, sent once per
//     physical connection.
//   - "paired": coordinator acknowledgement marking a stream boundary
//     (stream_start / stream_end).
//   - "component_update": one per component node created during a script
//     pass. The frontend renders an evolving tree from the ordered stream.
//   - "events": inbound UI interaction batch (form values, file uploads).
//   - "chunked_message" / "chunk_ack" / "chunked_message_complete" /
//     "transfer_failed": fragmentation protocol for oversized payloads.
//
// The codec is deliberately permissive on input: unknown fields are
// ignored, and an unknown frame type is a protocol error that callers are
// expected to log and drop without tearing down the connection.
package protocol
