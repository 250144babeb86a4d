// Package terminal relays raw terminal bytes between a container exec stream
// and a client connection.
//
// A [Bridge] runs two independent pumps:
//
//   - output: exec stream → [Sink], one chunk per read, no buffering beyond a
//     trailing partial UTF-8 sequence that is carried to the next chunk.
//   - input: [Bridge.Input] → exec stream, in call order.
//
// Either pump failing detaches the bridge: the stream is closed, [Bridge.Done]
// is closed and the OnDetach callback fires once. Closing the bridge from the
// owner side ([Bridge.Close]) detaches it without firing OnDetach.
//
// [Mirror] is the output-only variant used for container log streams.
package terminal
