// Package gateway composes the control plane and owns its runtime.
//
// A Gateway accepts websocket connections on /ws, runs the hello/welcome
// handshake, and serves method calls through the rpc dispatcher. Requests
// on one connection dispatch concurrently, each on its own goroutine;
// responses are correlated by request id. Events flow the other way,
// from the broadcaster through each connection's bounded outbound queue.
//
// Configuration is applied in epochs: Reconfigure validates a candidate
// config, rejects changes that would require re-binding listeners, and
// applies the rest live. In-flight requests keep the epoch they started
// with.
package gateway
