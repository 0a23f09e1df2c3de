// Package agent coordinates generation work between sessions and the
// external agent runtime.
//
// The runtime itself (model selection, prompt construction, token
// accounting) lives outside the gateway; this package consumes it through
// the Runtime/Handle interfaces, executes tool calls through the
// ToolRegistry collaborator, and delivers finished responses through the
// ChannelRegistry collaborator.
//
// The Manager owns at most one live Handle per session. Its event pump
// drives the session state machine (Thinking, WaitingForTool, back to
// Active) through the session manager's serialized mutation path and
// mirrors every streamed event onto the session's topic for subscribed
// connections.
//
// Pumps are detached from the dispatching request's context: a client
// disconnecting mid-generation orphans the work but does not cancel it,
// and the finished response still reaches the messaging platform.
package agent
