// ABOUTME: ConfigWatcher contract for hot reconfiguration
// ABOUTME: External watchers deliver validated configs; the gateway applies or rejects them

package config

// ApplyFunc receives a validated config. It returns an error when the
// config cannot be applied live; the watcher surfaces that rejection to
// whoever triggered the reload.
type ApplyFunc func(*Config) error

// Watcher is implemented by external collaborators that observe config
// sources (files, control APIs) and deliver new configs to the gateway.
// Watch blocks until the watcher is stopped.
type Watcher interface {
	Watch(apply ApplyFunc) error
	Stop()
}
