package notifier

import "github.com/Strob0t/TeamForge/internal/port/provider"

// Factory creates a Notifier from its channel configuration.
type Factory = provider.Factory[Notifier]

var channels = provider.NewRegistry[Notifier]("notifier")

// Register makes an alert channel available by name. Adapters call it from init().
func Register(name string, factory Factory) { channels.Register(name, factory) }

// New creates the named alert channel.
func New(name string, config map[string]string) (Notifier, error) {
	return channels.New(name, config)
}

// Available returns the registered channel names, sorted.
func Available() []string { return channels.Available() }
