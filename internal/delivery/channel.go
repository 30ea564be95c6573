// Package delivery sends finished clips and status notices to broadcasters.
package delivery

import "context"

// Channel delivers messages and clip files to a recipient. Recipient IDs are
// opaque strings owned by the concrete channel (chat IDs for the bot API).
type Channel interface {
	SendText(ctx context.Context, recipient, text string) error
	SendFile(ctx context.Context, recipient, path, caption string) error
}

// Noop discards every delivery. Used when no delivery credentials are
// configured, which keeps the pipeline runnable in development.
type Noop struct{}

func (Noop) SendText(ctx context.Context, recipient, text string) error {
	return nil
}

func (Noop) SendFile(ctx context.Context, recipient, path, caption string) error {
	return nil
}
