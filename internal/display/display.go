// Package display is the high-level interface for pushing images to an
// OpenEPaperLink BLE tag. It wraps the protocol engine in internal/oepl with
// a target address and per-display settings.
package display

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/epaperlink/bletag/internal/oepl"
)

// Display represents one e-paper tag, addressed by its BLE MAC.
type Display struct {
	address   string
	dataType  byte
	cfg       oepl.Config
	transport oepl.Transport
	uploader  *oepl.Uploader
}

// Option configures a Display.
type Option func(*Display)

// WithDataType sets the image data-type tag sent in the announcement.
func WithDataType(t byte) Option {
	return func(d *Display) { d.dataType = t }
}

// WithConnectRetries sets the scan+connect attempt budget.
func WithConnectRetries(n int) Option {
	return func(d *Display) { d.cfg.ConnectRetries = n }
}

// WithConnectRetryDelay sets the pause between connect attempts.
func WithConnectRetryDelay(delay time.Duration) Option {
	return func(d *Display) { d.cfg.ConnectRetryDelay = delay }
}

// WithPartRetries caps PART_ERROR resends per part; zero means unlimited.
func WithPartRetries(n int) Option {
	return func(d *Display) { d.cfg.PartRetries = n }
}

// WithScanDuration sets the per-attempt scan window.
func WithScanDuration(dur time.Duration) Option {
	return func(d *Display) { d.cfg.ScanDuration = dur }
}

// New creates a Display for the tag at address, reachable through the given
// transport.
func New(transport oepl.Transport, address string, opts ...Option) *Display {
	d := &Display{
		address:   address,
		dataType:  oepl.DefaultDataType,
		transport: transport,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.uploader = oepl.NewUploader(transport, d.cfg)
	return d
}

// Address returns the tag's BLE address.
func (d *Display) Address() string { return d.address }

// Discover runs a single scan for the tag and returns the address it
// advertised with.
func (d *Display) Discover(ctx context.Context, timeout time.Duration) (string, error) {
	dev, err := d.transport.Scan(ctx, d.address, timeout)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", d.address, err)
	}
	return dev.Address(), nil
}

// Upload transfers the raw image bytes to the tag. The image must already
// be in the tag's native bitplane layout; this package does no rendering.
func (d *Display) Upload(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("empty image")
	}
	start := time.Now()
	if err := d.uploader.Upload(ctx, d.address, image, d.dataType); err != nil {
		return err
	}
	slog.Info("upload finished",
		"address", d.address,
		"bytes", len(image),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}
