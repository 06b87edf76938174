package display

import (
	"context"
	"testing"
	"time"

	"github.com/epaperlink/bletag/internal/oepl"
)

type stubDevice struct{ address string }

func (d *stubDevice) Address() string { return d.address }
func (d *stubDevice) Connect(context.Context, time.Duration) (oepl.Connection, error) {
	return nil, oepl.ErrDeviceNotFound
}

type stubTransport struct {
	lastAddress  string
	lastDuration time.Duration
	err          error
}

func (t *stubTransport) Scan(_ context.Context, address string, duration time.Duration) (oepl.Device, error) {
	t.lastAddress = address
	t.lastDuration = duration
	if t.err != nil {
		return nil, t.err
	}
	return &stubDevice{address: address}, nil
}

func TestNew_Defaults(t *testing.T) {
	d := New(&stubTransport{}, "AA:BB:CC:DD:EE:FF")

	if d.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address = %q, want AA:BB:CC:DD:EE:FF", d.Address())
	}
	if d.dataType != oepl.DefaultDataType {
		t.Errorf("dataType = 0x%02X, want 0x%02X", d.dataType, oepl.DefaultDataType)
	}
}

func TestNew_Options(t *testing.T) {
	d := New(&stubTransport{}, "AA:BB:CC:DD:EE:FF",
		WithDataType(0x30),
		WithConnectRetries(5),
		WithConnectRetryDelay(250*time.Millisecond),
		WithPartRetries(4),
		WithScanDuration(2*time.Second),
	)

	if d.dataType != 0x30 {
		t.Errorf("dataType = 0x%02X, want 0x30", d.dataType)
	}
	if d.cfg.ConnectRetries != 5 {
		t.Errorf("ConnectRetries = %d, want 5", d.cfg.ConnectRetries)
	}
	if d.cfg.ConnectRetryDelay != 250*time.Millisecond {
		t.Errorf("ConnectRetryDelay = %v, want 250ms", d.cfg.ConnectRetryDelay)
	}
	if d.cfg.PartRetries != 4 {
		t.Errorf("PartRetries = %d, want 4", d.cfg.PartRetries)
	}
	if d.cfg.ScanDuration != 2*time.Second {
		t.Errorf("ScanDuration = %v, want 2s", d.cfg.ScanDuration)
	}
}

func TestDiscover(t *testing.T) {
	transport := &stubTransport{}
	d := New(transport, "AA:BB:CC:DD:EE:FF")

	addr, err := d.Discover(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if addr != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("addr = %q, want AA:BB:CC:DD:EE:FF", addr)
	}
	if transport.lastAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("scanned address = %q, want AA:BB:CC:DD:EE:FF", transport.lastAddress)
	}
	if transport.lastDuration != 3*time.Second {
		t.Errorf("scan duration = %v, want 3s", transport.lastDuration)
	}
}

func TestDiscover_NotFound(t *testing.T) {
	d := New(&stubTransport{err: oepl.ErrDeviceNotFound}, "AA:BB:CC:DD:EE:FF")

	if _, err := d.Discover(context.Background(), time.Second); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestUpload_EmptyImage(t *testing.T) {
	d := New(&stubTransport{}, "AA:BB:CC:DD:EE:FF")

	if err := d.Upload(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty image, got nil")
	}
}
