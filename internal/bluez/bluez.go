// Package bluez implements the oepl.Transport abstraction on top of the
// BlueZ D-Bus API. It is Linux-only in practice; everything above it is
// transport-agnostic.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/epaperlink/bletag/internal/oepl"
)

const (
	busName          = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	propsIface       = "org.freedesktop.DBus.Properties"

	scanPollInterval    = 500 * time.Millisecond
	resolvePollInterval = 200 * time.Millisecond
	notifyBuffer        = 64
)

// uuid16 expands a 16-bit UUID to the 128-bit Bluetooth base UUID string
// form BlueZ reports.
func uuid16(u uint16) string {
	return fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", uint32(u))
}

// Transport is a BlueZ-backed BLE transport.
type Transport struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// New connects to the system bus and binds to the first Bluetooth adapter.
func New() (*Transport, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}

	t := &Transport{conn: conn}
	objects, err := t.managedObjects()
	if err != nil {
		return nil, err
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterIface]; ok {
			t.adapter = path
			break
		}
	}
	if t.adapter == "" {
		return nil, fmt.Errorf("no bluetooth adapter found")
	}
	slog.Debug("bluez transport ready", "adapter", string(t.adapter))
	return t, nil
}

func (t *Transport) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	obj := t.conn.Object(busName, "/")
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

// Scan runs LE discovery for at most duration, looking for a device whose
// Address property equals address. BlueZ reports addresses in uppercase
// colon-separated form; callers are expected to pass that form.
func (t *Transport) Scan(ctx context.Context, address string, duration time.Duration) (oepl.Device, error) {
	adapter := t.conn.Object(busName, t.adapter)

	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// Some adapters reject filters; discovery still works without one.
		slog.Debug("set discovery filter failed", "err", err)
	}

	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			slog.Debug("stop discovery failed", "err", err)
		}
	}()

	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

	for {
		objects, err := t.managedObjects()
		if err != nil {
			return nil, err
		}
		for path, ifaces := range objects {
			if !strings.HasPrefix(string(path), string(t.adapter)+"/dev_") {
				continue
			}
			dev, ok := ifaces[deviceIface]
			if !ok {
				continue
			}
			addrVar, ok := dev["Address"]
			if !ok {
				continue
			}
			if addr, _ := addrVar.Value().(string); addr == address {
				return &device{t: t, path: path, address: addr}, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, oepl.ErrDeviceNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type device struct {
	t       *Transport
	path    dbus.ObjectPath
	address string
}

func (d *device) Address() string { return d.address }

// Connect opens the link and waits for BlueZ to resolve GATT services.
func (d *device) Connect(ctx context.Context, timeout time.Duration) (oepl.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	obj := d.t.conn.Object(busName, d.path)
	if err := obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.address, err)
	}

	// GATT paths only appear once ServicesResolved flips.
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		var resolved bool
		if err := obj.Call(propsIface+".Get", 0, deviceIface, "ServicesResolved").Store(&resolved); err == nil && resolved {
			return &connection{t: d.t, devPath: d.path, address: d.address}, nil
		}
		select {
		case <-ctx.Done():
			obj.Call(deviceIface+".Disconnect", 0)
			return nil, fmt.Errorf("service resolution: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

type connection struct {
	t       *Transport
	devPath dbus.ObjectPath
	address string
}

// ExchangeMTU is a no-op under BlueZ, which negotiates the ATT MTU itself
// when the connection comes up.
func (c *connection) ExchangeMTU(mtu uint16) error {
	slog.Debug("mtu negotiation delegated to bluez", "requested", mtu)
	return nil
}

func (c *connection) Service(uuid uint16) (oepl.Service, error) {
	objects, err := c.t.managedObjects()
	if err != nil {
		return nil, err
	}
	want := uuid16(uuid)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(c.devPath)+"/service") {
			continue
		}
		svc, ok := ifaces[gattServiceIface]
		if !ok {
			continue
		}
		if uuidVar, ok := svc["UUID"]; ok {
			if u, _ := uuidVar.Value().(string); strings.EqualFold(u, want) {
				return &service{t: c.t, path: path}, nil
			}
		}
	}
	return nil, fmt.Errorf("service %s: %w", want, oepl.ErrNotFound)
}

func (c *connection) Disconnect() error {
	obj := c.t.conn.Object(busName, c.devPath)
	if err := obj.Call(deviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("disconnect %s: %w", c.address, err)
	}
	return nil
}

type service struct {
	t    *Transport
	path dbus.ObjectPath
}

func (s *service) Characteristic(uuid uint16) (oepl.Characteristic, error) {
	objects, err := s.t.managedObjects()
	if err != nil {
		return nil, err
	}
	want := uuid16(uuid)
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(s.path)+"/char") {
			continue
		}
		char, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		if uuidVar, ok := char["UUID"]; ok {
			if u, _ := uuidVar.Value().(string); strings.EqualFold(u, want) {
				return &characteristic{t: s.t, path: path}, nil
			}
		}
	}
	return nil, fmt.Errorf("characteristic %s: %w", want, oepl.ErrNotFound)
}

type characteristic struct {
	t      *Transport
	path   dbus.ObjectPath
	notifs chan []byte
}

// Subscribe enables notifications: a signal match on the characteristic's
// PropertiesChanged plus StartNotify. Value updates are pumped into an
// internal channel consumed by Notification.
func (c *characteristic) Subscribe() error {
	rule := fmt.Sprintf(
		"type='signal',interface='%s',member='PropertiesChanged',path='%s'",
		propsIface, c.path,
	)
	if err := c.t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("add signal match: %w", err)
	}

	c.notifs = make(chan []byte, notifyBuffer)
	signals := make(chan *dbus.Signal, notifyBuffer)
	c.t.conn.Signal(signals)
	go c.pump(signals)

	obj := c.t.conn.Object(busName, c.path)
	if err := obj.Call(gattCharIface+".StartNotify", 0).Err; err != nil {
		return fmt.Errorf("start notify: %w", err)
	}
	return nil
}

func (c *characteristic) pump(signals chan *dbus.Signal) {
	for sig := range signals {
		if sig.Path != c.path || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		iface, _ := sig.Body[0].(string)
		if iface != gattCharIface {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		valueVar, ok := changed["Value"]
		if !ok {
			continue
		}
		value, ok := valueVar.Value().([]byte)
		if !ok {
			continue
		}
		select {
		case c.notifs <- value:
		default:
			slog.Warn("notification buffer full, dropping frame", "bytes", len(value))
		}
	}
}

// WriteNoResponse issues a write-without-response GATT command.
func (c *characteristic) WriteNoResponse(data []byte) error {
	obj := c.t.conn.Object(busName, c.path)
	options := map[string]interface{}{"type": "command"}
	if err := obj.Call(gattCharIface+".WriteValue", 0, data, options).Err; err != nil {
		return fmt.Errorf("write value: %w", err)
	}
	return nil
}

func (c *characteristic) Notification(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case raw := <-c.notifs:
		return raw, nil
	case <-timer.C:
		return nil, oepl.ErrNotifyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
