// Package bluez queries and commands the BlueZ object model over the system
// D-Bus. All state lives in BlueZ: every call works on a fresh snapshot of
// the managed objects, nothing is cached here.
package bluez

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// D-Bus error names BlueZ reports for the cases callers need to distinguish.
const (
	ErrNameAuthenticationFailed = "org.bluez.Error.AuthenticationFailed"
	ErrNameNotAvailable         = "org.bluez.Error.NotAvailable"
)

// profileUnavailable is the detail string cheap SPP bridges produce when the
// generic profile negotiation has nothing to connect.
const profileUnavailable = "br-connection-profile-unavailable"

// DeviceProps is a snapshot of one Device1 object under the adapter.
type DeviceProps struct {
	Path             string
	Address          string
	Name             string
	Alias            string
	Paired           bool
	Trusted          bool
	Connected        bool
	Blocked          bool
	RSSI             *int16
	UUIDs            []string
	ManufacturerData map[uint16][]byte
}

// Client talks to BlueZ on the system bus for a single adapter (e.g. hci0).
type Client struct {
	adapterName string

	mu  sync.Mutex
	bus *dbus.Conn
}

// NewClient creates a Client for the named adapter. The bus connection is
// established lazily on first use.
func NewClient(adapterName string) *Client {
	return &Client{adapterName: adapterName}
}

func (c *Client) conn() (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return c.bus, nil
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	c.bus = bus
	return bus, nil
}

func (c *Client) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + c.adapterName)
}

// ManagedDevices returns a fresh address -> properties snapshot of every
// Device1 object under this adapter. Addresses are uppercased.
func (c *Client) ManagedDevices() (map[string]DeviceProps, error) {
	bus, err := c.conn()
	if err != nil {
		return nil, err
	}

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := bus.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}

	prefix := string(c.adapterPath()) + "/dev_"
	out := make(map[string]DeviceProps)
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		dev := decodeDevice(path, props)
		if dev.Address == "" {
			continue
		}
		out[dev.Address] = dev
	}
	return out, nil
}

// AdapterPowered reads the adapter Powered property.
func (c *Client) AdapterPowered() (bool, error) {
	bus, err := c.conn()
	if err != nil {
		return false, err
	}
	variant, err := bus.Object(bluezService, c.adapterPath()).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("adapter %s: get Powered: %w", c.adapterName, err)
	}
	powered, _ := variant.Value().(bool)
	return powered, nil
}

// SetAdapterPowered sets the adapter Powered property.
func (c *Client) SetAdapterPowered(on bool) error {
	bus, err := c.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, c.adapterPath())
	if call := obj.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on)); call.Err != nil {
		return fmt.Errorf("adapter %s: set Powered=%v: %w", c.adapterName, on, call.Err)
	}
	return nil
}

// StartDiscovery starts device discovery on the adapter.
func (c *Client) StartDiscovery() error {
	return c.adapterCall("StartDiscovery")
}

// StopDiscovery stops device discovery on the adapter.
func (c *Client) StopDiscovery() error {
	return c.adapterCall("StopDiscovery")
}

func (c *Client) adapterCall(method string) error {
	bus, err := c.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, c.adapterPath())
	if call := obj.Call(adapterIface+"."+method, 0); call.Err != nil {
		return fmt.Errorf("adapter %s: %s: %w", c.adapterName, method, call.Err)
	}
	return nil
}

// PairDevice invokes Device1.Pair on the device object.
func (c *Client) PairDevice(path string) error {
	return c.deviceCall(path, "Pair")
}

// ConnectDevice invokes Device1.Connect on the device object.
func (c *Client) ConnectDevice(path string) error {
	return c.deviceCall(path, "Connect")
}

// DisconnectDevice invokes Device1.Disconnect on the device object.
func (c *Client) DisconnectDevice(path string) error {
	return c.deviceCall(path, "Disconnect")
}

// TrustDevice sets the Trusted property on the device object.
func (c *Client) TrustDevice(path string) error {
	bus, err := c.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, dbus.ObjectPath(path))
	if call := obj.Call(propsIface+".Set", 0, deviceIface, "Trusted", dbus.MakeVariant(true)); call.Err != nil {
		return fmt.Errorf("device %s: set Trusted: %w", path, call.Err)
	}
	return nil
}

// RemoveDevice removes the device object via Adapter1.RemoveDevice,
// unpairing it.
func (c *Client) RemoveDevice(path string) error {
	bus, err := c.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, c.adapterPath())
	if call := obj.Call(adapterIface+".RemoveDevice", 0, dbus.ObjectPath(path)); call.Err != nil {
		return fmt.Errorf("adapter %s: RemoveDevice %s: %w", c.adapterName, path, call.Err)
	}
	return nil
}

func (c *Client) deviceCall(path, method string) error {
	bus, err := c.conn()
	if err != nil {
		return err
	}
	obj := bus.Object(bluezService, dbus.ObjectPath(path))
	if call := obj.Call(deviceIface+"."+method, 0); call.Err != nil {
		return fmt.Errorf("device %s: %s: %w", path, method, call.Err)
	}
	return nil
}

// IsAuthenticationFailed reports whether err carries the BlueZ
// authentication-failure signature.
func IsAuthenticationFailed(err error) bool {
	return hasErrorName(err, ErrNameAuthenticationFailed)
}

// IsProfileUnavailable reports whether err is the "nothing to connect"
// response serial-only peripherals give to a generic Connect.
func IsProfileUnavailable(err error) bool {
	if hasErrorName(err, ErrNameNotAvailable) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), profileUnavailable)
}

func hasErrorName(err error, name string) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == name {
		return true
	}
	return err != nil && strings.Contains(err.Error(), name)
}

// =============================================================================
// Property decoding
// =============================================================================

func decodeDevice(path dbus.ObjectPath, props map[string]dbus.Variant) DeviceProps {
	dev := DeviceProps{
		Path:      string(path),
		Address:   strings.ToUpper(getString(props, "Address")),
		Name:      getString(props, "Name"),
		Alias:     getString(props, "Alias"),
		Paired:    getBool(props, "Paired"),
		Trusted:   getBool(props, "Trusted"),
		Connected: getBool(props, "Connected"),
		Blocked:   getBool(props, "Blocked"),
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			dev.RSSI = &rssi
		}
	}
	if v, ok := props["UUIDs"]; ok {
		dev.UUIDs, _ = v.Value().([]string)
	}
	if v, ok := props["ManufacturerData"]; ok {
		dev.ManufacturerData = decodeManufacturerData(v)
	}
	if dev.Address == "" {
		dev.Address = addrFromPath(path)
	}
	return dev
}

func decodeManufacturerData(v dbus.Variant) map[uint16][]byte {
	raw, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return nil
	}
	out := make(map[uint16][]byte, len(raw))
	for id, data := range raw {
		if b, ok := data.Value().([]byte); ok {
			out[id] = b
		}
	}
	return out
}

func getString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func getBool(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		b, _ := v.Value().(bool)
		return b
	}
	return false
}

// addrFromPath extracts the MAC from a device path suffix dev_XX_XX_XX_XX_XX_XX.
func addrFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(s[idx+5:], "_", ":"))
}
