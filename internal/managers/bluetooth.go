// Package managers holds the domain managers composed by the service entry
// point. BluetoothManager is the single entry point for device discovery,
// pairing, and RFCOMM sessions.
package managers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bluebridge-api/internal/bluez"
	"bluebridge-api/internal/btshell"
	"bluebridge-api/internal/config"
	"bluebridge-api/internal/models"
	"bluebridge-api/internal/sdp"
	"bluebridge-api/internal/session"
)

// ObjectModel is the slice of the BlueZ object model the manager consumes.
// Implemented by *bluez.Client; faked in tests.
type ObjectModel interface {
	ManagedDevices() (map[string]bluez.DeviceProps, error)
	AdapterPowered() (bool, error)
	SetAdapterPowered(on bool) error
	StartDiscovery() error
	StopDiscovery() error
	PairDevice(path string) error
	ConnectDevice(path string) error
	DisconnectDevice(path string) error
	TrustDevice(path string) error
	RemoveDevice(path string) error
}

// ServiceFinder resolves the RFCOMM channel a device exposes.
// Implemented by *sdp.Lookup.
type ServiceFinder interface {
	RFCOMMChannel(ctx context.Context, address string) (channel int, ok bool, err error)
}

// controlShell is the interactive pairing shell surface the PIN state
// machine drives. Implemented by *btshell.Shell.
type controlShell interface {
	SendLine(line string) error
	Expect(timeout time.Duration, patterns ...string) (int, error)
	Close() error
}

// BluetoothManager manages classic Bluetooth peripherals: discovery,
// pairing, and per-device RFCOMM sessions. The BlueZ object model is the
// source of truth; the only state kept here is the hint cache and the table
// of live sessions.
type BluetoothManager struct {
	cfg *config.Settings
	bus ObjectModel
	sdp ServiceFinder

	// Seams for tests.
	newShell func() (controlShell, error)
	dial     func(address string, channel int) (session.Socket, error)
	sleep    func(d time.Duration)

	mu       sync.Mutex
	hints    map[string]string // name/alias -> address, best-effort only
	sessions map[string]*session.Session
}

// NewBluetoothManager creates a manager over the real BlueZ bus, sdptool
// lookup, and RFCOMM dialer.
func NewBluetoothManager(cfg *config.Settings) *BluetoothManager {
	return newBluetoothManager(cfg, bluez.NewClient(cfg.AdapterName), sdp.New())
}

func newBluetoothManager(cfg *config.Settings, bus ObjectModel, finder ServiceFinder) *BluetoothManager {
	return &BluetoothManager{
		cfg: cfg,
		bus: bus,
		sdp: finder,
		newShell: func() (controlShell, error) {
			return btshell.Start()
		},
		dial:     session.Dial,
		sleep:    time.Sleep,
		hints:    make(map[string]string),
		sessions: make(map[string]*session.Session),
	}
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve maps a device name, alias, or address to a canonical uppercase
// address. Names are looked up in the hint cache first, then in a fresh
// BlueZ snapshot; as a last resort one scan is triggered and the snapshot
// search repeated.
func (m *BluetoothManager) Resolve(ctx context.Context, device string) (string, error) {
	device = strings.TrimSpace(device)
	if strings.Contains(device, ":") {
		return strings.ToUpper(device), nil
	}

	m.mu.Lock()
	addr, ok := m.hints[device]
	m.mu.Unlock()
	if ok {
		return addr, nil
	}

	addr, err := m.resolveByName(device)
	if err != nil {
		return "", err
	}
	if addr != "" {
		return addr, nil
	}

	// Unknown name; a scan may surface it.
	if _, err := m.Scan(ctx, 0); err != nil {
		return "", err
	}
	addr, err = m.resolveByName(device)
	if err != nil {
		return "", err
	}
	if addr != "" {
		return addr, nil
	}

	return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
}

// resolveByName searches a fresh snapshot case-insensitively, first by Name
// then by Alias, refreshing the hint cache on a hit. Empty result means not
// present.
func (m *BluetoothManager) resolveByName(device string) (string, error) {
	devices, err := m.bus.ManagedDevices()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAdapter, err)
	}

	lower := strings.ToLower(device)
	for addr, props := range devices {
		if props.Name != "" && strings.ToLower(props.Name) == lower {
			m.rememberHint(props.Name, addr)
			return addr, nil
		}
	}
	for addr, props := range devices {
		if props.Alias != "" && strings.ToLower(props.Alias) == lower {
			m.rememberHint(props.Alias, addr)
			return addr, nil
		}
	}
	return "", nil
}

func (m *BluetoothManager) rememberHint(key, addr string) {
	m.mu.Lock()
	m.hints[key] = addr
	m.mu.Unlock()
}

// deviceProps returns the fresh snapshot entry for an address.
func (m *BluetoothManager) deviceProps(addr string) (bluez.DeviceProps, error) {
	devices, err := m.bus.ManagedDevices()
	if err != nil {
		return bluez.DeviceProps{}, fmt.Errorf("%w: %v", ErrAdapter, err)
	}
	props, ok := devices[strings.ToUpper(addr)]
	if !ok {
		return bluez.DeviceProps{}, fmt.Errorf("%w: %s not present in managed objects", ErrDeviceNotFound, addr)
	}
	return props, nil
}

// GetDeviceInfo resolves the device and returns a snapshot of its current
// properties. The device model is re-read on every call.
func (m *BluetoothManager) GetDeviceInfo(ctx context.Context, device string) (models.DeviceInfo, error) {
	addr, err := m.Resolve(ctx, device)
	if err != nil {
		return models.DeviceInfo{}, err
	}
	props, err := m.deviceProps(addr)
	if err != nil {
		return models.DeviceInfo{}, err
	}

	// Opportunistic hint refresh from the single-device query.
	if props.Name != "" {
		m.rememberHint(props.Name, props.Address)
	}
	if props.Alias != "" {
		m.rememberHint(props.Alias, props.Address)
	}
	return deviceInfoFromProps(props, time.Now()), nil
}

func deviceInfoFromProps(props bluez.DeviceProps, now time.Time) models.DeviceInfo {
	info := models.DeviceInfo{
		Address:   props.Address,
		Name:      props.Name,
		Alias:     props.Alias,
		Paired:    props.Paired,
		Trusted:   props.Trusted,
		Connected: props.Connected,
		Blocked:   props.Blocked,
		RSSI:      props.RSSI,
		UUIDs:     props.UUIDs,
		LastSeen:  now,
	}
	if info.UUIDs == nil {
		info.UUIDs = []string{}
	}
	for id, data := range props.ManufacturerData {
		id := id
		info.ManufacturerID = &id
		info.ManufacturerData = data
		break
	}
	return info
}
