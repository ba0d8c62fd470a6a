package managers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"bluebridge-api/internal/models"
)

// IsEnabled reports whether the adapter is powered on. Query failures
// degrade to false: a probe that cannot reach the adapter conservatively
// reports "not enabled".
func (m *BluetoothManager) IsEnabled() bool {
	powered, err := m.bus.AdapterPowered()
	if err != nil {
		log.Warn().Err(err).Str("adapter", m.cfg.AdapterName).Msg("Powered query failed")
		return false
	}
	return powered
}

// Enable powers the adapter on.
func (m *BluetoothManager) Enable() error {
	if err := m.bus.SetAdapterPowered(true); err != nil {
		return fmt.Errorf("%w: enable: %v", ErrAdapter, err)
	}
	return nil
}

// Disable powers the adapter off.
func (m *BluetoothManager) Disable() error {
	if err := m.bus.SetAdapterPowered(false); err != nil {
		return fmt.Errorf("%w: disable: %v", ErrAdapter, err)
	}
	return nil
}

// Scan discovers nearby devices: discovery is started, the call blocks for
// the timeout (config default when zero), discovery is stopped best-effort,
// and a fresh snapshot of every device under the adapter is returned. The
// hint cache is rebuilt from the snapshot.
func (m *BluetoothManager) Scan(ctx context.Context, timeout time.Duration) ([]models.DeviceInfo, error) {
	if timeout <= 0 {
		timeout = m.cfg.ScanTimeout
	}

	if err := m.bus.StartDiscovery(); err != nil {
		return nil, fmt.Errorf("%w: start discovery: %v", ErrAdapter, err)
	}

	m.sleep(timeout)

	if err := m.bus.StopDiscovery(); err != nil {
		log.Warn().Err(err).Msg("Stop discovery failed")
	}

	devices, err := m.bus.ManagedDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapter, err)
	}

	now := time.Now()
	infos := make([]models.DeviceInfo, 0, len(devices))

	m.mu.Lock()
	m.hints = make(map[string]string, len(devices))
	for addr, props := range devices {
		infos = append(infos, deviceInfoFromProps(props, now))
		if props.Name != "" {
			m.hints[props.Name] = addr
		}
		if props.Alias != "" {
			m.hints[props.Alias] = addr
		}
	}
	m.mu.Unlock()

	log.Info().Int("devices", len(infos)).Dur("timeout", timeout).Msg("Scan completed")
	return infos, nil
}
