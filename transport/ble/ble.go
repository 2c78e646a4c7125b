// Package ble exposes the update service as a BLE peripheral.
//
// The GATT layout mirrors the protocol's endpoints: one writable
// characteristic for update frames, one for application commands, and a
// readable, notifying one for status texts. A central drives a transfer
// by writing to the update characteristic and subscribing to status.
package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/bleota-org/bleota/transport"
)

// Default GATT identity, matching the stock device firmware.
const (
	DefaultDeviceName      = "BLE-OTA-Device"
	DefaultServiceUUID     = "12345678-1234-5678-9abc-def012345678"
	DefaultOTACharUUID     = "87654321-4321-8765-cba9-fedcba987654"
	DefaultCommandCharUUID = "11111111-2222-3333-4444-555555555555"
	DefaultStatusCharUUID  = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithDeviceName sets the advertised local name.
func WithDeviceName(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.deviceName = name
		}
	}
}

// WithUUIDs replaces the service and characteristic UUIDs. Empty
// strings keep the defaults.
func WithUUIDs(service, ota, command, status string) Option {
	return func(a *Adapter) {
		if service != "" {
			a.serviceUUID = service
		}
		if ota != "" {
			a.otaUUID = ota
		}
		if command != "" {
			a.commandUUID = command
		}
		if status != "" {
			a.statusUUID = status
		}
	}
}

// WithHardwareAdapter selects the bluetooth stack adapter. Defaults to
// bluetooth.DefaultAdapter.
func WithHardwareAdapter(hw *bluetooth.Adapter) Option {
	return func(a *Adapter) {
		if hw != nil {
			a.hw = hw
		}
	}
}

// Adapter implements the transport contract as a BLE peripheral.
type Adapter struct {
	hw     *bluetooth.Adapter
	sink   transport.EventSink
	logger *slog.Logger

	deviceName  string
	serviceUUID string
	otaUUID     string
	commandUUID string
	statusUUID  string

	statusChar bluetooth.Characteristic
	adv        *bluetooth.Advertisement

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a BLE adapter. Nothing touches the bluetooth stack until
// Start.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		hw:          bluetooth.DefaultAdapter,
		logger:      slog.Default(),
		deviceName:  DefaultDeviceName,
		serviceUUID: DefaultServiceUUID,
		otaUUID:     DefaultOTACharUUID,
		commandUUID: DefaultCommandCharUUID,
		statusUUID:  DefaultStatusCharUUID,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind attaches the sink that characteristic writes and connection
// events are dispatched to. Must be called before Start.
func (a *Adapter) Bind(sink transport.EventSink) {
	a.sink = sink
}

// Start enables the bluetooth stack, registers the GATT service, and
// begins advertising.
func (a *Adapter) Start() error {
	if a.sink == nil {
		return errors.New("ble: no sink bound")
	}

	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("ble: already started")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.hw.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth stack: %w", err)
	}

	svcUUID, err := bluetooth.ParseUUID(a.serviceUUID)
	if err != nil {
		return fmt.Errorf("service uuid %q: %w", a.serviceUUID, err)
	}
	otaUUID, err := bluetooth.ParseUUID(a.otaUUID)
	if err != nil {
		return fmt.Errorf("ota uuid %q: %w", a.otaUUID, err)
	}
	commandUUID, err := bluetooth.ParseUUID(a.commandUUID)
	if err != nil {
		return fmt.Errorf("command uuid %q: %w", a.commandUUID, err)
	}
	statusUUID, err := bluetooth.ParseUUID(a.statusUUID)
	if err != nil {
		return fmt.Errorf("status uuid %q: %w", a.statusUUID, err)
	}

	a.hw.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			a.logger.Info("central connected")
			a.sink.OnConnect()
			return
		}
		a.logger.Info("central disconnected")
		a.sink.OnDisconnect()
		a.readvertise()
	})

	err = a.hw.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID: otaUUID,
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission |
					bluetooth.CharacteristicNotifyPermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if offset != 0 {
						a.logger.Warn("long write not supported", "endpoint", "ota", "offset", offset)
						return
					}
					a.sink.OnOTAFrame(value)
				},
			},
			{
				UUID: commandUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if offset != 0 {
						a.logger.Warn("long write not supported", "endpoint", "command", "offset", offset)
						return
					}
					a.sink.OnCommandFrame(value)
				},
			},
			{
				Handle: &a.statusChar,
				UUID:   statusUUID,
				Flags: bluetooth.CharacteristicReadPermission |
					bluetooth.CharacteristicNotifyPermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("register gatt service: %w", err)
	}

	a.adv = a.hw.DefaultAdvertisement()
	if err := a.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    a.deviceName,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	}); err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}

	if err := a.StartAdvertising(); err != nil {
		return err
	}
	a.logger.Info("advertising", "name", a.deviceName, "service", a.serviceUUID)
	return nil
}

// StartAdvertising makes the device discoverable again after a
// StopAdvertising. Start must have run first.
func (a *Adapter) StartAdvertising() error {
	if a.adv == nil {
		return errors.New("ble: not started")
	}
	if err := a.adv.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	return nil
}

// StopAdvertising hides the device from scans. An existing connection
// stays up.
func (a *Adapter) StopAdvertising() error {
	if a.adv == nil {
		return errors.New("ble: not started")
	}
	if err := a.adv.Stop(); err != nil {
		return fmt.Errorf("stop advertising: %w", err)
	}
	return nil
}

// Notify writes p to the status characteristic, updating its readable
// value and notifying subscribed centrals.
func (a *Adapter) Notify(p []byte) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return transport.ErrNotConnected
	}
	if _, err := a.statusChar.Write(p); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

// Close stops advertising. Connections belong to the stack and drop on
// their own; the stack itself stays enabled.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.adv != nil {
		if err := a.adv.Stop(); err != nil {
			a.logger.Debug("stop advertising on close", "err", err)
		}
	}
	return nil
}

// readvertise keeps the device discoverable after a central drops, so
// the next session can find it without a service restart.
func (a *Adapter) readvertise() {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if err := a.StartAdvertising(); err != nil {
		a.logger.Warn("re-advertise failed", "err", err)
	}
}
