package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/quentinglorieux/Temperature/internal/meter"
)

var (
	// ErrCharacteristicNotFound is returned when the connected device does
	// not expose a requested characteristic.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	// ErrWriteWithResponse is returned for acknowledged writes, which the
	// BlueZ backend does not offer.
	ErrWriteWithResponse = errors.New("ble: write with response not supported")
)

// maxValueLen is the largest attribute value BlueZ hands back on a read.
const maxValueLen = 512

// gattCharacteristic is the part of *bluetooth.DeviceCharacteristic a Conn
// uses. Notify state lives on the pointer, so enabling and disabling must
// go through the same value.
type gattCharacteristic interface {
	UUID() bluetooth.UUID
	EnableNotifications(callback func(buf []byte)) error
	WriteWithoutResponse(p []byte) (int, error)
	Read(data []byte) (int, error)
}

type disconnecter interface {
	Disconnect() error
}

// Service lists the characteristic UUIDs discovered under one service.
type Service struct {
	UUID            string   `json:"uuid"`
	Characteristics []string `json:"characteristics"`
}

// Conn is a GATT connection to one device. It implements meter.Channel.
type Conn struct {
	address  string
	device   disconnecter
	services []Service
	chars    map[bluetooth.UUID]gattCharacteristic

	mu     sync.Mutex
	nextID uint64
	subs   map[bluetooth.UUID]uint64
}

var _ meter.Channel = (*Conn)(nil)

func newConn(address string, device disconnecter) *Conn {
	return &Conn{
		address: address,
		device:  device,
		chars:   make(map[bluetooth.UUID]gattCharacteristic),
		subs:    make(map[bluetooth.UUID]uint64),
	}
}

// Dial connects to address and discovers its characteristics.
func Dial(ctx context.Context, adapter *bluetooth.Adapter, address string, timeout time.Duration) (*Conn, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", address, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := bluetooth.ConnectionParams{}
	if timeout > 0 {
		params.ConnectionTimeout = bluetooth.NewDuration(timeout)
	}
	slog.Debug("ble: connecting", "addr", address)
	device, err := adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, params)
	if err != nil {
		return nil, fmt.Errorf("ble connect %s: %w", address, err)
	}

	c := newConn(address, device)
	if err := c.discover(device); err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	slog.Debug("ble: connected", "addr", address, "characteristics", len(c.chars))
	return c, nil
}

func (c *Conn) discover(device bluetooth.Device) error {
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("ble discover services %s: %w", c.address, err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("ble discover characteristics %s: %w", c.address, err)
		}
		gc := make([]gattCharacteristic, 0, len(chars))
		for i := range chars {
			gc = append(gc, &chars[i])
		}
		c.addService(svc.UUID().String(), gc)
	}
	return nil
}

func (c *Conn) addService(uuid string, chars []gattCharacteristic) {
	svc := Service{UUID: uuid}
	for _, ch := range chars {
		c.chars[ch.UUID()] = ch
		svc.Characteristics = append(svc.Characteristics, ch.UUID().String())
	}
	c.services = append(c.services, svc)
}

// Services returns the discovered services in discovery order.
func (c *Conn) Services() []Service {
	return c.services
}

func (c *Conn) characteristic(uuid string) (bluetooth.UUID, gattCharacteristic, error) {
	id, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return bluetooth.UUID{}, nil, fmt.Errorf("parse uuid %q: %w", uuid, err)
	}
	ch, ok := c.chars[id]
	if !ok {
		return id, nil, fmt.Errorf("%w: %s on %s", ErrCharacteristicNotFound, uuid, c.address)
	}
	return id, ch, nil
}

// Subscribe enables notifications on uuid. Only one subscription per
// characteristic is active at a time.
func (c *Conn) Subscribe(uuid string, handler func([]byte)) (meter.Subscription, error) {
	id, ch, err := c.characteristic(uuid)
	if err != nil {
		return meter.Subscription{}, err
	}
	err = ch.EnableNotifications(func(buf []byte) {
		handler(append([]byte(nil), buf...))
	})
	if err != nil {
		return meter.Subscription{}, fmt.Errorf("enable notifications %s: %w", uuid, err)
	}

	c.mu.Lock()
	c.nextID++
	sub := meter.Subscription{UUID: uuid, ID: c.nextID}
	c.subs[id] = sub.ID
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe disables notifications for sub. Stale subscriptions are
// ignored.
func (c *Conn) Unsubscribe(sub meter.Subscription) error {
	id, ch, err := c.characteristic(sub.UUID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	current, ok := c.subs[id]
	if !ok || current != sub.ID {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, id)
	c.mu.Unlock()

	if err := ch.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications %s: %w", sub.UUID, err)
	}
	return nil
}

// Write writes data to uuid without response. ctx is only checked before
// the write; an in-flight write cannot be canceled.
func (c *Conn) Write(ctx context.Context, uuid string, data []byte, withResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if withResponse {
		return fmt.Errorf("write %s: %w", uuid, ErrWriteWithResponse)
	}
	_, ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write %s: %w", uuid, err)
	}
	return nil
}

// Read returns the current value of uuid.
func (c *Conn) Read(uuid string) ([]byte, error) {
	_, ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxValueLen)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uuid, err)
	}
	return buf[:min(n, len(buf))], nil
}

// Close disconnects from the device.
func (c *Conn) Close() error {
	if err := c.device.Disconnect(); err != nil {
		return fmt.Errorf("ble disconnect %s: %w", c.address, err)
	}
	return nil
}
