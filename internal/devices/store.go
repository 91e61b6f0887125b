// Package devices persists the set of paired devices. The store only records
// each device's shared master secret; authentication happens downstream in
// the transports that derive keys from it.
package devices

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mbucko/remote-agent-shell/internal/util"
)

var log = logging.Logger("devices")

// ErrNotFound is returned when a device id is not in the store.
var ErrNotFound = errors.New("device not found")

// Device is the long-lived record of a paired device. Created on successful
// pairing; only LastSeen is ever mutated afterwards.
type Device struct {
	DeviceID     string    `json:"device_id"`
	DisplayName  string    `json:"display_name"`
	MasterSecret []byte    `json:"master_secret"`
	PairedAt     time.Time `json:"paired_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Store is a persistent device_id → Device mapping backed by a single JSON
// file with owner-only permissions. Writes go through a temp file + rename.
type Store struct {
	mu      sync.RWMutex
	path    string
	devices map[string]*Device
}

// Open loads the store synchronously. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, devices: make(map[string]*Device)}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var list []*Device
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}
	for _, d := range list {
		s.devices[d.DeviceID] = d
	}
	log.Infof("loaded %d paired devices from %s", len(list), path)
	return s, nil
}

// Get returns a copy of the device record.
func (s *Store) Get(deviceID string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns copies of all device records.
func (s *Store) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	return out
}

// Put inserts or replaces a device record and persists the store.
func (s *Store) Put(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	cp.MasterSecret = append([]byte(nil), d.MasterSecret...)
	s.devices[d.DeviceID] = &cp
	return s.save()
}

// TouchLastSeen updates last_seen for a known device and persists.
func (s *Store) TouchLastSeen(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.LastSeen = time.Now()
	return s.save()
}

// Remove deletes a device (explicit unpair) and persists.
func (s *Store) Remove(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return ErrNotFound
	}
	delete(s.devices, deviceID)
	return s.save()
}

// Len returns the number of paired devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

func (s *Store) save() error {
	list := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		list = append(list, d)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.path, b, 0o600)
}
