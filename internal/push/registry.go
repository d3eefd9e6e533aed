package push

import (
	"log/slog"
	"sync"
)

// Conn is the registry's view of one WebSocket. Satisfied by
// *websocket.Conn; tests substitute fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Registry tracks the devices and parent portal tabs connected right
// now. One mutex serializes all index mutations. Sends on the device
// path happen inside the lock, which keeps per-socket send order.
type Registry struct {
	mu           sync.Mutex
	devices      map[string]Conn
	deviceChild  map[string]string
	childDevices map[string]map[string]bool
	parents      map[string]map[Conn]bool
	logger       *slog.Logger
}

// NewRegistry creates an empty connection registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		devices:      make(map[string]Conn),
		deviceChild:  make(map[string]string),
		childDevices: make(map[string]map[string]bool),
		parents:      make(map[string]map[Conn]bool),
		logger:       logger.With("component", "registry"),
	}
}

// Connect registers a device socket. A prior socket of the same device
// is evicted and closed.
func (r *Registry) Connect(deviceID, childID string, conn Conn) {
	r.mu.Lock()
	prior := r.devices[deviceID]
	r.devices[deviceID] = conn
	r.deviceChild[deviceID] = childID
	if r.childDevices[childID] == nil {
		r.childDevices[childID] = make(map[string]bool)
	}
	r.childDevices[childID][deviceID] = true
	r.mu.Unlock()

	if prior != nil && prior != conn {
		prior.Close()
	}

	r.logger.Info("device connected", "device_id", deviceID, "child_id", childID)
}

// Disconnect removes a device socket. The conn argument guards against
// a handler tearing down an entry its replacement already owns.
func (r *Registry) Disconnect(deviceID, childID string, conn Conn) {
	r.mu.Lock()
	if current, ok := r.devices[deviceID]; ok && current == conn {
		r.removeDeviceLocked(deviceID)
	}
	r.mu.Unlock()

	r.logger.Info("device disconnected", "device_id", deviceID, "child_id", childID)
}

// SendToDevice delivers one message to a device. Returns false when the
// device is not connected or the write fails; a failed socket is
// dropped from every index.
func (r *Registry) SendToDevice(deviceID string, message any) bool {
	r.mu.Lock()
	conn, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	if err := conn.WriteJSON(message); err != nil {
		r.removeDeviceLocked(deviceID)
		r.mu.Unlock()
		conn.Close()
		r.logger.Warn("send failed, dropping device", "device_id", deviceID, "error", err)
		return false
	}

	r.mu.Unlock()
	return true
}

// SendToChildDevices delivers one message to every connected device of
// a child and reports how many got it
func (r *Registry) SendToChildDevices(childID string, message any) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.childDevices[childID]))
	for id := range r.childDevices[childID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	count := 0
	for _, id := range ids {
		if r.SendToDevice(id, message) {
			count++
		}
	}
	return count
}

// ConnectParent registers one portal tab for a family. Multiple tabs
// per family are expected.
func (r *Registry) ConnectParent(familyID string, conn Conn) {
	r.mu.Lock()
	if r.parents[familyID] == nil {
		r.parents[familyID] = make(map[Conn]bool)
	}
	r.parents[familyID][conn] = true
	r.mu.Unlock()

	r.logger.Info("parent connected", "family_id", familyID)
}

// DisconnectParent removes one portal tab
func (r *Registry) DisconnectParent(familyID string, conn Conn) {
	r.mu.Lock()
	r.removeParentLocked(familyID, conn)
	r.mu.Unlock()
}

// NotifyParents fans one message out to every portal tab of a family
// and reports how many got it. Failing tabs are collected during the
// send pass and pruned in a second lock acquisition.
func (r *Registry) NotifyParents(familyID string, message any) int {
	r.mu.Lock()
	count := 0
	var failed []Conn
	for conn := range r.parents[familyID] {
		if err := conn.WriteJSON(message); err != nil {
			failed = append(failed, conn)
			continue
		}
		count++
	}
	r.mu.Unlock()

	if len(failed) > 0 {
		r.mu.Lock()
		for _, conn := range failed {
			r.removeParentLocked(familyID, conn)
		}
		r.mu.Unlock()

		for _, conn := range failed {
			conn.Close()
		}
		r.logger.Warn("dropped unreachable parent tabs", "family_id", familyID, "count", len(failed))
	}

	return count
}

// IsConnected reports whether a device has a live socket
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[deviceID]
	return ok
}

func (r *Registry) removeDeviceLocked(deviceID string) {
	childID := r.deviceChild[deviceID]
	delete(r.devices, deviceID)
	delete(r.deviceChild, deviceID)
	if set := r.childDevices[childID]; set != nil {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(r.childDevices, childID)
		}
	}
}

func (r *Registry) removeParentLocked(familyID string, conn Conn) {
	if set := r.parents[familyID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.parents, familyID)
		}
	}
}
