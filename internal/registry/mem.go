// Package registry provides two termstream.TerminalRegistry
// implementations: MemRegistry, an in-process fake for tests and local
// demos, and the NATS-backed Registry in nats.go that relays output from
// the external host process that actually owns PTYs.
package registry

import (
	"sync"
	"time"

	"termbroker/pkg/termstream"
)

type memAttachHandle struct {
	snapshot string
	hasData  bool
}

func (h memAttachHandle) BufferSnapshot() (string, bool) { return h.snapshot, h.hasData }

// MemRegistry is an in-memory TerminalRegistry: Spawn synthesizes a
// terminal.created event and Feed/Exit inject raw output and exit events
// directly, without any transport. The broker tests in pkg/termstream use
// their own fake registry, and cmd/termbroker wires the NATS Registry.
type MemRegistry struct {
	mu        sync.Mutex
	events    chan termstream.RegistryEvent
	snapshots map[string]string
}

// NewMemRegistry constructs a MemRegistry with the given event channel
// capacity.
func NewMemRegistry(eventBuffer int) *MemRegistry {
	return &MemRegistry{
		events:    make(chan termstream.RegistryEvent, eventBuffer),
		snapshots: make(map[string]string),
	}
}

func (r *MemRegistry) Events() <-chan termstream.RegistryEvent {
	return r.events
}

// Spawn returns the terminal.created fields a caller should forward to
// Broker.SendCreatedAndAttach. It records no state for terminalID.
func (r *MemRegistry) Spawn(terminalID, requestID string) termstream.CreatedMessage {
	return termstream.CreatedMessage{
		RequestID:  requestID,
		TerminalID: terminalID,
		CreatedAt:  time.Now().Unix(),
	}
}

// Feed injects a raw output chunk for terminalID, as if the external host
// process had produced it.
func (r *MemRegistry) Feed(terminalID, data string) {
	r.mu.Lock()
	r.snapshots[terminalID] += data
	r.mu.Unlock()
	r.events <- termstream.RegistryEvent{Kind: termstream.EventOutputRaw, TerminalID: terminalID, Data: data}
}

// Exit injects a terminal-exit event for terminalID.
func (r *MemRegistry) Exit(terminalID string) {
	r.mu.Lock()
	delete(r.snapshots, terminalID)
	r.mu.Unlock()
	r.events <- termstream.RegistryEvent{Kind: termstream.EventExit, TerminalID: terminalID}
}

func (r *MemRegistry) Attach(terminalID string, conn termstream.ClientConnection, opts termstream.AttachOptions) (termstream.AttachHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[terminalID]
	return memAttachHandle{snapshot: snap, hasData: ok && snap != ""}, true
}

func (r *MemRegistry) Detach(terminalID string, conn termstream.ClientConnection) bool {
	return true
}

// Close shuts down the event channel. Safe to call once.
func (r *MemRegistry) Close() {
	close(r.events)
}
