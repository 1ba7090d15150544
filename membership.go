package graphmesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Peer identifies one remote instance reachable over the sync transport.
type Peer struct {
	InstanceID string `json:"instance_id"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

// Addr returns the host:port address of the peer.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Directory is the membership collaborator: it answers which peers are
// currently reachable. Discovery, heartbeating, and leader bookkeeping
// live behind this interface.
type Directory interface {
	// ListActivePeers returns the peers to sync with, excluding this
	// instance.
	ListActivePeers(ctx context.Context) ([]Peer, error)
}

var _ Directory = (*StaticDirectory)(nil)

// StaticDirectory is a fixed peer set, seeded from configuration and
// mutable at runtime. It never lists the local instance.
type StaticDirectory struct {
	selfID string
	mu     sync.RWMutex
	peers  map[string]Peer
}

// NewStaticDirectory creates a directory for selfID seeded with peers.
// Entries matching selfID are dropped.
func NewStaticDirectory(selfID string, peers ...Peer) *StaticDirectory {
	d := &StaticDirectory{
		selfID: selfID,
		peers:  make(map[string]Peer, len(peers)),
	}
	for _, p := range peers {
		d.Add(p)
	}
	return d
}

// Add registers or replaces a peer. Adding the local instance is a no-op.
func (d *StaticDirectory) Add(p Peer) {
	if p.InstanceID == "" || p.InstanceID == d.selfID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[p.InstanceID] = p
}

// Remove drops a peer from the directory.
func (d *StaticDirectory) Remove(instanceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, instanceID)
}

// ListActivePeers returns all known peers ordered by instance id.
func (d *StaticDirectory) ListActivePeers(ctx context.Context) ([]Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}
