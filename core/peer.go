package core

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// WireProtocolID is the custom libp2p stream protocol the chain's
// length-prefixed frame format (core/wire.go) rides on.
const WireProtocolID = "/aichain/wire/1.0.0"

const (
	handshakeTimeout    = 10 * time.Second
	pingInterval        = 30 * time.Second
	peerTimeout         = 120 * time.Second
	discoveryInterval   = 60 * time.Second
	defaultMaxPeers     = 50
)

// PeerState tracks one connected remote node: its libp2p stream, the HELLO
// it announced, and liveness bookkeeping. Grounded on the teacher's Peer
// struct (common_structs.go), extended with the chain-specific handshake
// fields and the open stream the wire protocol reads/writes over.
type PeerState struct {
	ID         peer.ID
	Addr       string
	Stream     network.Stream
	Hello      *HelloPayload
	LastSeen   time.Time
	Outbound   bool

	mu sync.Mutex
}

// Touch records activity from the peer, resetting its liveness timer.
func (p *PeerState) Touch() {
	p.mu.Lock()
	p.LastSeen = time.Now()
	p.mu.Unlock()
}

// Stale reports whether the peer has been silent longer than peerTimeout.
func (p *PeerState) Stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.LastSeen) > peerTimeout
}

// PeerSet is the concurrency-safe table of currently connected peers, capped
// at maxPeers and at most one connection per address.
type PeerSet struct {
	mu       sync.RWMutex
	byID     map[peer.ID]*PeerState
	byAddr   map[string]peer.ID
	maxPeers int
}

// NewPeerSet returns an empty peer set capped at maxPeers (0 selects
// defaultMaxPeers).
func NewPeerSet(maxPeers int) *PeerSet {
	if maxPeers <= 0 {
		maxPeers = defaultMaxPeers
	}
	return &PeerSet{
		byID:     make(map[peer.ID]*PeerState),
		byAddr:   make(map[string]peer.ID),
		maxPeers: maxPeers,
	}
}

// TryAdd registers p if capacity and address-uniqueness allow it.
func (s *PeerSet) TryAdd(p *PeerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byID) >= s.maxPeers {
		return NewError(KindMaxPeersReached, "peer set at capacity")
	}
	if _, exists := s.byAddr[p.Addr]; exists {
		return NewError(KindPeerHandshakeFailed, "already connected to this address")
	}
	s.byID[p.ID] = p
	s.byAddr[p.Addr] = p.ID
	return nil
}

// Remove evicts a peer by ID.
func (s *PeerSet) Remove(id peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[id]; ok {
		delete(s.byAddr, p.Addr)
		delete(s.byID, id)
	}
}

// Get returns the peer state for id, if connected.
func (s *PeerSet) Get(id peer.ID) (*PeerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// All returns a snapshot of every connected peer.
func (s *PeerSet) All() []*PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PeerState, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, p)
	}
	return out
}

// Len returns the current peer count.
func (s *PeerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Best returns the peer with the greatest announced best height, used by
// the sync manager to pick a download source.
func (s *PeerSet) Best() (*PeerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *PeerState
	for _, p := range s.byID {
		if p.Hello == nil {
			continue
		}
		if best == nil || p.Hello.BestHeight > best.Hello.BestHeight {
			best = p
		}
	}
	return best, best != nil
}
