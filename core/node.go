package core

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

// NodeConfig parameterizes a P2P node, per spec.md §4.9.
type NodeConfig struct {
	ListenAddr     string
	NetworkID      string
	GenesisHash    Hash
	NodeID         [32]byte
	BootstrapPeers []string
	DiscoveryTag   string
	MaxPeers       int
	MaxMessageSize uint32
}

// Handler processes one decoded inbound frame from a peer.
type Handler func(p *PeerState, frame Frame) error

// blockTopic is the pubsub topic new blocks are gossiped on; transactions
// use txTopic. Both are joined when the node is created.
const (
	blockTopic = "aichain/blocks/1"
	txTopic    = "aichain/txs/1"
)

// Node is the chain's P2P node: a libp2p host running the custom wire
// protocol over direct streams for handshake/sync traffic, plus gossipsub
// for block/transaction propagation and mDNS for local discovery. Grounded
// on the teacher's NewNode/network.go (libp2p host + pubsub + mDNS
// bootstrap) and peer_management.go's per-protocol stream helpers,
// generalized to the chain's HELLO handshake and message dispatch table.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	blocks *pubsub.Topic
	txs    *pubsub.Topic

	peers *PeerSet
	cfg   NodeConfig

	// sessionID identifies this running process instance in logs, distinct
	// from the libp2p peer ID, which survives across key reuse.
	sessionID string

	handlers map[MessageType]Handler
	logger   *logrus.Logger

	bestHeight func() uint64
	bestHash   func() Hash

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates and bootstraps a P2P node: opens a libp2p host, joins the
// block/transaction gossip topics, registers the wire-protocol stream
// handler, starts mDNS discovery, and dials any configured bootstrap peers.
func NewNode(cfg NodeConfig, bestHeight func() uint64, bestHash func() Hash, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("node: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("node: create pubsub: %w", err)
	}

	blocksTopic, err := ps.Join(blockTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("node: join block topic: %w", err)
	}
	txsTopic, err := ps.Join(txTopic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("node: join tx topic: %w", err)
	}

	n := &Node{
		host:       h,
		pubsub:     ps,
		blocks:     blocksTopic,
		txs:        txsTopic,
		peers:      NewPeerSet(cfg.MaxPeers),
		cfg:        cfg,
		sessionID:  uuid.NewString(),
		handlers:   make(map[MessageType]Handler),
		logger:     logger,
		bestHeight: bestHeight,
		bestHash:   bestHash,
		ctx:        ctx,
		cancel:     cancel,
	}
	logger.WithFields(logrus.Fields{"session_id": n.sessionID, "peer_id": h.ID().String()}).Info("node session started")

	h.SetStreamHandler(WireProtocolID, n.handleInboundStream)

	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	}

	for _, addr := range cfg.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			logger.WithError(err).Warn("bootstrap address malformed, skipping")
			continue
		}
		if err := n.Dial(addr); err != nil {
			logger.WithError(err).Warn("bootstrap dial failed")
		}
	}

	n.wg.Add(1)
	go n.maintenanceLoop()

	return n, nil
}

// RegisterHandler wires a handler for msgType, overwriting any previous
// registration.
func (n *Node) RegisterHandler(msgType MessageType, h Handler) {
	n.handlers[msgType] = h
}

// HandlePeerFound implements mdns.Notifee: dial newly discovered peers.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if _, ok := n.peers.Get(info.ID); ok {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.WithError(err).Debug("mdns connect failed")
		return
	}
	addr := info.String()
	if err := n.openOutboundStream(info.ID, addr); err != nil {
		n.logger.WithError(err).Debug("mdns handshake failed")
	}
}

// Dial connects to addr (a libp2p multiaddr string) and performs the
// outbound handshake.
func (n *Node) Dial(addr string) error {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("node: invalid address %s: %w", addr, err)
	}
	if err := n.host.Connect(n.ctx, *info); err != nil {
		return fmt.Errorf("node: connect %s: %w", addr, err)
	}
	return n.openOutboundStream(info.ID, addr)
}

func (n *Node) openOutboundStream(id peer.ID, addr string) error {
	ctx, cancel := context.WithTimeout(n.ctx, handshakeTimeout)
	defer cancel()
	stream, err := n.host.NewStream(ctx, id, WireProtocolID)
	if err != nil {
		return fmt.Errorf("node: open stream: %w", err)
	}
	p := &PeerState{ID: id, Addr: addr, Stream: stream, Outbound: true, LastSeen: time.Now()}
	if err := n.performHandshake(p); err != nil {
		stream.Close()
		return err
	}
	if err := n.peers.TryAdd(p); err != nil {
		stream.Close()
		return err
	}
	n.wg.Add(1)
	go n.readLoop(p)
	return nil
}

func (n *Node) handleInboundStream(stream network.Stream) {
	id := stream.Conn().RemotePeer()
	p := &PeerState{ID: id, Addr: stream.Conn().RemoteMultiaddr().String(), Stream: stream, Outbound: false, LastSeen: time.Now()}
	if err := n.performHandshake(p); err != nil {
		n.logger.WithError(err).Debug("inbound handshake failed")
		stream.Close()
		return
	}
	if err := n.peers.TryAdd(p); err != nil {
		n.logger.WithError(err).Debug("inbound peer rejected")
		stream.Close()
		return
	}
	n.wg.Add(1)
	go n.readLoop(p)
}

// performHandshake exchanges HELLO frames and validates network_id and
// genesis_hash, per spec.md §4.9 step 1.
func (n *Node) performHandshake(p *PeerState) error {
	hello := HelloPayload{
		ProtocolVersion: 1,
		NetworkID:       n.cfg.NetworkID,
		GenesisHash:     n.cfg.GenesisHash,
		BestHeight:      n.bestHeight(),
		BestHash:        n.bestHash(),
		NodeID:          n.cfg.NodeID,
	}
	payload, err := EncodePayload(hello)
	if err != nil {
		return err
	}
	if err := WriteFrame(p.Stream, Frame{Type: MsgHello, Payload: payload}); err != nil {
		return err
	}

	_ = p.Stream.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(p.Stream)
	frame, err := ReadFrame(reader, n.maxMessageSize())
	if err != nil {
		return WrapError(KindPeerHandshakeFailed, "read peer HELLO", err)
	}
	if frame.Type != MsgHello {
		return NewError(KindPeerHandshakeFailed, "expected HELLO frame")
	}
	var peerHello HelloPayload
	if err := DecodePayload(frame.Payload, &peerHello); err != nil {
		return err
	}
	if peerHello.NetworkID != n.cfg.NetworkID {
		return NewError(KindWrongNetwork, "peer network_id mismatch")
	}
	if peerHello.GenesisHash != n.cfg.GenesisHash {
		return NewError(KindGenesisMismatch, "peer genesis_hash mismatch")
	}
	p.Hello = &peerHello
	return nil
}

func (n *Node) maxMessageSize() uint32 {
	if n.cfg.MaxMessageSize == 0 {
		return DefaultMaxMessageSize
	}
	return n.cfg.MaxMessageSize
}

// readLoop dispatches every subsequent frame from p to its registered
// handler until the stream closes or an invalid frame forces a disconnect.
func (n *Node) readLoop(p *PeerState) {
	defer n.wg.Done()
	defer n.disconnect(p, "")
	reader := bufio.NewReader(p.Stream)
	for {
		_ = p.Stream.SetReadDeadline(time.Now().Add(peerTimeout))
		frame, err := ReadFrame(reader, n.maxMessageSize())
		if err != nil {
			n.logger.WithError(err).Debug("frame read failed, disconnecting peer")
			return
		}
		p.Touch()
		if frame.Type == MsgDisconnect {
			return
		}
		h, ok := n.handlers[frame.Type]
		if !ok {
			n.logger.WithField("type", frame.Type).Debug("no handler for message type")
			continue
		}
		if err := h(p, frame); err != nil {
			n.logger.WithError(err).WithField("type", frame.Type).Debug("handler error")
		}
	}
}

func (n *Node) disconnect(p *PeerState, reason string) {
	n.peers.Remove(p.ID)
	_ = p.Stream.Close()
	if reason != "" {
		n.logger.WithField("peer", p.ID.String()).WithField("reason", reason).Info("peer disconnected")
	}
}

// Send writes frame directly to p over its open stream.
func (n *Node) Send(p *PeerState, frame Frame) error {
	return WriteFrame(p.Stream, frame)
}

// BroadcastTransaction gossips tx to every subscriber of the transaction
// topic.
func (n *Node) BroadcastTransaction(tx *Transaction) error {
	payload, err := EncodePayload(NewTransactionPayload{Tx: tx})
	if err != nil {
		return err
	}
	return n.txs.Publish(n.ctx, payload)
}

// BroadcastBlock gossips block to every subscriber of the block topic.
func (n *Node) BroadcastBlock(block *Block) error {
	payload, err := EncodePayload(NewBlockPayload{Block: block})
	if err != nil {
		return err
	}
	return n.blocks.Publish(n.ctx, payload)
}

// SubscribeBlocks returns a channel of gossiped blocks decoded from the
// block topic.
func (n *Node) SubscribeBlocks() (<-chan *Block, error) {
	sub, err := n.blocks.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("node: subscribe blocks: %w", err)
	}
	out := make(chan *Block)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			var payload NewBlockPayload
			if err := DecodePayload(msg.Data, &payload); err != nil {
				continue
			}
			out <- payload.Block
		}
	}()
	return out, nil
}

// Peers returns the current connection set.
func (n *Node) Peers() []*PeerState { return n.peers.All() }

// maintenanceLoop runs the periodic PING/PONG liveness check and GET_PEERS
// discovery exchange, per spec.md §4.9 step 3.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	pingTicker := time.NewTicker(pingInterval)
	discoveryTicker := time.NewTicker(discoveryInterval)
	defer pingTicker.Stop()
	defer discoveryTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-pingTicker.C:
			for _, p := range n.peers.All() {
				if p.Stale() {
					n.disconnect(p, "timeout")
					continue
				}
				payload, _ := EncodePayload(struct{}{})
				_ = n.Send(p, Frame{Type: MsgPing, Payload: payload})
			}
		case <-discoveryTicker.C:
			for _, p := range n.peers.All() {
				payload, _ := EncodePayload(struct{}{})
				_ = n.Send(p, Frame{Type: MsgGetPeers, Payload: payload})
			}
		}
	}
}

// Close tears down the host and every background goroutine.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()
	return n.host.Close()
}
