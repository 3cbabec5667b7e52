package core

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

const (
	headerBatchSize = 192
	bodyBatchSize   = 128
	headerTimeout   = 30 * time.Second
	bodyTimeout     = 60 * time.Second
)

// SyncStatus reports headers-first sync progress for CLI/RPC use.
type SyncStatus struct {
	Active        bool
	CurrentHeight uint64
	TargetHeight  uint64
}

// OnBlockSynced is invoked once per block as it is validated, executed, and
// persisted during a sync round.
type OnBlockSynced func(block *Block)

// SyncManager drives headers-first-then-bodies synchronization against the
// best-known peer, validating and applying blocks in height order. Grounded
// on the teacher's SyncManager (blockchain_synchronization.go: start/stop/
// loop/status shape), generalized from the teacher's Replicator.Synchronize
// call to this chain's peer/storage/state primitives, and extended with a
// bounded header cache per SPEC_FULL.md.
type SyncManager struct {
	node    *Node
	storage *Storage
	state   *StateStore
	cfg     ChainConfig
	onBlock OnBlockSynced
	logger  *logrus.Logger

	headerCache *lru.Cache[Hash, *Header]

	respMu   sync.Mutex
	headerCh map[peer.ID]chan HeadersPayload
	blockCh  map[peer.ID]chan BlocksPayload

	mu     sync.RWMutex
	status SyncStatus
	quit   chan struct{}
}

// NewSyncManager wires the synchronizer with its dependencies.
func NewSyncManager(node *Node, storage *Storage, state *StateStore, cfg ChainConfig, onBlock OnBlockSynced, logger *logrus.Logger) *SyncManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cache, _ := lru.New[Hash, *Header](4096)
	return &SyncManager{
		node:        node,
		storage:     storage,
		state:       state,
		cfg:         cfg,
		onBlock:     onBlock,
		logger:      logger,
		headerCache: cache,
		headerCh:    make(map[peer.ID]chan HeadersPayload),
		blockCh:     make(map[peer.ID]chan BlocksPayload),
	}
}

// RegisterHandlers wires the sync manager's response handlers into the
// node's dispatch table. The orchestrator calls this once after creating
// both the node and the sync manager.
func (m *SyncManager) RegisterHandlers(n *Node) {
	n.RegisterHandler(MsgHeaders, m.handleHeadersFrame)
	n.RegisterHandler(MsgBlocks, m.handleBlocksFrame)
	n.RegisterHandler(MsgNewBlockHashes, m.handleNewBlockHashesFrame)
	n.RegisterHandler(MsgGetHeaders, m.handleGetHeaders)
	n.RegisterHandler(MsgGetBlocks, m.handleGetBlocks)
}

// handleGetHeaders serves a GET_HEADERS request from storage.
func (m *SyncManager) handleGetHeaders(p *PeerState, frame Frame) error {
	var req GetHeadersPayload
	if err := DecodePayload(frame.Payload, &req); err != nil {
		return err
	}
	best, err := m.storage.BestHeight()
	if err != nil {
		return err
	}
	headers := make([]*Header, 0, req.Count)
	for h := req.FromHeight; h < req.FromHeight+uint64(req.Count) && h <= best; h++ {
		block, err := m.storage.GetBlockByHeight(h)
		if err != nil {
			break
		}
		headers = append(headers, &block.Header)
	}
	payload, err := EncodePayload(HeadersPayload{Headers: headers})
	if err != nil {
		return err
	}
	return m.node.Send(p, Frame{Type: MsgHeaders, Payload: payload})
}

// handleGetBlocks serves a GET_BLOCKS request from storage.
func (m *SyncManager) handleGetBlocks(p *PeerState, frame Frame) error {
	var req GetBlocksPayload
	if err := DecodePayload(frame.Payload, &req); err != nil {
		return err
	}
	blocks := make([]*Block, 0, len(req.Hashes))
	for _, hash := range req.Hashes {
		block, err := m.storage.GetBlock(hash)
		if err != nil {
			continue
		}
		blocks = append(blocks, block)
	}
	payload, err := EncodePayload(BlocksPayload{Blocks: blocks})
	if err != nil {
		return err
	}
	return m.node.Send(p, Frame{Type: MsgBlocks, Payload: payload})
}

func (m *SyncManager) handleHeadersFrame(p *PeerState, frame Frame) error {
	var payload HeadersPayload
	if err := DecodePayload(frame.Payload, &payload); err != nil {
		return err
	}
	m.respMu.Lock()
	ch, ok := m.headerCh[p.ID]
	m.respMu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *SyncManager) handleBlocksFrame(p *PeerState, frame Frame) error {
	var payload BlocksPayload
	if err := DecodePayload(frame.Payload, &payload); err != nil {
		return err
	}
	m.respMu.Lock()
	ch, ok := m.blockCh[p.ID]
	m.respMu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *SyncManager) handleNewBlockHashesFrame(p *PeerState, frame Frame) error {
	var payload NewBlockHashesPayload
	if err := DecodePayload(frame.Payload, &payload); err != nil {
		return err
	}
	return m.OnNewBlockHashes(p, payload.Hashes)
}

// Start launches the background sync loop.
func (m *SyncManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.Active {
		m.mu.Unlock()
		return
	}
	m.status.Active = true
	m.quit = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
	m.logger.Info("sync manager started")
}

// Stop terminates the background sync loop.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	if !m.status.Active {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.status.Active = false
	m.mu.Unlock()
	m.logger.Info("sync manager stopped")
}

func (m *SyncManager) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		default:
		}
		if err := m.SyncOnce(ctx); err != nil {
			m.logger.WithError(err).Warn("sync round failed")
			time.Sleep(time.Second)
		}
	}
}

// SyncOnce performs one headers-first-then-bodies round against the current
// best peer, per spec.md §4.10. Returns nil immediately if already caught
// up or if no peer is available.
func (m *SyncManager) SyncOnce(ctx context.Context) error {
	best, ok := m.node.peers.Best()
	if !ok {
		return nil
	}
	current, err := m.storage.BestHeight()
	if err != nil {
		current = 0
	}
	if best.Hello == nil || best.Hello.BestHeight <= current {
		return nil
	}

	m.mu.Lock()
	m.status.CurrentHeight = current
	m.status.TargetHeight = best.Hello.BestHeight
	m.mu.Unlock()

	for from := current + 1; from <= best.Hello.BestHeight; {
		count := uint32(headerBatchSize)
		if remaining := best.Hello.BestHeight - from + 1; remaining < uint64(count) {
			count = uint32(remaining)
		}
		headers, err := m.requestHeaders(best, from, count)
		if err != nil {
			return err
		}
		if len(headers) == 0 {
			break
		}
		for _, h := range headers {
			hash := h.Hash()
			m.headerCache.Add(hash, h)
		}

		for batchStart := 0; batchStart < len(headers); batchStart += bodyBatchSize {
			end := batchStart + bodyBatchSize
			if end > len(headers) {
				end = len(headers)
			}
			hashes := make([]Hash, 0, end-batchStart)
			for _, h := range headers[batchStart:end] {
				hashes = append(hashes, h.Hash())
			}
			blocks, err := m.requestBlocks(best, hashes)
			if err != nil {
				return err
			}
			for _, b := range blocks {
				if err := m.applyBlock(b); err != nil {
					return err
				}
				m.mu.Lock()
				m.status.CurrentHeight = b.Header.Height
				m.mu.Unlock()
				if m.onBlock != nil {
					m.onBlock(b)
				}
			}
		}
		from += uint64(len(headers))
	}
	return nil
}

func (m *SyncManager) requestHeaders(p *PeerState, from uint64, count uint32) ([]*Header, error) {
	payload, err := EncodePayload(GetHeadersPayload{FromHeight: from, Count: count})
	if err != nil {
		return nil, err
	}
	ch := make(chan HeadersPayload, 1)
	m.respMu.Lock()
	m.headerCh[p.ID] = ch
	m.respMu.Unlock()
	defer func() {
		m.respMu.Lock()
		delete(m.headerCh, p.ID)
		m.respMu.Unlock()
	}()

	if err := m.node.Send(p, Frame{Type: MsgGetHeaders, Payload: payload}); err != nil {
		return nil, WrapError(KindPeerTimeout, "send GET_HEADERS", err)
	}
	select {
	case resp := <-ch:
		return resp.Headers, nil
	case <-time.After(headerTimeout):
		return nil, NewError(KindPeerTimeout, "GET_HEADERS timed out")
	}
}

func (m *SyncManager) requestBlocks(p *PeerState, hashes []Hash) ([]*Block, error) {
	payload, err := EncodePayload(GetBlocksPayload{Hashes: hashes})
	if err != nil {
		return nil, err
	}
	ch := make(chan BlocksPayload, 1)
	m.respMu.Lock()
	m.blockCh[p.ID] = ch
	m.respMu.Unlock()
	defer func() {
		m.respMu.Lock()
		delete(m.blockCh, p.ID)
		m.respMu.Unlock()
	}()

	if err := m.node.Send(p, Frame{Type: MsgGetBlocks, Payload: payload}); err != nil {
		return nil, WrapError(KindPeerTimeout, "send GET_BLOCKS", err)
	}
	select {
	case resp := <-ch:
		return resp.Blocks, nil
	case <-time.After(bodyTimeout):
		return nil, NewError(KindPeerTimeout, "GET_BLOCKS timed out")
	}
}

// applyBlock validates, executes, and persists one synced block in order.
func (m *SyncManager) applyBlock(block *Block) error {
	var parent *Block
	if block.Header.Height > 0 {
		p, err := m.storage.GetBlockByHeight(block.Header.Height - 1)
		if err != nil {
			return err
		}
		parent = p
	}
	if err := ValidateBlock(block, parent, m.cfg, block.Header.Validator); err != nil {
		return err
	}
	if _, _, err := ExecuteBlock(block, m.state); err != nil {
		return err
	}
	return m.storage.StoreBlock(block)
}

// OnNewBlockHashes triggers a targeted GET_BLOCKS fetch for hashes not
// already known locally, in response to a peer's NEW_BLOCK_HASHES
// announcement.
func (m *SyncManager) OnNewBlockHashes(p *PeerState, hashes []Hash) error {
	missing := make([]Hash, 0, len(hashes))
	for _, h := range hashes {
		if !m.storage.BlockExists(h) {
			missing = append(missing, h)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	_, err := m.requestBlocks(p, missing)
	return err
}

// Status returns the current sync progress snapshot.
func (m *SyncManager) Status() SyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
