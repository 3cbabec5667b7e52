package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NodeMode selects which services an orchestrated node runs, mirroring the
// teacher's full-node/validator-node split (full_node.go, validator_node.go)
// collapsed into a single configurable type rather than parallel structs.
type NodeMode uint8

const (
	// ModeFull runs storage, state, P2P and sync but never produces blocks.
	ModeFull NodeMode = iota
	// ModeValidator additionally runs the block-production loop.
	ModeValidator
)

// maxTxsPerBlock bounds how many mempool transactions a produced block
// includes, independent of the sync manager's header/body batch sizes.
const maxTxsPerBlock = 500

// OrchestratorConfig aggregates every section needed to stand up a node.
type OrchestratorConfig struct {
	Mode        NodeMode
	GenesisFile string
	StoragePath string
	Node        NodeConfig
	Chain       ChainConfig
	Epoch       EpochConfig
	Scoring     ScoringConfig
	Rollup      RollupConfig
	Validator   *KeyPair // required when Mode == ModeValidator
	BlockTime   time.Duration
}

// Orchestrator wires storage, state, consensus, networking and sync into a
// running node, and optionally drives block production. Grounded on the
// teacher's FullNode/ValidatorNode composition (full_node.go,
// validator_node.go: ctx/cancel-guarded Start/Stop over a bundle of
// service handles), generalized to this chain's storage/state/PoS/rollup
// stack and the headers-first sync manager.
type Orchestrator struct {
	cfg OrchestratorConfig

	storage  *Storage
	state    *StateStore
	registry *ValidatorRegistry
	trust    *TrustStore
	indexer  *Indexer
	node     *Node
	sync     *SyncManager
	logger   *logrus.Logger

	mempool   []*Transaction
	mempoolMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator opens storage, loads or builds genesis, initializes state
// and the validator registry, and brings up the P2P node and sync manager.
// It does not start any background loop; call Start for that.
func NewOrchestrator(cfg OrchestratorConfig, logger *logrus.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	storage, err := OpenStorage(cfg.StoragePath, logger)
	if err != nil {
		return nil, err
	}

	registry := NewValidatorRegistry()
	var state *StateStore

	if genesisHash, err := storage.GenesisHash(); err == nil && !genesisHash.IsZero() {
		spec, err := LoadGenesisSpec(cfg.GenesisFile)
		if err != nil {
			storage.Close()
			return nil, err
		}
		cfg.Node.NetworkID = spec.NetworkID
		// Genesis allocations are not produced by transaction execution, so
		// height 0 is rebuilt directly from the spec rather than replayed.
		_, genesisState, err := BuildGenesis(spec, registry, cfg.Epoch)
		if err != nil {
			storage.Close()
			return nil, err
		}
		state = genesisState

		best, err := storage.BestHeight()
		if err != nil {
			storage.Close()
			return nil, err
		}
		if best > 0 {
			blocks, err := storage.GetBlocksInRange(1, best)
			if err != nil {
				storage.Close()
				return nil, err
			}
			for _, b := range blocks {
				if _, _, err := ExecuteBlock(b, state); err != nil {
					storage.Close()
					return nil, err
				}
			}
		}
		rebuildRegistryFromState(registry, state, cfg.Epoch)
	} else {
		spec, err := LoadGenesisSpec(cfg.GenesisFile)
		if err != nil {
			storage.Close()
			return nil, err
		}
		cfg.Node.NetworkID = spec.NetworkID
		genesisBlock, genesisState, err := BuildGenesis(spec, registry, cfg.Epoch)
		if err != nil {
			storage.Close()
			return nil, err
		}
		if err := storage.StoreBlock(genesisBlock); err != nil {
			storage.Close()
			return nil, err
		}
		state = genesisState
	}

	genesisHash, err := storage.GenesisHash()
	if err != nil {
		storage.Close()
		return nil, err
	}
	cfg.Node.GenesisHash = genesisHash

	indexer := NewIndexer()
	if err := indexer.Rebuild(storage); err != nil {
		storage.Close()
		return nil, err
	}

	node, err := NewNode(cfg.Node, storage.bestHeightOrZero, storage.bestHashOrZero, logger)
	if err != nil {
		storage.Close()
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		storage:  storage,
		state:    state,
		registry: registry,
		trust:    NewTrustStore(),
		indexer:  indexer,
		node:     node,
		logger:   logger,
	}

	onBlockSynced := func(block *Block) {
		o.indexer.IndexBlock(block)
		if err := o.processEpochBoundary(block); err != nil {
			o.logger.WithError(err).Warn("epoch boundary processing failed")
		}
	}
	o.sync = NewSyncManager(node, storage, state, cfg.Chain, onBlockSynced, logger)
	o.sync.RegisterHandlers(node)
	node.RegisterHandler(MsgNewTransaction, o.handleNewTransaction)
	node.RegisterHandler(MsgNewBlock, o.handleNewBlock)

	return o, nil
}

// Start launches sync and, for validator mode, block production.
func (o *Orchestrator) Start() {
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.sync.Start(o.ctx)
	if o.cfg.Mode == ModeValidator {
		o.wg.Add(1)
		go o.produceBlocks()
	}
}

// Stop gracefully tears down every background service and closes storage.
func (o *Orchestrator) Stop() error {
	if o.cancel != nil {
		o.cancel()
	}
	o.sync.Stop()
	o.wg.Wait()
	if err := o.node.Close(); err != nil {
		o.logger.WithError(err).Warn("node close failed")
	}
	return o.storage.Close()
}

// SubmitTransaction validates tx against current state, queues it in the
// local mempool, and gossips it to peers.
func (o *Orchestrator) SubmitTransaction(tx *Transaction) error {
	if err := ValidateTransaction(tx, o.state, o.cfg.Chain); err != nil {
		return err
	}
	o.mempoolMu.Lock()
	o.mempool = append(o.mempool, tx)
	o.mempoolMu.Unlock()
	return o.node.BroadcastTransaction(tx)
}

func (o *Orchestrator) handleNewTransaction(p *PeerState, frame Frame) error {
	var payload NewTransactionPayload
	if err := DecodePayload(frame.Payload, &payload); err != nil {
		return err
	}
	if err := ValidateTransaction(payload.Tx, o.state, o.cfg.Chain); err != nil {
		return nil
	}
	o.mempoolMu.Lock()
	o.mempool = append(o.mempool, payload.Tx)
	o.mempoolMu.Unlock()
	return nil
}

func (o *Orchestrator) handleNewBlock(p *PeerState, frame Frame) error {
	var payload NewBlockPayload
	if err := DecodePayload(frame.Payload, &payload); err != nil {
		return err
	}
	best, err := o.storage.BestHeight()
	if err != nil {
		return err
	}
	if payload.Block.Header.Height != best+1 {
		return nil
	}
	parent, err := o.storage.GetBlockByHeight(best)
	if err != nil {
		return err
	}
	expected, err := o.expectedValidator(payload.Block.Header.Height)
	if err != nil {
		return err
	}
	if err := ValidateBlock(payload.Block, parent, o.cfg.Chain, expected); err != nil {
		return err
	}
	if _, _, err := ExecuteBlock(payload.Block, o.state); err != nil {
		return err
	}
	if err := o.storage.StoreBlock(payload.Block); err != nil {
		return err
	}
	o.indexer.IndexBlock(payload.Block)
	o.registry.RecordBlock(BytesToAddress(payload.Block.Header.Validator[:]), payload.Block.Header.Height, payload.Block.Hash())
	return o.processEpochBoundary(payload.Block)
}

// produceBlocks runs the validator's slot-leader election and block
// assembly loop at the configured block cadence.
func (o *Orchestrator) produceBlocks() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.BlockTime)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if err := o.tryProduceBlock(); err != nil {
				o.logger.WithError(err).Debug("block production skipped")
			}
		}
	}
}

func (o *Orchestrator) tryProduceBlock() error {
	best, err := o.storage.BestHeight()
	if err != nil {
		return err
	}
	parent, err := o.storage.GetBlockByHeight(best)
	if err != nil {
		return err
	}
	nextHeight := best + 1
	leader, err := o.registry.SelectValidator(SlotSeed(nextHeight))
	if err != nil {
		return err
	}
	myAddress := AddressFromPublic(o.cfg.Validator.Public)
	if leader != myAddress {
		return nil
	}

	fingerprint := PublicKeyFingerprint(o.cfg.Validator.Public)
	txs := o.drainMempool(maxTxsPerBlock)

	var gasUsed uint64
	for _, tx := range txs {
		gasUsed += tx.IntrinsicGas()
	}
	header := Header{
		Version:      1,
		Height:       nextHeight,
		Timestamp:    uint64(time.Now().Unix()),
		PreviousHash: parent.Hash(),
		TxsRoot:      TxsRoot(txs),
		Validator:    fingerprint,
		GasUsed:      gasUsed,
		GasLimit:     o.cfg.Chain.BlockGasLimit,
	}
	block := &Block{Header: header, Transactions: txs}

	AssembleBlock(block, o.state)
	block.Header.Sign(o.cfg.Validator)

	if err := o.storage.StoreBlock(block); err != nil {
		return err
	}
	o.indexer.IndexBlock(block)
	o.registry.RecordBlock(myAddress, block.Header.Height, block.Hash())
	if err := o.processEpochBoundary(block); err != nil {
		o.logger.WithError(err).Warn("epoch boundary processing failed")
	}
	return o.node.BroadcastBlock(block)
}

func (o *Orchestrator) drainMempool(max int) []*Transaction {
	o.mempoolMu.Lock()
	defer o.mempoolMu.Unlock()
	if len(o.mempool) <= max {
		out := o.mempool
		o.mempool = nil
		return out
	}
	out := o.mempool[:max]
	o.mempool = o.mempool[max:]
	return out
}

// expectedValidator recomputes the slot leader for height, used to validate
// blocks received from peers.
func (o *Orchestrator) expectedValidator(height uint64) ([32]byte, error) {
	addr, err := o.registry.SelectValidator(SlotSeed(height))
	if err != nil {
		return [32]byte{}, err
	}
	v, ok := o.registry.Get(addr)
	if !ok {
		return [32]byte{}, NewError(KindInvalidValidator, "selected leader not registered")
	}
	return v.PublicKey, nil
}

// processEpochBoundary runs reward distribution, slashing and active-set
// recomputation whenever block closes out an epoch, per spec.md §4.5.
func (o *Orchestrator) processEpochBoundary(block *Block) error {
	if block.Header.Height == 0 || block.Header.Height%o.cfg.Epoch.EpochLength != 0 {
		return nil
	}
	ProcessEpoch(o.registry, o.state, o.cfg.Epoch)
	o.state.Commit()
	return nil
}

// ScoreSubnet aggregates a subnet epoch's raw validator scores into a
// consensus vector, updates trust, and produces a signed commitment ready
// for on-chain submission, per spec.md §4.6.
func (o *Orchestrator) ScoreSubnet(subnetUID string, epoch uint64, miners []Address, rawScores map[Address][]float64, weightMatrixHash Hash, aggregator *KeyPair) (*Commitment, error) {
	scorers := make([]Address, 0, len(rawScores))
	for addr := range rawScores {
		scorers = append(scorers, addr)
	}
	stake := StakeWeights(o.registry, scorers)
	result, err := AggregateScores(miners, rawScores, stake, o.trust, o.cfg.Scoring)
	if err != nil {
		return nil, err
	}
	best, err := o.storage.BestHeight()
	if err != nil {
		return nil, err
	}
	aggregatorAddr := AddressFromPublic(aggregator.Public)
	commitment := NewCommitment(subnetUID, epoch, result.ConsensusScores, rawScores, weightMatrixHash, uint64(time.Now().Unix()), aggregatorAddr, best, o.cfg.Rollup)
	commitment.Sign(aggregator)
	return commitment, nil
}

// SubmitFraudProof adjudicates a challenge against an outstanding
// commitment, slashing the aggregator or rejecting the challenge.
func (o *Orchestrator) SubmitFraudProof(commitment *Commitment, proof *FraudProof) error {
	weights := StakeWeights(o.registry, o.registry.ActiveSet())
	return SubmitFraudProof(commitment, proof, weights, o.cfg.Scoring, o.cfg.Rollup, o.state, o.registry)
}

// rebuildRegistryFromState repopulates the validator registry from
// persisted validator metadata and stake after a restart.
func rebuildRegistryFromState(registry *ValidatorRegistry, state *StateStore, cfg EpochConfig) {
	for addr, meta := range state.AllValidatorMeta() {
		if !meta.Active {
			continue
		}
		registry.AddValidator(addr, meta.PublicKey, state.GetStake(addr))
	}
	registry.RecomputeActiveSet(cfg)
}
