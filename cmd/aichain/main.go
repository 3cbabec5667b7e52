package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aichain-network/aichain-core/core"
	"github.com/aichain-network/aichain-core/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "aichain"}
	root.AddCommand(nodeCmd())
	root.AddCommand(bootstrapCmd())
	root.AddCommand(genesisCmd())
	root.AddCommand(faucetCmd())
	root.AddCommand(configCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadNodeConfig() (*config.Config, error) {
	return config.Load(viperEnv())
}

func viperEnv() string {
	if v := os.Getenv("AICHAIN_ENV"); v != "" {
		return v
	}
	return ""
}

// nodeCmd starts a full or validator node, per spec.md §6.
func nodeCmd() *cobra.Command {
	var validatorMode bool
	var keyFile string

	cmd := &cobra.Command{
		Use:   "node",
		Short: "run a full or validator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			logger := logrus.StandardLogger()
			if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				logger.SetLevel(lv)
			}

			ocfg, err := buildOrchestratorConfig(cfg)
			if err != nil {
				return err
			}
			if validatorMode {
				kp, err := loadValidatorKey(keyFile)
				if err != nil {
					return err
				}
				ocfg.Mode = core.ModeValidator
				ocfg.Validator = kp
			}

			orch, err := core.NewOrchestrator(ocfg, logger)
			if err != nil {
				return err
			}
			orch.Start()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return orch.Stop()
		},
	}
	cmd.Flags().BoolVar(&validatorMode, "validator", false, "run as a block-producing validator")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "path to the validator's secp256k1 secret (hex)")
	return cmd
}

// bootstrapCmd runs a node for other peers to bootstrap from. It starts the
// same full orchestrator as nodeCmd, including chain state and sync.
func bootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "run a full node for peers to bootstrap from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			logger := logrus.StandardLogger()
			ocfg, err := buildOrchestratorConfig(cfg)
			if err != nil {
				return err
			}
			ocfg.Mode = core.ModeFull
			orch, err := core.NewOrchestrator(ocfg, logger)
			if err != nil {
				return err
			}
			orch.Start()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return orch.Stop()
		},
	}
}

// genesisCmd generates a new genesis spec file with a fresh validator set.
func genesisCmd() *cobra.Command {
	var networkID string
	var out string
	var validatorCount int
	var initialBalance string
	var initialStake string

	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "generate a new genesis spec with freshly minted validator keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := core.GenesisSpec{
				NetworkID: networkID,
				Timestamp: uint64(time.Now().Unix()),
				GasLimit:  30_000_000,
			}
			for i := 0; i < validatorCount; i++ {
				kp, err := core.KeypairGenerate()
				if err != nil {
					return err
				}
				addr := core.AddressFromPublic(kp.Public)
				fp := core.PublicKeyFingerprint(kp.Public)
				spec.Allocations = append(spec.Allocations, core.GenesisAllocation{
					Address:   addr,
					Balance:   initialBalance,
					Stake:     initialStake,
					PublicKey: &fp,
				})
				fmt.Printf("validator %d: address=%s secret=%s\n", i, addr.Hex(), hex.EncodeToString(kp.Secret.Serialize()))
			}
			data, err := json.MarshalIndent(spec, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(out, data, 0600)
		},
	}
	cmd.Flags().StringVar(&networkID, "network-id", "aichain-devnet", "network identifier embedded in the genesis spec")
	cmd.Flags().StringVar(&out, "out", "genesis.json", "output path for the generated genesis spec")
	cmd.Flags().IntVar(&validatorCount, "validators", 4, "number of validator keys to mint")
	cmd.Flags().StringVar(&initialBalance, "balance", "1000000000000000000000", "starting balance per validator, in base units")
	cmd.Flags().StringVar(&initialStake, "stake", "100000000000000000000", "starting bonded stake per validator, in base units")
	return cmd
}

// faucetCmd signs and submits a transfer from a funded account to a target
// address, for devnet/testnet bring-up.
func faucetCmd() *cobra.Command {
	var keyFile string
	var to string
	var amount string
	var nodeAddr string

	cmd := &cobra.Command{
		Use:   "faucet",
		Short: "send funds from a faucet key to an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := loadValidatorKey(keyFile)
			if err != nil {
				return err
			}
			toAddr, err := parseAddress(to)
			if err != nil {
				return err
			}
			_ = nodeAddr // a deployed faucet would submit over an RPC client to nodeAddr
			fmt.Printf("would transfer %s to %s from %s (RPC submission is outside this spec's scope)\n", amount, toAddr.Hex(), core.AddressFromPublic(kp.Public).Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", "", "path to the faucet's secp256k1 secret (hex)")
	cmd.Flags().StringVar(&to, "to", "", "recipient address (hex)")
	cmd.Flags().StringVar(&amount, "amount", "0", "amount to transfer, in base units")
	cmd.Flags().StringVar(&nodeAddr, "node", "127.0.0.1:30303", "node address to submit the transaction to")
	return cmd
}

// configCmd prints the fully resolved configuration (defaults, environment
// merge, and env-var overrides all applied) as YAML, for operators
// diagnosing what a node is actually about to run with.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "print the resolved node configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func loadValidatorKey(path string) (*core.KeyPair, error) {
	if path == "" {
		return nil, fmt.Errorf("cmd: --key-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(string(trimNewline(data)))
	if err != nil {
		return nil, fmt.Errorf("cmd: decode key file: %w", err)
	}
	return core.KeypairFromSecret(secret)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func parseAddress(s string) (core.Address, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return core.Address{}, err
	}
	return core.BytesToAddress(raw), nil
}

func parseDecimalAmount(s string) (*uint256.Int, error) {
	amount := new(uint256.Int)
	if err := amount.SetFromDecimal(s); err != nil {
		return nil, fmt.Errorf("cmd: parse amount %q: %w", s, err)
	}
	return amount, nil
}

func buildOrchestratorConfig(cfg *config.Config) (core.OrchestratorConfig, error) {
	minStake, err := parseDecimalAmount(cfg.Consensus.MinStake)
	if err != nil {
		return core.OrchestratorConfig{}, err
	}
	baseReward, err := parseDecimalAmount(cfg.Consensus.BaseReward)
	if err != nil {
		return core.OrchestratorConfig{}, err
	}
	slashAmount, err := parseDecimalAmount(cfg.Rollup.SlashAmount)
	if err != nil {
		return core.OrchestratorConfig{}, err
	}
	fraudProofReward, err := parseDecimalAmount(cfg.Rollup.FraudProofReward)
	if err != nil {
		return core.OrchestratorConfig{}, err
	}

	return core.OrchestratorConfig{
		Mode:        core.ModeFull,
		GenesisFile: cfg.Network.GenesisFile,
		StoragePath: cfg.Storage.DBPath,
		Node: core.NodeConfig{
			ListenAddr:     cfg.Network.ListenAddr,
			NetworkID:      cfg.Network.ID,
			BootstrapPeers: cfg.Network.BootstrapPeers,
			DiscoveryTag:   cfg.Network.DiscoveryTag,
			MaxPeers:       cfg.Network.MaxPeers,
			MaxMessageSize: uint32(cfg.Network.MaxMessageSize),
		},
		Chain: core.ChainConfig{
			MaxClockSkew:  time.Duration(cfg.Consensus.MaxClockSkewSecs) * time.Second,
			BlockGasLimit: cfg.Consensus.BlockGasLimit,
			MinGasPrice:   cfg.Consensus.MinGasPrice,
		},
		Epoch: core.EpochConfig{
			EpochLength:     cfg.Consensus.EpochLength,
			ValidatorCount:  cfg.Consensus.ValidatorCount,
			MinStake:        minStake,
			SlashRate:       cfg.Consensus.SlashRate,
			DoubleSignRate:  cfg.Consensus.DoubleSignRate,
			MaxMissedBlocks: cfg.Consensus.MaxMissedBlocks,
			BaseReward:      baseReward,
		},
		Scoring: core.ScoringConfig{
			Dampening:        cfg.Scoring.Dampening,
			MinTrust:         cfg.Scoring.MinTrust,
			OutlierThreshold: cfg.Scoring.OutlierThreshold,
			BondingExponent:  cfg.Scoring.BondingExponent,
			TrustUpdateRate:  cfg.Scoring.TrustUpdateRate,
			TrustDecayRate:   cfg.Scoring.TrustDecayRate,
			MinValidators:    cfg.Scoring.MinValidators,
			UseWeightedMean:  cfg.Scoring.UseWeightedMean,
		},
		Rollup: core.RollupConfig{
			ChallengePeriodBlocks: cfg.Rollup.ChallengePeriodBlocks,
			MaxDeviationPercent:   cfg.Rollup.MaxDeviationPercent,
			SlashAmount:           slashAmount,
			FraudProofReward:      fraudProofReward,
		},
		BlockTime: time.Duration(cfg.Consensus.BlockTimeMS) * time.Millisecond,
	}, nil
}
