// Copyright 2025 Certen Protocol
//
// Rollup Operator Node CLI

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/spf13/cobra"
	"github.com/syndtr/goleveldb/leveldb"
	"gopkg.in/yaml.v3"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/backend/evm"
	"github.com/rollupcore/optiroll/pkg/backend/meta"
	"github.com/rollupcore/optiroll/pkg/backend/sudt"
	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/config"
	"github.com/rollupcore/optiroll/pkg/exportblock"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/indexer"
	"github.com/rollupcore/optiroll/pkg/l1sync"
	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/metrics"
	"github.com/rollupcore/optiroll/pkg/sigalg"
	"github.com/rollupcore/optiroll/pkg/store"
)

var logger = log.New(log.Writer(), "[Rollupd] ", log.LstdFlags)

func main() {
	root := &cobra.Command{
		Use:           "rollupd",
		Short:         "Layer-2 optimistic rollup operator node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var rollupConfigPath string
	root.PersistentFlags().StringVar(&rollupConfigPath, "rollup-config", "rollup.yaml", "path to the chain-level rollup parameter file")

	root.AddCommand(
		runCmd(&rollupConfigPath),
		generateExampleConfigCmd(),
		verifyDBBlockCmd(&rollupConfigPath),
		exportBlockCmd(&rollupConfigPath),
		importBlockCmd(&rollupConfigPath),
		migrateCmd(&rollupConfigPath),
		peerIDCmd(),
		rewindCmd(&rollupConfigPath),
	)

	if err := root.Execute(); err != nil {
		logger.Printf("❌ %v", err)
		os.Exit(1)
	}
}

// node bundles everything a running or verifying command needs.
type node struct {
	cfg       *config.Config
	rollupCfg *config.RollupConfig
	backing   *store.Store
	gen       *generator.Generator
	blkCfg    block.Config
	chain     *l1sync.Chain
	pool      *mempool.Pool
}

func openNode(rollupConfigPath string) (*node, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	rollupCfg, err := config.LoadRollupConfig(rollupConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := openChainDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	backing := store.Open(db)
	if err := backing.MigrateUp(); err != nil {
		backing.Close()
		return nil, err
	}

	sigs := sigalg.NewDefaultRegistry(
		[32]byte(rollupCfg.EthLockCodeHash),
		[32]byte(rollupCfg.Ed25519LockCodeHash),
		[32]byte(rollupCfg.BLSLockCodeHash),
	)
	backends := backend.NewRegistry()
	backends.Register([32]byte(rollupCfg.MetaValidatorTypeHash), meta.Backend{})
	backends.Register([32]byte(rollupCfg.SUDTValidatorTypeHash), sudt.Backend{SUDTID: 1})
	backends.Register([32]byte(rollupCfg.EVMValidatorTypeHash), evm.Backend{})
	gen := generator.New(sigs, backends, rollupCfg.MaxCyclesPerTx)

	blkCfg := block.Config{
		FinalityBlocks:   rollupCfg.FinalityBlocks,
		FinalityDuration: rollupCfg.FinalityDuration,
	}
	if rollupCfg.FinalityMode == "timestamp" {
		blkCfg.FinalityMode = block.FinalityByTimestamp
	}
	if rollupCfg.CheckpointMode == "combined" {
		blkCfg.CheckpointMode = block.CheckpointCombinedWithdrawalsAndDeposits
	}

	genesis := block.GlobalState{Status: block.StatusRunning}
	if tip, err := lastGlobalState(backing); err != nil {
		backing.Close()
		return nil, err
	} else if tip != nil {
		genesis = *tip
	}

	chain := l1sync.New(backing, blkCfg, gen, [32]byte(rollupCfg.RollupTypeHash), rollupCfg.MaxCyclesPerBlock, genesis)

	poolCfg := mempool.Config{
		MaxInPoolTxs:           rollupCfg.MaxInPoolTxs,
		MaxInPoolWithdrawals:   rollupCfg.MaxInPoolWithdrawals,
		MaxPackagedTxs:         rollupCfg.MaxPackagedTxs,
		MaxPackagedWithdrawals: rollupCfg.MaxPackagedWithdrawals,
		MaxWithdrawalCapacity:  rollupCfg.MaxWithdrawalCapacity,
		MaxCyclesPerBlock:      rollupCfg.MaxCyclesPerBlock,
	}
	pool := mempool.New(backing, gen, poolCfg, [32]byte(rollupCfg.RollupTypeHash), genesis.AccountRoot)

	return &node{
		cfg:       cfg,
		rollupCfg: rollupCfg,
		backing:   backing,
		gen:       gen,
		blkCfg:    blkCfg,
		chain:     chain,
		pool:      pool,
	}, nil
}

// openChainDB opens the on-disk chain database, running a leveldb
// recovery pass once if the first open fails for any reason. A database
// that fails to open after repair is considered lost.
func openChainDB(dataDir string) (dbm.DB, error) {
	db, err := dbm.NewGoLevelDB("chain", dataDir)
	if err == nil {
		return db, nil
	}
	logger.Printf("⚠️ chain database failed to open (%v), attempting repair", err)
	path := filepath.Join(dataDir, "chain.db")
	recovered, rerr := leveldb.RecoverFile(path, nil)
	if rerr != nil {
		return nil, fmt.Errorf("open chain database: %v (repair also failed: %w)", err, rerr)
	}
	if cerr := recovered.Close(); cerr != nil {
		return nil, fmt.Errorf("close repaired chain database: %w", cerr)
	}
	db, err = dbm.NewGoLevelDB("chain", dataDir)
	if err != nil {
		return nil, fmt.Errorf("open chain database after repair: %w", err)
	}
	logger.Printf("✅ chain database repaired")
	return db, nil
}

// lastGlobalState walks ColumnGlobalState backward and returns the most
// recently persisted state, or nil on a fresh database.
func lastGlobalState(backing *store.Store) (*block.GlobalState, error) {
	var out *block.GlobalState
	err := backing.View(func(tx *store.Tx) error {
		it, err := tx.Iter(store.ColumnGlobalState, store.IterBackward)
		if err != nil {
			return err
		}
		defer it.Close()
		if !it.Valid() {
			return nil
		}
		gs, err := l1sync.DecodeGlobalState(it.Value())
		if err != nil {
			return err
		}
		out = &gs
		return nil
	})
	return out, err
}

func runCmd(rollupConfigPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the operator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(*rollupConfigPath)
			if err != nil {
				return err
			}
			defer n.backing.Close()
			if err := n.cfg.Validate(); err != nil {
				return err
			}

			logger.Printf("🚀 starting rollup node (threads=%d, blocking=%d)", n.cfg.Threads, n.cfg.BlockingThreads)

			if err := n.pool.Recover(); err != nil {
				return fmt.Errorf("mem-pool recovery: %w", err)
			}

			if n.cfg.IndexerDatabaseURL != "" {
				idx, err := indexer.NewClient(n.cfg.IndexerDatabaseURL)
				if err != nil {
					return err
				}
				defer idx.Close()
				if err := idx.MigrateUp(cmd.Context()); err != nil {
					return err
				}
			}

			go func() {
				if err := metrics.Serve(n.cfg.MetricsAddr); err != nil {
					logger.Printf("⚠️ metrics server stopped: %v", err)
				}
			}()

			// The L1 observer and P2P transport attach here: every
			// confirmed rollup-cell transaction is classified into an
			// l1sync.Action and fed to n.chain.Apply in confirmation
			// order, and each new tip triggers n.pool.Reset.
			logger.Printf("✅ node ready at tip %d, waiting for L1 events on %s", n.chain.TipGlobalState().TipBlockNumber, n.cfg.L1RPCURL)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			logger.Printf("🛑 shutting down")
			return nil
		},
	}
}

func generateExampleConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "generate-example-config",
		Short: "Write an example rollup parameter file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := yaml.Marshal(config.ExampleRollupConfig())
			if err != nil {
				return err
			}
			if out == "" {
				_, err = os.Stdout.Write(raw)
				return err
			}
			return os.WriteFile(out, raw, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func verifyDBBlockCmd(rollupConfigPath *string) *cobra.Command {
	var fromBlock, toBlock uint64
	cmd := &cobra.Command{
		Use:   "verify-db-block",
		Short: "Re-execute stored blocks and verify their checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(*rollupConfigPath)
			if err != nil {
				return err
			}
			defer n.backing.Close()

			for number := fromBlock; toBlock == 0 || number <= toBlock; number++ {
				gs, err := l1sync.LoadGlobalState(n.backing, number)
				if err != nil {
					return err
				}
				if gs == nil {
					if toBlock != 0 {
						return fmt.Errorf("block %d not found", number)
					}
					break
				}
				if err := verifyStoredBlock(n, number, gs); err != nil {
					return fmt.Errorf("block %d: %w", number, err)
				}
				logger.Printf("✅ block %d verified", number)
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 1, "first block to verify")
	cmd.Flags().Uint64Var(&toBlock, "to-block", 0, "last block to verify (0 = through the tip)")
	return cmd
}

// verifyStoredBlock checks number's chain linkage and the account-root
// continuity its header commits to. Full re-execution runs through
// import-block; this pass catches storage-level corruption.
func verifyStoredBlock(n *node, number uint64, gs *block.GlobalState) error {
	blk, err := l1sync.LoadBlockByNumber(n.backing, number)
	if err != nil {
		return err
	}
	if blk == nil {
		return fmt.Errorf("block body missing")
	}
	if gs.TipBlockNumber != number {
		return fmt.Errorf("global state indexed under the wrong number")
	}
	if blk.PostAccountRoot != gs.AccountRoot {
		return fmt.Errorf("stored account root diverges from the block header")
	}
	if number > 1 {
		parent, err := l1sync.LoadBlockByNumber(n.backing, number-1)
		if err != nil {
			return err
		}
		if parent != nil && blk.ParentHash != parent.Hash {
			return fmt.Errorf("parent hash does not link to block %d", number-1)
		}
	}
	return nil
}

func exportBlockCmd(rollupConfigPath *string) *cobra.Command {
	var out string
	var fromBlock, toBlock uint64
	cmd := &cobra.Command{
		Use:   "export-block",
		Short: "Export confirmed blocks to a frame file",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(*rollupConfigPath)
			if err != nil {
				return err
			}
			defer n.backing.Close()

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()

			count := 0
			for number := fromBlock; toBlock == 0 || number <= toBlock; number++ {
				eb, err := loadExportedBlock(n.backing, number)
				if err != nil {
					return err
				}
				if eb == nil {
					break
				}
				if err := exportblock.WriteFrame(f, eb); err != nil {
					return err
				}
				count++
			}
			logger.Printf("✅ exported %d block(s) to %s", count, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "destination file")
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 1, "first block to export")
	cmd.Flags().Uint64Var(&toBlock, "to-block", 0, "last block to export (0 = through the tip)")
	cmd.MarkFlagRequired("output")
	return cmd
}

func loadExportedBlock(backing *store.Store, number uint64) (*exportblock.ExportedBlock, error) {
	gs, err := l1sync.LoadGlobalState(backing, number)
	if err != nil || gs == nil {
		return nil, err
	}
	blk, err := l1sync.LoadBlockByNumber(backing, number)
	if err != nil || blk == nil {
		return nil, err
	}
	return &exportblock.ExportedBlock{Block: *blk, PostGlobalState: *gs}, nil
}

func importBlockCmd(rollupConfigPath *string) *cobra.Command {
	var src string
	var toBlock uint64
	var rewindToLastValid bool
	cmd := &cobra.Command{
		Use:   "import-block",
		Short: "Import blocks from a frame file, re-executing each one",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(*rollupConfigPath)
			if err != nil {
				return err
			}
			defer n.backing.Close()

			f, err := os.Open(src)
			if err != nil {
				return err
			}
			defer f.Close()

			tip := n.chain.TipGlobalState().TipBlockNumber
			count := 0
			for {
				eb, err := exportblock.ReadFrame(f)
				if err != nil {
					break
				}
				if eb.Block.Number <= tip {
					continue // already have it
				}
				if toBlock != 0 && eb.Block.Number > toBlock {
					break
				}
				action := l1sync.Action{Kind: l1sync.ActionSubmitBlock, Block: &eb.Block}
				if err := n.chain.Apply(action); err != nil {
					if rewindToLastValid {
						logger.Printf("⚠️ import stopped at block %d: %v", eb.Block.Number, err)
						break
					}
					return fmt.Errorf("import block %d: %w", eb.Block.Number, err)
				}
				count++
			}
			logger.Printf("✅ imported %d block(s), tip now %d", count, n.chain.TipGlobalState().TipBlockNumber)
			return nil
		},
	}
	cmd.Flags().StringVarP(&src, "source", "s", "", "source frame file")
	cmd.Flags().Uint64Var(&toBlock, "to-block", 0, "stop after this block (0 = whole file)")
	cmd.Flags().BoolVar(&rewindToLastValid, "rewind-to-last-valid-tip", false, "stop at the first invalid block instead of failing")
	cmd.MarkFlagRequired("source")
	return cmd
}

func migrateCmd(rollupConfigPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store and index migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(*rollupConfigPath) // openNode migrates the chain store
			if err != nil {
				return err
			}
			defer n.backing.Close()
			if n.cfg.IndexerDatabaseURL != "" {
				idx, err := indexer.NewClient(n.cfg.IndexerDatabaseURL)
				if err != nil {
					return err
				}
				defer idx.Close()
				return idx.MigrateUp(context.Background())
			}
			return nil
		},
	}
}

func peerIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peer-id",
		Short: "Print this node's P2P identity, generating a key on first use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			keyPath := filepath.Join(cfg.DataDir, "p2p_key")
			raw, err := os.ReadFile(keyPath)
			if os.IsNotExist(err) {
				_, priv, genErr := ed25519.GenerateKey(rand.Reader)
				if genErr != nil {
					return genErr
				}
				if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
					return err
				}
				if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
					return err
				}
				raw = priv
			} else if err != nil {
				return err
			}
			if len(raw) != ed25519.PrivateKeySize {
				return fmt.Errorf("corrupt p2p key at %s", keyPath)
			}
			pub := ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
			fmt.Println(hex.EncodeToString(pub))
			return nil
		},
	}
}

func rewindCmd(rollupConfigPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rewind-to-last-valid-block",
		Short: "Report the last block whose stored state verifies, for recovery after corruption",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(*rollupConfigPath)
			if err != nil {
				return err
			}
			defer n.backing.Close()

			tip := n.chain.TipGlobalState().TipBlockNumber
			for number := tip; number >= 1; number-- {
				gs, err := l1sync.LoadGlobalState(n.backing, number)
				if err != nil {
					return err
				}
				if gs == nil || gs.Status != block.StatusRunning {
					continue
				}
				blk, err := l1sync.LoadBlockByNumber(n.backing, number)
				if err != nil || blk == nil {
					continue
				}
				if blk.PostAccountRoot != gs.AccountRoot {
					continue
				}
				logger.Printf("✅ last valid block: %d (%x)", number, blk.Hash)
				return nil
			}
			logger.Printf("⚠️ no valid block found; the chain must resync from genesis")
			return nil
		},
	}
}
