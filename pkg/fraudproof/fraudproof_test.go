// Copyright 2025 Certen Protocol

package fraudproof

import (
	"errors"
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/rollupcore/optiroll/pkg/backend"
	"github.com/rollupcore/optiroll/pkg/backend/sudt"
	"github.com/rollupcore/optiroll/pkg/block"
	"github.com/rollupcore/optiroll/pkg/generator"
	"github.com/rollupcore/optiroll/pkg/l1sync"
	"github.com/rollupcore/optiroll/pkg/mempool"
	"github.com/rollupcore/optiroll/pkg/sigalg"
	"github.com/rollupcore/optiroll/pkg/smt"
	"github.com/rollupcore/optiroll/pkg/state"
	"github.com/rollupcore/optiroll/pkg/store"
)

var (
	testRollupTypeHash = [32]byte{0xAA}
	stakeTypeHash      = [32]byte{0x51}
	challengeTypeHash  = [32]byte{0x52}
	senderCodeHash     = [32]byte{0xC1}
	sudtValidatorHash  = [32]byte{0xD1}
)

// acceptAll stands in for a real signature scheme so checkpoint logic is
// exercised without key material.
type acceptAll struct{}

func (acceptAll) Name() string { return "accept-all" }
func (acceptAll) Verify(_ [32]byte, _, _ []byte) error {
	return nil
}

func newVerifier(gen *generator.Generator) *Verifier {
	return &Verifier{
		RollupTypeHash:          testRollupTypeHash,
		StakeScriptTypeHash:     stakeTypeHash,
		ChallengeScriptTypeHash: challengeTypeHash,
		RequiredStakingCapacity: 10_000,
		RewardBurnRate:          50,
		BlockConfig:             block.Config{FinalityMode: block.FinalityByBlockNumber, FinalityBlocks: 5},
		Generator:               gen,
	}
}

func TestDepositLockArgsRoundTrip(t *testing.T) {
	args := DepositLockArgs{
		CancelTimeout: 600,
		OwnerLockHash: [32]byte{0x01},
		Layer2Lock:    Script{CodeHash: [32]byte{0x02}, Args: []byte("eth-address-20-bytes")},
		RegistryID:    2,
	}
	raw := EncodeDepositLockArgs(testRollupTypeHash, args)
	got, err := DecodeDepositLockArgs(testRollupTypeHash, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CancelTimeout != args.CancelTimeout || got.RegistryID != args.RegistryID ||
		got.OwnerLockHash != args.OwnerLockHash || string(got.Layer2Lock.Args) != string(args.Layer2Lock.Args) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, err := DecodeDepositLockArgs([32]byte{0xEE}, raw); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("foreign rollup hash must be rejected, got %v", err)
	}
}

func TestParseDepositCellRejectsShortSUDTData(t *testing.T) {
	lockArgs := EncodeDepositLockArgs(testRollupTypeHash, DepositLockArgs{
		Layer2Lock: Script{CodeHash: [32]byte{0x02}, Args: []byte("eth-address-20-bytes")},
		RegistryID: 1,
	})
	typeHash := [32]byte{0x77}
	cell := Cell{
		Capacity:       500,
		Lock:           Script{CodeHash: [32]byte{0x03}, Args: lockArgs},
		TypeScriptHash: &typeHash,
		Data:           []byte{1, 2, 3}, // shorter than a u128
	}
	_, err := ParseDepositCell(testRollupTypeHash, cell, func([32]byte) (uint32, error) { return 1, nil })
	if !errors.Is(err, ErrInvalidSUDTCell) {
		t.Fatalf("expected ErrInvalidSUDTCell, got %v", err)
	}

	// The same cell without a type script deposits plain capacity.
	cell.TypeScriptHash = nil
	dep, err := ParseDepositCell(testRollupTypeHash, cell, nil)
	if err != nil {
		t.Fatalf("native deposit: %v", err)
	}
	if dep.Amount != 500 || dep.SUDTID != 0 {
		t.Fatalf("native deposit parsed wrong: %+v", dep)
	}
}

func TestVerifyEnterChallenge(t *testing.T) {
	v := newVerifier(nil)
	target := l1sync.ChallengeTarget{BlockHash: [32]byte{0x09}, Index: 3, Kind: l1sync.ChallengeTxSignature}
	lockArgs := EncodeChallengeLockArgs(testRollupTypeHash, ChallengeLockArgs{
		TargetBlockHash:     target.BlockHash,
		TargetIndex:         uint32(target.Index),
		TargetKind:          byte(target.Kind),
		RewardsReceiverLock: Script{CodeHash: [32]byte{0x31}},
	})
	ctx := ChallengeContext{
		PostGlobalState: block.GlobalState{Status: block.StatusHalting},
		ChallengeCell:   Cell{Capacity: 10_000, Lock: Script{CodeHash: challengeTypeHash, Args: lockArgs}},
		Target:          target,
	}
	if err := v.VerifyEnterChallenge(ctx); err != nil {
		t.Fatalf("valid challenge rejected: %v", err)
	}

	short := ctx
	short.ChallengeCell.Capacity = 9_999
	if err := v.VerifyEnterChallenge(short); !errors.Is(err, ErrInvalidChallengeCell) {
		t.Fatalf("underfunded challenge must be rejected, got %v", err)
	}

	running := ctx
	running.PostGlobalState.Status = block.StatusRunning
	if err := v.VerifyEnterChallenge(running); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("non-Halting output must be rejected, got %v", err)
	}
}

func TestVerifyRevertProofsAndStakeSplit(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	defer backing.Close()
	tx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	// Build the insertion proofs the honest challenger would compile.
	tree := smt.New(tx, smt.Zero)
	hashes := [][32]byte{{0xB1}, {0xB2}}
	var one smt.H256
	one[31] = 1
	var steps []RevertStep
	prevRoot := tree.Root()
	for _, h := range hashes {
		proof, err := tree.MerkleProof(smt.H256(h))
		if err != nil {
			t.Fatalf("proof: %v", err)
		}
		steps = append(steps, RevertStep{BlockHash: h, Proof: proof})
		if err := tree.Update(smt.H256(h), one); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	v := newVerifier(nil)
	rewardLock := Script{CodeHash: [32]byte{0x61}}
	burnLock := Script{CodeHash: [32]byte{0x62}}
	ctx := RevertContext{
		PrevGlobalState: block.GlobalState{Status: block.StatusHalting, RevertedBlockRoot: prevRoot},
		PostGlobalState: block.GlobalState{Status: block.StatusRunning, RevertedBlockRoot: tree.Root()},
		Steps:           steps,
		MaturityElapsed: true,
		StakeCellIn:     Cell{Capacity: 10_000, Lock: Script{CodeHash: stakeTypeHash}},
		RewardCellOut:   Cell{Capacity: 5_000, Lock: rewardLock},
		BurnCellOut:     Cell{Capacity: 5_000, Lock: burnLock},
		RewardLockHash:  rewardLock.Hash(),
		BurnLockHash:    burnLock.Hash(),
	}
	if err := v.VerifyRevert(ctx); err != nil {
		t.Fatalf("valid revert rejected: %v", err)
	}

	bad := ctx
	bad.PostGlobalState.RevertedBlockRoot[0] ^= 0xFF
	if err := v.VerifyRevert(bad); !errors.Is(err, ErrInvalidRevertedBlocks) {
		t.Fatalf("wrong post root must be rejected, got %v", err)
	}

	early := ctx
	early.MaturityElapsed = false
	if err := v.VerifyRevert(early); err == nil {
		t.Fatalf("revert inside the maturity window must be rejected")
	}

	cheap := ctx
	cheap.BurnCellOut.Capacity = 1
	if err := v.VerifyRevert(cheap); err == nil {
		t.Fatalf("underburned revert must be rejected")
	}
}

func TestVerifyCancelChallengeReplaysHonestly(t *testing.T) {
	backing := store.Open(dbm.NewMemDB())
	defer backing.Close()

	sigs := sigalg.NewRegistry()
	sigs.Register(senderCodeHash, acceptAll{})
	backends := backend.NewRegistry()
	backends.Register(sudtValidatorHash, sudt.Backend{SUDTID: 1})
	gen := generator.New(sigs, backends, 100_000)

	// Seed: a sender, a receiver, and the SUDT contract account.
	setup, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	view := state.New(setup, smt.Zero)
	senderScript := append(append([]byte{}, senderCodeHash[:]...), []byte("sender-lock-args")...)
	senderID, err := view.CreateAccount(state.ScriptHashFromBytes(senderScript), senderScript)
	if err != nil {
		t.Fatalf("create sender: %v", err)
	}
	receiverScript := append(append([]byte{}, senderCodeHash[:]...), []byte("receiver-lock-args")...)
	receiverID, err := view.CreateAccount(state.ScriptHashFromBytes(receiverScript), receiverScript)
	if err != nil {
		t.Fatalf("create receiver: %v", err)
	}
	contractScript := append(append([]byte{}, sudtValidatorHash[:]...), []byte("sudt-contract")...)
	contractID, err := view.CreateAccount(state.ScriptHashFromBytes(contractScript), contractScript)
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	if err := view.MintSUDT(1, senderID, 1_000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := setup.Commit(); err != nil {
		t.Fatalf("commit setup: %v", err)
	}
	prevRoot := view.Root()

	// The disputed transaction, executed honestly once to learn the
	// checkpoint an honest operator would have declared.
	args := []byte{sudt.SelectorTransfer}
	var toBuf [4]byte
	toBuf[3] = byte(receiverID)
	args = append(args, toBuf[:]...)
	args = append(args, 0, 0, 0, 0, 0, 0, 0, 100)
	rawTx := generator.RawTransaction{FromID: senderID, ToID: contractID, Nonce: 0, Args: args, Signature: []byte("sig")}

	replay, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin replay: %v", err)
	}
	replayView := state.New(replay, prevRoot)
	info := generator.BlockInfo{Number: 1, Timestamp: 1000, RollupTypeHash: testRollupTypeHash}
	if _, err := gen.RunTransaction(replayView, info, rawTx, nil, generator.NewCyclePool(1_000_000)); err != nil {
		t.Fatalf("honest execution: %v", err)
	}
	cp, err := replayView.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	replay.Rollback()

	blk := &block.Block{
		Number:              1,
		Timestamp:           1000,
		Transactions:        []mempool.AppliedTransaction{{Tx: rawTx, Checkpoint: cp}},
		StateCheckpointList: []smt.H256{cp},
	}
	blk.Hash = [32]byte{0xE1}

	v := newVerifier(gen)
	target := l1sync.ChallengeTarget{BlockHash: blk.Hash, Index: 0, Kind: l1sync.ChallengeTxSignature}

	// Compile the touched-state witness: every key the disputed step
	// reads or writes, with one proof against the pre-step root.
	kvTx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin kv witness: %v", err)
	}
	kvView := state.New(kvTx, prevRoot)
	touched := replayView.TouchedKeys()
	var kvLeaves []smt.Leaf
	for _, k := range touched {
		val, err := kvView.LeafValue(k)
		if err != nil {
			t.Fatalf("read leaf: %v", err)
		}
		kvLeaves = append(kvLeaves, smt.Leaf{Key: k, Value: val})
	}
	kvProof, err := kvView.MerkleProof(touched...)
	if err != nil {
		t.Fatalf("compile kv proof: %v", err)
	}
	kvTx.Rollback()

	cancelTx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin cancel: %v", err)
	}
	defer cancelTx.Rollback()
	cancelView := state.New(cancelTx, prevRoot)
	ctx := VerifyContext{
		RawBlock:        blk,
		Target:          target,
		PrevAccountRoot: prevRoot,
		KvState:         kvLeaves,
		KvStateProof:    kvProof,
	}
	if err := v.VerifyCancelChallenge(cancelView, ctx); err != nil {
		t.Fatalf("honest block should cancel the challenge: %v", err)
	}

	// A genuinely bad block (forged checkpoint) must not cancel.
	forged := *blk
	forged.StateCheckpointList = []smt.H256{{0xFF}}
	badTx, err := backing.Begin()
	if err != nil {
		t.Fatalf("begin bad: %v", err)
	}
	defer badTx.Rollback()
	badView := state.New(badTx, prevRoot)
	badCtx := VerifyContext{RawBlock: &forged, Target: target, PrevAccountRoot: prevRoot}
	if err := v.VerifyCancelChallenge(badView, badCtx); !errors.Is(err, ErrInvalidCheckpoint) {
		t.Fatalf("forged checkpoint must not cancel, got %v", err)
	}
}

func TestWithdrawalUnlockViaFinalize(t *testing.T) {
	v := newVerifier(nil)
	owner := Script{CodeHash: [32]byte{0x41}, Args: []byte("owner")}
	args := WithdrawalLockArgs{WithdrawalBlockNumber: 100}
	gs := block.GlobalState{LastFinalizedTimepoint: 100}

	if err := v.UnlockViaFinalizeCheck(gs, args, owner, [][32]byte{owner.Hash()}); err != nil {
		t.Fatalf("finalized withdrawal with owner input must unlock: %v", err)
	}

	gs.LastFinalizedTimepoint = 99
	if err := v.UnlockViaFinalizeCheck(gs, args, owner, [][32]byte{owner.Hash()}); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("one block early must not unlock, got %v", err)
	}

	gs.LastFinalizedTimepoint = 100
	if err := v.UnlockViaFinalizeCheck(gs, args, owner, nil); !errors.Is(err, ErrOwnerCellNotFound) {
		t.Fatalf("missing owner input must not unlock, got %v", err)
	}
}

func TestWithdrawalUnlockViaTrade(t *testing.T) {
	v := newVerifier(nil)
	seller := Script{CodeHash: [32]byte{0x42}, Args: []byte("seller")}
	args := WithdrawalLockArgs{SellCapacity: 1_000}
	wcell := Cell{Capacity: 5_000, Lock: Script{CodeHash: [32]byte{0x43}}}

	inputs := []Cell{{Capacity: 200, Lock: seller}}
	outputs := []Cell{{Capacity: 1_200, Lock: seller}}
	if err := v.UnlockViaTradeCheck(args, seller, wcell, inputs, outputs); err != nil {
		t.Fatalf("fair trade must unlock: %v", err)
	}

	outputs = []Cell{{Capacity: 1_100, Lock: seller}}
	if err := v.UnlockViaTradeCheck(args, seller, wcell, inputs, outputs); err == nil {
		t.Fatalf("underpaying trade must not unlock")
	}
}

func TestVerifySubmitStakeOwnership(t *testing.T) {
	v := newVerifier(nil)
	producerLockHash := [32]byte{0x71}
	stakeArgs := EncodeStakeLockArgs(testRollupTypeHash, StakeLockArgs{OwnerLockHash: producerLockHash})
	stake := Cell{Capacity: 10_000, Lock: Script{CodeHash: stakeTypeHash, Args: stakeArgs}}

	blk := &block.Block{Number: 5, ParentHash: [32]byte{0x10}, PostAccountRoot: smt.H256{0x20}}
	blk.Hash = [32]byte{0x11}

	ctx := SubmitContext{
		PrevGlobalState:  block.GlobalState{Status: block.StatusRunning, TipBlockHash: blk.ParentHash, RevertedBlockRoot: smt.H256{0x30}},
		PostGlobalState:  block.GlobalState{Status: block.StatusRunning, TipBlockHash: blk.Hash, AccountRoot: blk.PostAccountRoot, RevertedBlockRoot: smt.H256{0x30}},
		Block:            blk,
		StakeCellsIn:     []Cell{stake},
		StakeCellsOut:    []Cell{stake},
		ProducerLockHash: producerLockHash,
	}
	if err := v.VerifySubmit(ctx); err != nil {
		t.Fatalf("valid submit rejected: %v", err)
	}

	stranger := ctx
	strangerArgs := EncodeStakeLockArgs(testRollupTypeHash, StakeLockArgs{OwnerLockHash: [32]byte{0x72}})
	strangerStake := stake
	strangerStake.Lock.Args = strangerArgs
	stranger.StakeCellsIn = []Cell{strangerStake}
	if err := v.VerifySubmit(stranger); !errors.Is(err, ErrInvalidStakeCell) {
		t.Fatalf("foreign stake must be rejected, got %v", err)
	}

	touched := ctx
	touched.PostGlobalState.RevertedBlockRoot = smt.H256{0x31}
	if err := v.VerifySubmit(touched); !errors.Is(err, ErrInvalidRevertedBlocks) {
		t.Fatalf("submit touching the reverted set must be rejected, got %v", err)
	}
}
