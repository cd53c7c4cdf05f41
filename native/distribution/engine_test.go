package distribution

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/crypto/merkle"
)

var (
	testAdmin   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testCustody = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testUser1   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testUser2   = common.HexToAddress("0x0000000000000000000000000000000000000002")
	testUser3   = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type mockState struct {
	campaigns  map[uint64]*Campaign
	words      map[string]ClaimWord
	properties map[string][]uint64
	nextID     uint64
}

func newMockState() *mockState {
	return &mockState{
		campaigns:  make(map[uint64]*Campaign),
		words:      make(map[string]ClaimWord),
		properties: make(map[string][]uint64),
		nextID:     1,
	}
}

func (m *mockState) CampaignGet(id uint64) (*Campaign, bool, error) {
	campaign, ok := m.campaigns[id]
	if !ok {
		return nil, false, nil
	}
	return campaign.Clone(), true, nil
}

func (m *mockState) CampaignPut(campaign *Campaign) error {
	if campaign == nil {
		return nil
	}
	m.campaigns[campaign.ID] = campaign.Clone()
	return nil
}

func (m *mockState) CampaignHead() (uint64, error) {
	return m.nextID - 1, nil
}

func (m *mockState) NextCampaignID() (uint64, error) {
	id := m.nextID
	m.nextID++
	return id, nil
}

func wordKey(campaignID, bucket uint64) string {
	return fmt.Sprintf("%d/%d", campaignID, bucket)
}

func (m *mockState) ClaimWordGet(campaignID, bucket uint64) (ClaimWord, error) {
	return m.words[wordKey(campaignID, bucket)], nil
}

func (m *mockState) ClaimWordPut(campaignID, bucket uint64, word ClaimWord) error {
	m.words[wordKey(campaignID, bucket)] = word
	return nil
}

func (m *mockState) PropertyCampaigns(propertyID string) ([]uint64, error) {
	return append([]uint64{}, m.properties[propertyID]...), nil
}

func (m *mockState) PropertyCampaignAdd(propertyID string, campaignID uint64) error {
	m.properties[propertyID] = append(m.properties[propertyID], campaignID)
	return nil
}

type mockTokenLedger struct {
	balances    map[string]*big.Int
	allowances  map[string]*big.Int
	transferErr error
	// onTransfer runs before each outbound Transfer moves funds, allowing
	// tests to simulate a reentrant callback from the external service.
	onTransfer func()
}

func newMockTokenLedger() *mockTokenLedger {
	return &mockTokenLedger{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
	}
}

func balKey(token string, holder common.Address) string {
	return token + "/" + holder.Hex()
}

func allowKey(token string, owner, spender common.Address) string {
	return token + "/" + owner.Hex() + "/" + spender.Hex()
}

func (m *mockTokenLedger) balance(token string, holder common.Address) *big.Int {
	if existing, ok := m.balances[balKey(token, holder)]; ok {
		return existing
	}
	return big.NewInt(0)
}

func (m *mockTokenLedger) mint(token string, to common.Address, amount int64) {
	m.balances[balKey(token, to)] = new(big.Int).Add(m.balance(token, to), big.NewInt(amount))
}

func (m *mockTokenLedger) approve(token string, owner, spender common.Address, amount int64) {
	m.allowances[allowKey(token, owner, spender)] = big.NewInt(amount)
}

func (m *mockTokenLedger) BalanceOf(token string, holder common.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(token, holder)), nil
}

func (m *mockTokenLedger) Transfer(token string, from, to common.Address, amount *big.Int) error {
	if m.onTransfer != nil {
		hook := m.onTransfer
		m.onTransfer = nil
		hook()
	}
	if m.transferErr != nil {
		return m.transferErr
	}
	return m.move(token, from, to, amount)
}

func (m *mockTokenLedger) TransferFrom(token string, spender, owner, to common.Address, amount *big.Int) error {
	allowance, ok := m.allowances[allowKey(token, owner, spender)]
	if !ok || allowance.Cmp(amount) < 0 {
		return errors.New("mock token: insufficient allowance")
	}
	if err := m.move(token, owner, to, amount); err != nil {
		return err
	}
	m.allowances[allowKey(token, owner, spender)] = new(big.Int).Sub(allowance, amount)
	return nil
}

func (m *mockTokenLedger) move(token string, from, to common.Address, amount *big.Int) error {
	fromBal := m.balance(token, from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock token: insufficient balance")
	}
	if from == to {
		return nil
	}
	m.balances[balKey(token, from)] = new(big.Int).Sub(fromBal, amount)
	m.balances[balKey(token, to)] = new(big.Int).Add(m.balance(token, to), amount)
	return nil
}

func newTestEngine() (*Engine, *mockState, *mockTokenLedger) {
	state := newMockState()
	tokens := newMockTokenLedger()
	engine := NewEngine()
	engine.SetState(state)
	engine.SetTokenLedger(tokens)
	engine.SetAdmin(testAdmin)
	engine.SetCustody(testCustody)
	engine.SetNowFunc(func() int64 { return 1_000 })
	return engine, state, tokens
}

func testTree() *merkle.Tree {
	return merkle.NewTree([]merkle.Leaf{
		{Index: 0, Account: testUser1, Amount: big.NewInt(100)},
		{Index: 1, Account: testUser2, Amount: big.NewInt(200)},
		{Index: 2, Account: testUser3, Amount: big.NewInt(300)},
		{Index: 3, Account: common.Address{}, Amount: big.NewInt(0)},
	})
}

func mustProof(t *testing.T, tree *merkle.Tree, index uint64) []common.Hash {
	t.Helper()
	proof, err := tree.Proof(index)
	if err != nil {
		t.Fatalf("proof for index %d: %v", index, err)
	}
	return proof
}

func fundedCampaign(t *testing.T, engine *Engine, tokens *mockTokenLedger, tree *merkle.Tree, amount int64) uint64 {
	t.Helper()
	id, err := engine.CreateCampaign(testAdmin, "DRIP", tree.Root(), big.NewInt(600), 0, "")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	tokens.mint("DRIP", testAdmin, amount)
	tokens.approve("DRIP", testAdmin, testCustody, amount)
	if err := engine.FundCampaign(testAdmin, id, big.NewInt(amount)); err != nil {
		t.Fatalf("fund campaign: %v", err)
	}
	return id
}

func TestCreateCampaignValidation(t *testing.T) {
	engine, _, _ := newTestEngine()
	tree := testTree()

	if _, err := engine.CreateCampaign(testUser1, "DRIP", tree.Root(), nil, 0, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := engine.CreateCampaign(testAdmin, "  ", tree.Root(), nil, 0, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := engine.CreateCampaign(testAdmin, "DRIP", common.Hash{}, nil, 0, ""); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("expected ErrInvalidRoot, got %v", err)
	}
	if _, err := engine.CreateCampaign(testAdmin, "DRIP", tree.Root(), nil, -1, ""); !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}

	id, err := engine.CreateCampaign(testAdmin, "drip", tree.Root(), big.NewInt(600), 0, "prop-1")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
	campaign, err := engine.GetCampaign(id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if campaign.Token != "DRIP" {
		t.Fatalf("token not normalized: %q", campaign.Token)
	}
	if campaign.Active {
		t.Fatal("new campaign must start inactive")
	}
	if campaign.TotalFunded.Sign() != 0 || campaign.TotalClaimed.Sign() != 0 {
		t.Fatal("new campaign must start with zero totals")
	}

	if _, err := engine.GetCampaign(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("id 0 is the sentinel, expected ErrNotFound, got %v", err)
	}
	if _, err := engine.GetCampaign(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFundCampaignCumulative(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id, err := engine.CreateCampaign(testAdmin, "DRIP", tree.Root(), big.NewInt(600), 0, "")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	tokens.mint("DRIP", testAdmin, 1_000)
	tokens.approve("DRIP", testAdmin, testCustody, 1_000)

	if err := engine.FundCampaign(testAdmin, id, big.NewInt(400)); err != nil {
		t.Fatalf("first funding: %v", err)
	}
	campaign, _ := engine.GetCampaign(id)
	if !campaign.Active {
		t.Fatal("funding must activate the campaign")
	}
	if campaign.TotalFunded.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected TotalFunded 400, got %s", campaign.TotalFunded)
	}

	// Cumulative discipline: a second top-up adds and re-activates.
	if err := engine.SetActive(testAdmin, id, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := engine.FundCampaign(testAdmin, id, big.NewInt(600)); err != nil {
		t.Fatalf("second funding: %v", err)
	}
	campaign, _ = engine.GetCampaign(id)
	if !campaign.Active {
		t.Fatal("top-up must re-assert the active flag")
	}
	if campaign.TotalFunded.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected TotalFunded 1000, got %s", campaign.TotalFunded)
	}
	custodyBal, _ := tokens.BalanceOf("DRIP", testCustody)
	if custodyBal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected custody balance 1000, got %s", custodyBal)
	}

	if err := engine.FundCampaign(testAdmin, id, big.NewInt(1)); err == nil {
		t.Fatal("funding beyond allowance must fail")
	}
	campaign, _ = engine.GetCampaign(id)
	if campaign.TotalFunded.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("failed funding must not change TotalFunded, got %s", campaign.TotalFunded)
	}
}

func TestClaimHappyPath(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	balance, _ := tokens.BalanceOf("DRIP", testUser1)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected recipient balance 100, got %s", balance)
	}
	campaign, _ := engine.GetCampaign(id)
	if campaign.TotalClaimed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected TotalClaimed 100, got %s", campaign.TotalClaimed)
	}
	claimed, err := engine.IsClaimed(id, 0)
	if err != nil {
		t.Fatalf("isClaimed: %v", err)
	}
	if !claimed {
		t.Fatal("index 0 must be marked claimed")
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Identical repeat.
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	// Same index, different arguments.
	if err := engine.Claim(id, 0, testUser2, big.NewInt(1), mustProof(t, tree, 1)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	campaign, _ := engine.GetCampaign(id)
	if campaign.TotalClaimed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("TotalClaimed must be unchanged, got %s", campaign.TotalClaimed)
	}
}

func TestClaimGarbageProofRejected(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	garbage := []common.Hash{
		common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"),
		common.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"),
	}
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), garbage); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	campaign, _ := engine.GetCampaign(id)
	if campaign.TotalClaimed.Sign() != 0 {
		t.Fatalf("rejected claim must not change TotalClaimed, got %s", campaign.TotalClaimed)
	}
	claimed, _ := engine.IsClaimed(id, 0)
	if claimed {
		t.Fatal("rejected claim must not mark the index")
	}
}

func TestClaimRejectedBeforeProofWhenInactive(t *testing.T) {
	engine, _, _ := newTestEngine()
	tree := testTree()
	id, err := engine.CreateCampaign(testAdmin, "DRIP", tree.Root(), big.NewInt(600), 0, "")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}

	// Unfunded, inactive campaign: even a valid proof is rejected at the gate.
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); !errors.Is(err, ErrCampaignInactive) {
		t.Fatalf("expected ErrCampaignInactive, got %v", err)
	}
	// Malformed proofs never even get looked at.
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), nil); !errors.Is(err, ErrCampaignInactive) {
		t.Fatalf("expected ErrCampaignInactive, got %v", err)
	}
}

func TestClaimInactiveGateAfterDeactivation(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	if err := engine.SetActive(testAdmin, id, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); !errors.Is(err, ErrCampaignInactive) {
		t.Fatalf("expected ErrCampaignInactive, got %v", err)
	}
}

func TestClaimOverdrawRejected(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 50)

	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestClaimZeroAmountRejected(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := merkle.NewTree([]merkle.Leaf{
		{Index: 0, Account: testUser1, Amount: big.NewInt(0)},
		{Index: 1, Account: testUser2, Amount: big.NewInt(200)},
	})
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	if err := engine.Claim(id, 0, testUser1, big.NewInt(0), mustProof(t, tree, 0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestClaimOversizedAmountRejected(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := merkle.NewTree([]merkle.Leaf{
		{Index: 0, Account: testUser1, Amount: big.NewInt(0)},
		{Index: 1, Account: testUser2, Amount: big.NewInt(200)},
	})
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	// 2^300 encodes the same 32 amount bytes as zero, so the committed
	// zero-amount leaf's proof would otherwise verify for it.
	oversized := new(big.Int).Lsh(big.NewInt(1), 300)
	if err := engine.Claim(id, 0, testUser1, oversized, mustProof(t, tree, 0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if claimed, err := engine.IsClaimed(id, 0); err != nil || claimed {
		t.Fatalf("index must remain unclaimed, got claimed=%v err=%v", claimed, err)
	}
}

func TestClaimTransferFailureRollsBack(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	tokens.transferErr = errors.New("token service unavailable")
	err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0))
	if err == nil {
		t.Fatal("claim must fail when the external transfer fails")
	}
	campaign, _ := engine.GetCampaign(id)
	if campaign.TotalClaimed.Sign() != 0 {
		t.Fatalf("failed claim must roll back TotalClaimed, got %s", campaign.TotalClaimed)
	}
	claimed, _ := engine.IsClaimed(id, 0)
	if claimed {
		t.Fatal("failed claim must roll back the bitmap")
	}

	// The same claim succeeds once the transfer service recovers.
	tokens.transferErr = nil
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestReentrantClaimRejected(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	var reentrantErr error
	tokens.onTransfer = func() {
		reentrantErr = engine.Claim(id, 1, testUser2, big.NewInt(200), mustProof(t, tree, 1))
	}
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); err != nil {
		t.Fatalf("outer claim: %v", err)
	}
	if !errors.Is(reentrantErr, ErrReentrancy) {
		t.Fatalf("expected inner ErrReentrancy, got %v", reentrantErr)
	}
	campaign, _ := engine.GetCampaign(id)
	if campaign.TotalClaimed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("only the outer claim may settle, TotalClaimed = %s", campaign.TotalClaimed)
	}
}

func TestReentrantObserverSeesClaimed(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	// State must be committed before the transfer goes out: a callback fired
	// mid-payout already sees the index as claimed.
	var observed bool
	tokens.onTransfer = func() {
		observed, _ = engine.IsClaimed(id, 0)
	}
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !observed {
		t.Fatal("claim bit must be set before the external transfer is issued")
	}
}

func TestWithdrawUnclaimedPolicies(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()

	id, err := engine.CreateCampaign(testAdmin, "DRIP", tree.Root(), big.NewInt(600), 2_000, "")
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	tokens.mint("DRIP", testAdmin, 1_000)
	tokens.approve("DRIP", testAdmin, testCustody, 1_000)
	if err := engine.FundCampaign(testAdmin, id, big.NewInt(1_000)); err != nil {
		t.Fatalf("fund campaign: %v", err)
	}
	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, tree, 0)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Active and unexpired (now = 1000 < expiry 2000): never withdrawable.
	if err := engine.WithdrawUnclaimed(testAdmin, id, testAdmin, big.NewInt(900)); !errors.Is(err, ErrNotWithdrawable) {
		t.Fatalf("expected ErrNotWithdrawable, got %v", err)
	}

	// Past expiry the unclaimed residual is recoverable even while active.
	engine.SetNowFunc(func() int64 { return 2_001 })
	if err := engine.WithdrawUnclaimed(testAdmin, id, testAdmin, big.NewInt(901)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("withdrawal above unclaimed balance must fail, got %v", err)
	}
	if err := engine.WithdrawUnclaimed(testAdmin, id, testAdmin, big.NewInt(900)); err != nil {
		t.Fatalf("withdraw after expiry: %v", err)
	}
	custodyBal, _ := tokens.BalanceOf("DRIP", testCustody)
	if custodyBal.Sign() != 0 {
		t.Fatalf("custody must be drained for the campaign, got %s", custodyBal)
	}
	campaign, _ := engine.GetCampaign(id)
	if campaign.Unclaimed().Sign() != 0 {
		t.Fatalf("unclaimed balance must be zero, got %s", campaign.Unclaimed())
	}
	if campaign.TotalClaimed.Cmp(campaign.TotalFunded) != 0 {
		t.Fatalf("claimed ≤ funded must still hold: claimed=%s funded=%s", campaign.TotalClaimed, campaign.TotalFunded)
	}
}

func TestWithdrawUnclaimedWhenInactive(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	// No expiry set: withdrawal requires deactivation first.
	if err := engine.WithdrawUnclaimed(testAdmin, id, testAdmin, big.NewInt(1_000)); !errors.Is(err, ErrNotWithdrawable) {
		t.Fatalf("expected ErrNotWithdrawable while active, got %v", err)
	}
	if err := engine.SetActive(testAdmin, id, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := engine.WithdrawUnclaimed(testAdmin, id, testAdmin, big.NewInt(1_000)); err != nil {
		t.Fatalf("withdraw while inactive: %v", err)
	}
	adminBal, _ := tokens.BalanceOf("DRIP", testAdmin)
	if adminBal.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected returned funds 1000, got %s", adminBal)
	}
}

func TestRotateRootKeepsBitmap(t *testing.T) {
	engine, _, tokens := newTestEngine()
	oldTree := testTree()
	id := fundedCampaign(t, engine, tokens, oldTree, 1_000)

	if err := engine.Claim(id, 0, testUser1, big.NewInt(100), mustProof(t, oldTree, 0)); err != nil {
		t.Fatalf("claim under old root: %v", err)
	}

	newTree := merkle.NewTree([]merkle.Leaf{
		{Index: 0, Account: testUser2, Amount: big.NewInt(500)},
		{Index: 1, Account: testUser3, Amount: big.NewInt(400)},
	})
	if err := engine.RotateRoot(testAdmin, id, newTree.Root()); err != nil {
		t.Fatalf("rotate root: %v", err)
	}
	if err := engine.RotateRoot(testAdmin, id, common.Hash{}); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("zero root must be rejected, got %v", err)
	}

	// Index 0 stays claimed under the new root even though the new tree
	// assigns it to a different recipient. Documented rotation hazard.
	if err := engine.Claim(id, 0, testUser2, big.NewInt(500), mustProof(t, newTree, 0)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	// Untouched indices claim fine against the new root.
	if err := engine.Claim(id, 1, testUser3, big.NewInt(400), mustProof(t, newTree, 1)); err != nil {
		t.Fatalf("claim under new root: %v", err)
	}
	// Old-root proofs stop verifying.
	if err := engine.Claim(id, 2, testUser3, big.NewInt(300), mustProof(t, oldTree, 2)); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
}

func TestCreateAndFundMatchesSequence(t *testing.T) {
	engineA, _, tokensA := newTestEngine()
	engineB, _, tokensB := newTestEngine()
	tree := testTree()

	tokensA.mint("DRIP", testAdmin, 1_000)
	tokensA.approve("DRIP", testAdmin, testCustody, 1_000)
	idA, err := engineA.CreateAndFund(testAdmin, "DRIP", tree.Root(), big.NewInt(600), 0, "prop-9", big.NewInt(1_000))
	if err != nil {
		t.Fatalf("createAndFund: %v", err)
	}

	tokensB.mint("DRIP", testAdmin, 1_000)
	tokensB.approve("DRIP", testAdmin, testCustody, 1_000)
	idB, err := engineB.CreateCampaign(testAdmin, "DRIP", tree.Root(), big.NewInt(600), 0, "prop-9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engineB.FundCampaign(testAdmin, idB, big.NewInt(1_000)); err != nil {
		t.Fatalf("fund: %v", err)
	}

	campaignA, _ := engineA.GetCampaign(idA)
	campaignB, _ := engineB.GetCampaign(idB)
	if campaignA.ID != campaignB.ID ||
		campaignA.Active != campaignB.Active ||
		campaignA.TotalFunded.Cmp(campaignB.TotalFunded) != 0 ||
		campaignA.Root != campaignB.Root ||
		campaignA.PropertyID != campaignB.PropertyID {
		t.Fatalf("composed and sequenced campaigns diverge: %+v vs %+v", campaignA, campaignB)
	}
}

func TestEmergencyRecoverBypassesAccounting(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	// A stray asset parked at custody.
	tokens.mint("OOPS", testCustody, 77)
	if err := engine.EmergencyRecover(testAdmin, "OOPS", testUser1, big.NewInt(77)); err != nil {
		t.Fatalf("recover: %v", err)
	}
	recovered, _ := tokens.BalanceOf("OOPS", testUser1)
	if recovered.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("expected 77 recovered, got %s", recovered)
	}
	// Campaign accounting is untouched even though custody also holds DRIP.
	campaign, _ := engine.GetCampaign(id)
	if campaign.TotalFunded.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("recovery must not touch campaign totals, got %s", campaign.TotalFunded)
	}
	if err := engine.EmergencyRecover(testUser1, "OOPS", testUser1, big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListCampaignsOrderingAndGrouping(t *testing.T) {
	engine, _, _ := newTestEngine()
	tree := testTree()

	for i := 0; i < 5; i++ {
		property := ""
		if i%2 == 0 {
			property = "prop-even"
		}
		if _, err := engine.CreateCampaign(testAdmin, "DRIP", tree.Root(), nil, 0, property); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	all, err := engine.ListCampaigns(0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 campaigns, got %d", len(all))
	}
	for i, campaign := range all {
		if campaign.ID != uint64(i+1) {
			t.Fatalf("expected ascending ids from 1, got %d at position %d", campaign.ID, i)
		}
	}

	page, err := engine.ListCampaigns(2, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].ID != 3 || page[1].ID != 4 {
		t.Fatalf("unexpected page contents: %+v", page)
	}

	grouped, err := engine.GetCampaignsForProperty("prop-even")
	if err != nil {
		t.Fatalf("grouped: %v", err)
	}
	if len(grouped) != 3 {
		t.Fatalf("expected 3 grouped campaigns, got %d", len(grouped))
	}
	for _, campaign := range grouped {
		if campaign.PropertyID != "prop-even" {
			t.Fatalf("campaign %d not in group", campaign.ID)
		}
	}
}

func TestConservationAcrossOperations(t *testing.T) {
	engine, _, tokens := newTestEngine()
	tree := testTree()
	id := fundedCampaign(t, engine, tokens, tree, 1_000)

	payouts := big.NewInt(0)
	claims := []struct {
		index   uint64
		account common.Address
		amount  int64
	}{
		{0, testUser1, 100},
		{1, testUser2, 200},
		{2, testUser3, 300},
	}
	for _, claim := range claims {
		if err := engine.Claim(id, claim.index, claim.account, big.NewInt(claim.amount), mustProof(t, tree, claim.index)); err != nil {
			t.Fatalf("claim %d: %v", claim.index, err)
		}
		payouts.Add(payouts, big.NewInt(claim.amount))
		campaign, _ := engine.GetCampaign(id)
		if campaign.TotalClaimed.Cmp(campaign.TotalFunded) > 0 {
			t.Fatalf("invariant violated: claimed %s > funded %s", campaign.TotalClaimed, campaign.TotalFunded)
		}
		if campaign.TotalClaimed.Cmp(payouts) != 0 {
			t.Fatalf("sum of payouts %s != TotalClaimed %s", payouts, campaign.TotalClaimed)
		}
	}
}
