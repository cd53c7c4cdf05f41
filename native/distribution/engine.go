package distribution

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/core/events"
	"merkledrop/crypto/merkle"
)

// defaultListLimit caps one ListCampaigns page so the dense scan stays cheap
// for arbitrarily old deployments.
const defaultListLimit = 200

type engineState interface {
	CampaignGet(id uint64) (*Campaign, bool, error)
	CampaignPut(campaign *Campaign) error
	CampaignHead() (uint64, error)
	NextCampaignID() (uint64, error)
	ClaimWordGet(campaignID, bucket uint64) (ClaimWord, error)
	ClaimWordPut(campaignID, bucket uint64, word ClaimWord) error
	PropertyCampaigns(propertyID string) ([]uint64, error)
	PropertyCampaignAdd(propertyID string, campaignID uint64) error
}

type tokenLedger interface {
	Transfer(token string, from, to common.Address, amount *big.Int) error
	TransferFrom(token string, spender, owner, to common.Address, amount *big.Int) error
	BalanceOf(token string, holder common.Address) (*big.Int, error)
}

// Engine is the campaign ledger and claim executor. Every state-mutating
// operation passes through a single guard that serializes callers and rejects
// reentrant invocations arriving from inside an external transfer, and commits
// ledger/bitmap updates before issuing any outbound transfer.
//
// Funding discipline is cumulative: FundCampaign may be called repeatedly,
// each call topping up TotalFunded and re-asserting Active. The one-shot
// exact-allocation discipline is deliberately not supported.
type Engine struct {
	mu      sync.Mutex
	busy    atomic.Bool
	state   engineState
	tokens  tokenLedger
	emitter events.Emitter
	nowFn   func() int64
	custody common.Address
	admin   common.Address
}

// NewEngine constructs a distribution engine with default dependencies.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokenLedger configures the external value-transfer service.
func (e *Engine) SetTokenLedger(tokens tokenLedger) { e.tokens = tokens }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetCustody configures the account holding funded-but-unclaimed value.
func (e *Engine) SetCustody(addr common.Address) { e.custody = addr }

// SetAdmin configures the single authorized admin principal. Transferring the
// role is an explicit call to this setter by the operator, never ambient.
func (e *Engine) SetAdmin(addr common.Address) { e.admin = addr }

// Admin returns the configured admin principal.
func (e *Engine) Admin() common.Address { return e.admin }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// withGuard serializes state-mutating operations. The busy flag is observable
// without taking the lock so a reentrant call issued from inside an external
// transfer fails fast instead of deadlocking on its own invocation.
func (e *Engine) withGuard(fn func() error) error {
	if e.busy.Load() {
		return ErrReentrancy
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.busy.Store(true)
	defer e.busy.Store(false)
	return fn()
}

func (e *Engine) checkWired() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.tokens == nil {
		return errNilTokens
	}
	if e.custody == (common.Address{}) {
		return errNoCustody
	}
	return nil
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if e.admin == (common.Address{}) || caller != e.admin {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadCampaign(id uint64) (*Campaign, error) {
	campaign, ok, err := e.state.CampaignGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || campaign == nil || campaign.Root == (common.Hash{}) {
		return nil, ErrNotFound
	}
	return campaign, nil
}

// CreateCampaign records a new allocation round committed to by root. No
// value moves; the campaign starts unfunded and inactive.
func (e *Engine) CreateCampaign(caller common.Address, token string, root common.Hash, totalAllocation *big.Int, expiry int64, propertyID string) (uint64, error) {
	var id uint64
	err := e.withGuard(func() error {
		var err error
		id, err = e.createCampaignLocked(caller, token, root, totalAllocation, expiry, propertyID)
		return err
	})
	return id, err
}

func (e *Engine) createCampaignLocked(caller common.Address, token string, root common.Hash, totalAllocation *big.Int, expiry int64, propertyID string) (uint64, error) {
	if err := e.checkWired(); err != nil {
		return 0, err
	}
	if err := e.requireAdmin(caller); err != nil {
		return 0, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(token))
	if symbol == "" {
		return 0, ErrInvalidToken
	}
	if root == (common.Hash{}) {
		return 0, ErrInvalidRoot
	}
	if totalAllocation != nil && totalAllocation.Sign() < 0 {
		return 0, ErrInvalidAmount
	}
	if expiry < 0 {
		return 0, ErrInvalidExpiry
	}
	id, err := e.state.NextCampaignID()
	if err != nil {
		return 0, err
	}
	campaign := &Campaign{
		ID:              id,
		Token:           symbol,
		Root:            root,
		PropertyID:      strings.TrimSpace(propertyID),
		TotalAllocation: newBigInt(totalAllocation),
		TotalFunded:     big.NewInt(0),
		TotalClaimed:    big.NewInt(0),
		Active:          false,
		Expiry:          expiry,
		CreatedAt:       e.now(),
	}
	if err := e.state.CampaignPut(campaign); err != nil {
		return 0, err
	}
	if campaign.PropertyID != "" {
		if err := e.state.PropertyCampaignAdd(campaign.PropertyID, id); err != nil {
			return 0, err
		}
	}
	e.emit(CampaignCreated{
		ID:              id,
		Token:           campaign.Token,
		Root:            campaign.Root,
		PropertyID:      campaign.PropertyID,
		TotalAllocation: newBigInt(campaign.TotalAllocation),
		Expiry:          campaign.Expiry,
	})
	return id, nil
}

// FundCampaign pulls amount of the campaign token from the caller into
// custody, tops up TotalFunded, and re-asserts the active flag. The caller
// must have approved the custody account on the token ledger beforehand.
func (e *Engine) FundCampaign(caller common.Address, id uint64, amount *big.Int) error {
	return e.withGuard(func() error {
		return e.fundCampaignLocked(caller, id, amount)
	})
}

func (e *Engine) fundCampaignLocked(caller common.Address, id uint64, amount *big.Int) error {
	if err := e.checkWired(); err != nil {
		return err
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	campaign, err := e.loadCampaign(id)
	if err != nil {
		return err
	}
	snapshot := campaign.Clone()
	campaign.TotalFunded = new(big.Int).Add(campaign.TotalFunded, amount)
	campaign.Active = true
	if err := e.state.CampaignPut(campaign); err != nil {
		return err
	}
	if err := e.tokens.TransferFrom(campaign.Token, e.custody, caller, e.custody, amount); err != nil {
		if rbErr := e.state.CampaignPut(snapshot); rbErr != nil {
			return fmt.Errorf("distribution: funding transfer failed (%v) and ledger rollback failed: %w", err, rbErr)
		}
		return fmt.Errorf("distribution: funding transfer: %w", err)
	}
	e.emit(CampaignFunded{
		ID:          id,
		Funder:      caller,
		Amount:      newBigInt(amount),
		TotalFunded: newBigInt(campaign.TotalFunded),
	})
	return nil
}

// CreateAndFund composes CreateCampaign and FundCampaign under one guard.
// Its net effect is identical to calling the two in sequence.
func (e *Engine) CreateAndFund(caller common.Address, token string, root common.Hash, totalAllocation *big.Int, expiry int64, propertyID string, amount *big.Int) (uint64, error) {
	var id uint64
	err := e.withGuard(func() error {
		var err error
		id, err = e.createCampaignLocked(caller, token, root, totalAllocation, expiry, propertyID)
		if err != nil {
			return err
		}
		return e.fundCampaignLocked(caller, id, amount)
	})
	return id, err
}

// SetActive toggles whether the campaign accepts claims. Funding and
// withdrawal are not gated by the flag.
func (e *Engine) SetActive(caller common.Address, id uint64, active bool) error {
	return e.withGuard(func() error {
		if err := e.checkWired(); err != nil {
			return err
		}
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		campaign, err := e.loadCampaign(id)
		if err != nil {
			return err
		}
		if campaign.Active == active {
			return nil
		}
		campaign.Active = active
		if err := e.state.CampaignPut(campaign); err != nil {
			return err
		}
		e.emit(StatusChanged{ID: id, Active: active})
		return nil
	})
}

// RotateRoot replaces the campaign's commitment with newRoot. The claim
// bitmap is intentionally NOT reset: an index already claimed under the old
// root stays claimed, so a new root that reassigns that index silently blocks
// the reassigned recipient. Operators must rotate only to roots that keep
// already-claimed indices stable.
func (e *Engine) RotateRoot(caller common.Address, id uint64, newRoot common.Hash) error {
	return e.withGuard(func() error {
		if err := e.checkWired(); err != nil {
			return err
		}
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if newRoot == (common.Hash{}) {
			return ErrInvalidRoot
		}
		campaign, err := e.loadCampaign(id)
		if err != nil {
			return err
		}
		oldRoot := campaign.Root
		campaign.Root = newRoot
		if err := e.state.CampaignPut(campaign); err != nil {
			return err
		}
		e.emit(RootRotated{ID: id, OldRoot: oldRoot, NewRoot: newRoot})
		return nil
	})
}

// Claim verifies an entitlement proof and pays the account. Checks run in
// cheapest-first order and the bitmap/ledger commit strictly before the
// outbound transfer, so a reentrant observer can only ever see the index as
// already claimed.
func (e *Engine) Claim(id, index uint64, account common.Address, amount *big.Int, proof []common.Hash) error {
	return e.withGuard(func() error {
		if err := e.checkWired(); err != nil {
			return err
		}
		campaign, err := e.loadCampaign(id)
		if err != nil {
			return err
		}
		if !campaign.Active {
			return ErrCampaignInactive
		}
		bucket, bit := splitIndex(index)
		word, err := e.state.ClaimWordGet(id, bucket)
		if err != nil {
			return err
		}
		if word.IsSet(bit) {
			return ErrAlreadyClaimed
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		// The leaf encoding commits to exactly 32 amount bytes. A wider
		// amount must fail here rather than alias to another encoding.
		if amount.BitLen() > 256 {
			return ErrInvalidAmount
		}
		claimed := new(big.Int).Add(campaign.TotalClaimed, amount)
		if claimed.Cmp(campaign.TotalFunded) > 0 {
			return ErrInsufficientFunds
		}
		leaf := merkle.LeafHash(index, account, amount)
		if !merkle.VerifyProof(proof, campaign.Root, leaf) {
			return ErrInvalidProof
		}
		snapshot := campaign.Clone()
		wordSnapshot := word
		word.Set(bit)
		if err := e.state.ClaimWordPut(id, bucket, word); err != nil {
			return err
		}
		campaign.TotalClaimed = claimed
		if err := e.state.CampaignPut(campaign); err != nil {
			if rbErr := e.state.ClaimWordPut(id, bucket, wordSnapshot); rbErr != nil {
				return fmt.Errorf("distribution: ledger write failed (%v) and bitmap rollback failed: %w", err, rbErr)
			}
			return err
		}
		if err := e.tokens.Transfer(campaign.Token, e.custody, account, amount); err != nil {
			if rbErr := e.rollbackClaim(id, bucket, wordSnapshot, snapshot); rbErr != nil {
				return fmt.Errorf("distribution: claim transfer failed (%v) and rollback failed: %w", err, rbErr)
			}
			return fmt.Errorf("distribution: claim transfer: %w", err)
		}
		e.emit(Claimed{
			ID:           id,
			Index:        index,
			Account:      account,
			Amount:       newBigInt(amount),
			TotalClaimed: newBigInt(campaign.TotalClaimed),
		})
		return nil
	})
}

func (e *Engine) rollbackClaim(id, bucket uint64, word ClaimWord, campaign *Campaign) error {
	if err := e.state.ClaimWordPut(id, bucket, word); err != nil {
		return err
	}
	return e.state.CampaignPut(campaign)
}

// WithdrawUnclaimed returns residual custody to the admin-chosen recipient.
// A campaign is withdrawable once it is inactive, or once its expiry (if any)
// has passed even while still active. Live, unexpired, active campaigns never
// release funds this way.
func (e *Engine) WithdrawUnclaimed(caller common.Address, id uint64, recipient common.Address, amount *big.Int) error {
	return e.withGuard(func() error {
		if err := e.checkWired(); err != nil {
			return err
		}
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		campaign, err := e.loadCampaign(id)
		if err != nil {
			return err
		}
		expired := campaign.Expiry != 0 && e.now() > campaign.Expiry
		if campaign.Active && !expired {
			return ErrNotWithdrawable
		}
		if campaign.Unclaimed().Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		snapshot := campaign.Clone()
		campaign.TotalFunded = new(big.Int).Sub(campaign.TotalFunded, amount)
		if err := e.state.CampaignPut(campaign); err != nil {
			return err
		}
		if err := e.tokens.Transfer(campaign.Token, e.custody, recipient, amount); err != nil {
			if rbErr := e.state.CampaignPut(snapshot); rbErr != nil {
				return fmt.Errorf("distribution: withdrawal transfer failed (%v) and ledger rollback failed: %w", err, rbErr)
			}
			return fmt.Errorf("distribution: withdrawal transfer: %w", err)
		}
		e.emit(UnclaimedWithdrawn{
			ID:        id,
			Recipient: recipient,
			Amount:    newBigInt(amount),
			Remaining: campaign.Unclaimed(),
		})
		return nil
	})
}

// EmergencyRecover moves arbitrary custody balance without touching campaign
// accounting. It exists to rescue assets mistakenly sent to the custody
// account; pointed at a campaign's own token it can strand claims, which is
// the documented cost of having the escape hatch at all.
func (e *Engine) EmergencyRecover(caller common.Address, asset string, recipient common.Address, amount *big.Int) error {
	return e.withGuard(func() error {
		if err := e.checkWired(); err != nil {
			return err
		}
		if err := e.requireAdmin(caller); err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		if err := e.tokens.Transfer(asset, e.custody, recipient, amount); err != nil {
			return fmt.Errorf("distribution: recovery transfer: %w", err)
		}
		e.emit(EmergencyRecovered{Asset: asset, Recipient: recipient, Amount: newBigInt(amount)})
		return nil
	})
}

// IsClaimed reports whether the leaf index has been paid for the campaign.
func (e *Engine) IsClaimed(id, index uint64) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if _, err := e.loadCampaign(id); err != nil {
		return false, err
	}
	bucket, bit := splitIndex(index)
	word, err := e.state.ClaimWordGet(id, bucket)
	if err != nil {
		return false, err
	}
	return word.IsSet(bit), nil
}

// GetCampaign returns a copy of the campaign record.
func (e *Engine) GetCampaign(id uint64) (*Campaign, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	campaign, err := e.loadCampaign(id)
	if err != nil {
		return nil, err
	}
	return campaign.Clone(), nil
}

// ListCampaigns returns campaigns in ascending id order starting after
// offset, at most limit entries per page (capped at the default page size).
func (e *Engine) ListCampaigns(offset uint64, limit int) ([]*Campaign, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	head, err := e.state.CampaignHead()
	if err != nil {
		return nil, err
	}
	out := make([]*Campaign, 0, limit)
	for id := offset + 1; id <= head && len(out) < limit; id++ {
		campaign, ok, err := e.state.CampaignGet(id)
		if err != nil {
			return nil, err
		}
		if ok && campaign != nil {
			out = append(out, campaign.Clone())
		}
	}
	return out, nil
}

// GetCampaignsForProperty returns all campaigns filed under the grouping key,
// ascending by id. The grouping has no effect on claim logic.
func (e *Engine) GetCampaignsForProperty(propertyID string) ([]*Campaign, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.PropertyCampaigns(strings.TrimSpace(propertyID))
	if err != nil {
		return nil, err
	}
	out := make([]*Campaign, 0, len(ids))
	for _, id := range ids {
		campaign, ok, err := e.state.CampaignGet(id)
		if err != nil {
			return nil, err
		}
		if ok && campaign != nil {
			out = append(out, campaign.Clone())
		}
	}
	return out, nil
}
