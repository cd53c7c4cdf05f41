package distribution

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"merkledrop/storage"
)

const (
	nextIDKey          = "distribution/campaigns/next"
	campaignKeyFormat  = "distribution/campaigns/%020d"
	claimWordKeyFormat = "distribution/claims/%020d/%020d"
	propertyKeyFormat  = "distribution/properties/%s"
)

// State persists campaigns, the per-campaign claim bitmap, and the property
// grouping index in a key-value store. It satisfies the engine's state
// interface; tests substitute an in-memory mock.
type State struct {
	mu sync.Mutex
	db storage.Database
}

// NewState constructs a distribution state backed by the supplied store.
func NewState(db storage.Database) *State {
	return &State{db: db}
}

// storedCampaign is the RLP shadow of Campaign. RLP has no signed integers,
// so Expiry and CreatedAt are stored as uint64 (both are validated
// non-negative before they reach the state).
type storedCampaign struct {
	ID              uint64
	Token           string
	Root            []byte
	PropertyID      string
	TotalAllocation []byte
	TotalFunded     []byte
	TotalClaimed    []byte
	Active          bool
	Expiry          uint64
	CreatedAt       uint64
}

func campaignKey(id uint64) []byte {
	return []byte(fmt.Sprintf(campaignKeyFormat, id))
}

func claimWordKey(campaignID, bucket uint64) []byte {
	return []byte(fmt.Sprintf(claimWordKeyFormat, campaignID, bucket))
}

func propertyKey(propertyID string) []byte {
	return []byte(fmt.Sprintf(propertyKeyFormat, propertyID))
}

func (s *State) CampaignGet(id uint64) (*Campaign, bool, error) {
	data, err := s.db.Get(campaignKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var stored storedCampaign
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	campaign := &Campaign{
		ID:              stored.ID,
		Token:           stored.Token,
		Root:            common.BytesToHash(stored.Root),
		PropertyID:      stored.PropertyID,
		TotalAllocation: new(big.Int).SetBytes(stored.TotalAllocation),
		TotalFunded:     new(big.Int).SetBytes(stored.TotalFunded),
		TotalClaimed:    new(big.Int).SetBytes(stored.TotalClaimed),
		Active:          stored.Active,
		Expiry:          int64(stored.Expiry),
		CreatedAt:       int64(stored.CreatedAt),
	}
	return campaign, true, nil
}

func (s *State) CampaignPut(campaign *Campaign) error {
	if campaign == nil || campaign.ID == 0 {
		return errors.New("distribution state: invalid campaign")
	}
	encoded, err := rlp.EncodeToBytes(storedCampaign{
		ID:              campaign.ID,
		Token:           campaign.Token,
		Root:            campaign.Root.Bytes(),
		PropertyID:      campaign.PropertyID,
		TotalAllocation: newBigInt(campaign.TotalAllocation).Bytes(),
		TotalFunded:     newBigInt(campaign.TotalFunded).Bytes(),
		TotalClaimed:    newBigInt(campaign.TotalClaimed).Bytes(),
		Active:          campaign.Active,
		Expiry:          uint64(campaign.Expiry),
		CreatedAt:       uint64(campaign.CreatedAt),
	})
	if err != nil {
		return err
	}
	return s.db.Put(campaignKey(campaign.ID), encoded)
}

// CampaignHead returns the highest assigned campaign id, 0 when none exist.
func (s *State) CampaignHead() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.loadNextID()
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// NextCampaignID allocates the next dense campaign id, starting at 1.
func (s *State) NextCampaignID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.loadNextID()
	if err != nil {
		return 0, err
	}
	encoded, err := rlp.EncodeToBytes(next + 1)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put([]byte(nextIDKey), encoded); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *State) loadNextID() (uint64, error) {
	data, err := s.db.Get([]byte(nextIDKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	var next uint64
	if err := rlp.DecodeBytes(data, &next); err != nil {
		return 0, err
	}
	return next, nil
}

// ClaimWordGet loads one bitmap bucket. Never-written buckets read as zero.
func (s *State) ClaimWordGet(campaignID, bucket uint64) (ClaimWord, error) {
	var word ClaimWord
	data, err := s.db.Get(claimWordKey(campaignID, bucket))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return word, nil
	}
	if err != nil {
		return word, err
	}
	if len(data) != len(word) {
		return word, fmt.Errorf("distribution state: claim word for campaign %d bucket %d has %d bytes", campaignID, bucket, len(data))
	}
	copy(word[:], data)
	return word, nil
}

func (s *State) ClaimWordPut(campaignID, bucket uint64, word ClaimWord) error {
	return s.db.Put(claimWordKey(campaignID, bucket), word[:])
}

func (s *State) PropertyCampaigns(propertyID string) ([]uint64, error) {
	data, err := s.db.Get(propertyKey(propertyID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return []uint64{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err := rlp.DecodeBytes(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *State) PropertyCampaignAdd(propertyID string, campaignID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.PropertyCampaigns(propertyID)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == campaignID {
			return nil
		}
	}
	ids = append(ids, campaignID)
	encoded, err := rlp.EncodeToBytes(ids)
	if err != nil {
		return err
	}
	return s.db.Put(propertyKey(propertyID), encoded)
}
