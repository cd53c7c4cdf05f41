package distribution

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TypeCampaignCreated    = "distribution.campaign.created"
	TypeCampaignFunded     = "distribution.campaign.funded"
	TypeClaimed            = "distribution.claimed"
	TypeStatusChanged      = "distribution.campaign.status_changed"
	TypeRootRotated        = "distribution.campaign.root_rotated"
	TypeUnclaimedWithdrawn = "distribution.unclaimed_withdrawn"
	TypeEmergencyRecovered = "distribution.emergency_recovered"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type CampaignCreated struct {
	ID              uint64
	Token           string
	Root            common.Hash
	PropertyID      string
	TotalAllocation *big.Int
	Expiry          int64
}

func (CampaignCreated) EventType() string { return TypeCampaignCreated }

func (e CampaignCreated) Attributes() map[string]string {
	return map[string]string{
		"campaignId":      strconv.FormatUint(e.ID, 10),
		"token":           e.Token,
		"root":            e.Root.Hex(),
		"propertyId":      e.PropertyID,
		"totalAllocation": formatAmount(e.TotalAllocation),
		"expiry":          strconv.FormatInt(e.Expiry, 10),
	}
}

type CampaignFunded struct {
	ID          uint64
	Funder      common.Address
	Amount      *big.Int
	TotalFunded *big.Int
}

func (CampaignFunded) EventType() string { return TypeCampaignFunded }

func (e CampaignFunded) Attributes() map[string]string {
	return map[string]string{
		"campaignId":  strconv.FormatUint(e.ID, 10),
		"funder":      e.Funder.Hex(),
		"amount":      formatAmount(e.Amount),
		"totalFunded": formatAmount(e.TotalFunded),
	}
}

type Claimed struct {
	ID           uint64
	Index        uint64
	Account      common.Address
	Amount       *big.Int
	TotalClaimed *big.Int
}

func (Claimed) EventType() string { return TypeClaimed }

func (e Claimed) Attributes() map[string]string {
	return map[string]string{
		"campaignId":   strconv.FormatUint(e.ID, 10),
		"leafIndex":    strconv.FormatUint(e.Index, 10),
		"account":      e.Account.Hex(),
		"amount":       formatAmount(e.Amount),
		"totalClaimed": formatAmount(e.TotalClaimed),
	}
}

type StatusChanged struct {
	ID     uint64
	Active bool
}

func (StatusChanged) EventType() string { return TypeStatusChanged }

func (e StatusChanged) Attributes() map[string]string {
	return map[string]string{
		"campaignId": strconv.FormatUint(e.ID, 10),
		"active":     strconv.FormatBool(e.Active),
	}
}

type RootRotated struct {
	ID      uint64
	OldRoot common.Hash
	NewRoot common.Hash
}

func (RootRotated) EventType() string { return TypeRootRotated }

func (e RootRotated) Attributes() map[string]string {
	return map[string]string{
		"campaignId": strconv.FormatUint(e.ID, 10),
		"oldRoot":    e.OldRoot.Hex(),
		"newRoot":    e.NewRoot.Hex(),
	}
}

type UnclaimedWithdrawn struct {
	ID        uint64
	Recipient common.Address
	Amount    *big.Int
	Remaining *big.Int
}

func (UnclaimedWithdrawn) EventType() string { return TypeUnclaimedWithdrawn }

func (e UnclaimedWithdrawn) Attributes() map[string]string {
	return map[string]string{
		"campaignId": strconv.FormatUint(e.ID, 10),
		"recipient":  e.Recipient.Hex(),
		"amount":     formatAmount(e.Amount),
		"remaining":  formatAmount(e.Remaining),
	}
}

type EmergencyRecovered struct {
	Asset     string
	Recipient common.Address
	Amount    *big.Int
}

func (EmergencyRecovered) EventType() string { return TypeEmergencyRecovered }

func (e EmergencyRecovered) Attributes() map[string]string {
	return map[string]string{
		"asset":     e.Asset,
		"recipient": e.Recipient.Hex(),
		"amount":    formatAmount(e.Amount),
	}
}
