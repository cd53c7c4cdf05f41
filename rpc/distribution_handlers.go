package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/native/distribution"
	"merkledrop/native/token"
)

const (
	codeDistributionInvalidParams  = -32061
	codeDistributionNotFound       = -32062
	codeDistributionUnauthorized   = -32063
	codeDistributionConflict       = -32064
	codeDistributionInsufficient   = -32065
	codeDistributionProofInvalid   = -32066
	codeDistributionTransferFailed = -32067
	codeDistributionBusy           = -32068
	codeDistributionInternal       = -32069
)

type createCampaignParams struct {
	Caller          string `json:"caller"`
	Token           string `json:"token"`
	Root            string `json:"root"`
	TotalAllocation string `json:"totalAllocation"`
	Expiry          int64  `json:"expiry"`
	PropertyID      string `json:"propertyId"`
}

type fundCampaignParams struct {
	Caller     string `json:"caller"`
	CampaignID uint64 `json:"campaignId"`
	Amount     string `json:"amount"`
}

type createAndFundParams struct {
	createCampaignParams
	Amount string `json:"amount"`
}

type setActiveParams struct {
	Caller     string `json:"caller"`
	CampaignID uint64 `json:"campaignId"`
	Active     bool   `json:"active"`
}

type rotateRootParams struct {
	Caller     string `json:"caller"`
	CampaignID uint64 `json:"campaignId"`
	NewRoot    string `json:"newRoot"`
}

type withdrawUnclaimedParams struct {
	Caller     string `json:"caller"`
	CampaignID uint64 `json:"campaignId"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
}

type emergencyRecoverParams struct {
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type claimParams struct {
	CampaignID uint64   `json:"campaignId"`
	LeafIndex  uint64   `json:"leafIndex"`
	Account    string   `json:"account"`
	Amount     string   `json:"amount"`
	Proof      []string `json:"proof"`
}

type campaignIDParams struct {
	CampaignID uint64 `json:"campaignId"`
}

type listCampaignsParams struct {
	Offset uint64 `json:"offset"`
	Limit  int    `json:"limit"`
}

type propertyParams struct {
	PropertyID string `json:"propertyId"`
}

type isClaimedParams struct {
	CampaignID uint64 `json:"campaignId"`
	LeafIndex  uint64 `json:"leafIndex"`
}

type campaignIDResult struct {
	CampaignID uint64 `json:"campaignId"`
}

type okResult struct {
	OK bool `json:"ok"`
}

type isClaimedResult struct {
	Claimed bool `json:"claimed"`
}

type campaignJSON struct {
	ID              uint64 `json:"id"`
	Token           string `json:"token"`
	Root            string `json:"root"`
	PropertyID      string `json:"propertyId,omitempty"`
	TotalAllocation string `json:"totalAllocation"`
	TotalFunded     string `json:"totalFunded"`
	TotalClaimed    string `json:"totalClaimed"`
	Active          bool   `json:"active"`
	Expiry          int64  `json:"expiry"`
	CreatedAt       int64  `json:"createdAt"`
}

func campaignToJSON(c *distribution.Campaign) campaignJSON {
	return campaignJSON{
		ID:              c.ID,
		Token:           c.Token,
		Root:            c.Root.Hex(),
		PropertyID:      c.PropertyID,
		TotalAllocation: c.TotalAllocation.String(),
		TotalFunded:     c.TotalFunded.String(),
		TotalClaimed:    c.TotalClaimed.String(),
		Active:          c.Active,
		Expiry:          c.Expiry,
		CreatedAt:       c.CreatedAt,
	}
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", value)
	}
	return common.HexToAddress(trimmed), nil
}

func parseHash(value string) (common.Hash, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if len(trimmed) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid 32-byte hex digest %q", value)
	}
	for _, c := range trimmed {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Hash{}, fmt.Errorf("invalid 32-byte hex digest %q", value)
		}
	}
	return common.HexToHash(trimmed), nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseProof(values []string) ([]common.Hash, error) {
	proof := make([]common.Hash, 0, len(values))
	for _, value := range values {
		digest, err := parseHash(value)
		if err != nil {
			return nil, err
		}
		proof = append(proof, digest)
	}
	return proof, nil
}

// errToCode maps engine failures onto the module's JSON-RPC error codes.
func errToCode(err error) (int, string) {
	switch {
	case errors.Is(err, distribution.ErrNotFound):
		return codeDistributionNotFound, "not_found"
	case errors.Is(err, distribution.ErrUnauthorized):
		return codeDistributionUnauthorized, "unauthorized"
	case errors.Is(err, distribution.ErrAlreadyClaimed),
		errors.Is(err, distribution.ErrNotWithdrawable),
		errors.Is(err, distribution.ErrCampaignInactive):
		return codeDistributionConflict, "conflict"
	case errors.Is(err, distribution.ErrInsufficientFunds):
		return codeDistributionInsufficient, "insufficient_funds"
	case errors.Is(err, distribution.ErrInvalidProof):
		return codeDistributionProofInvalid, "proof_invalid"
	case errors.Is(err, distribution.ErrInvalidToken),
		errors.Is(err, distribution.ErrInvalidRoot),
		errors.Is(err, distribution.ErrInvalidAmount),
		errors.Is(err, distribution.ErrInvalidExpiry):
		return codeDistributionInvalidParams, "invalid_params"
	case errors.Is(err, distribution.ErrReentrancy):
		return codeDistributionBusy, "busy"
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInvalidToken),
		errors.Is(err, token.ErrInvalidAmount):
		return codeDistributionTransferFailed, "transfer_failed"
	default:
		return codeDistributionInternal, "internal_error"
	}
}

func httpStatusFor(code int) int {
	switch code {
	case codeDistributionNotFound:
		return http.StatusNotFound
	case codeDistributionUnauthorized:
		return http.StatusForbidden
	case codeDistributionConflict, codeDistributionBusy:
		return http.StatusConflict
	case codeDistributionInvalidParams, codeDistributionProofInvalid:
		return http.StatusBadRequest
	case codeDistributionInsufficient, codeDistributionTransferFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	code, message := errToCode(err)
	writeError(w, httpStatusFor(code), id, code, message, err.Error())
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params createCampaignParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, root, allocation, err := parseCreateParams(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.engine.CreateCampaign(caller, params.Token, root, allocation, params.Expiry, params.PropertyID)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.CampaignCreated()
	writeResult(w, req.ID, campaignIDResult{CampaignID: id})
}

func parseCreateParams(params createCampaignParams) (common.Address, common.Hash, *big.Int, error) {
	caller, err := parseAddress(params.Caller)
	if err != nil {
		return common.Address{}, common.Hash{}, nil, err
	}
	root, err := parseHash(params.Root)
	if err != nil {
		return common.Address{}, common.Hash{}, nil, err
	}
	allocation, err := parseBigInt(params.TotalAllocation)
	if err != nil {
		return common.Address{}, common.Hash{}, nil, err
	}
	return caller, root, allocation, nil
}

func (s *Server) handleFundCampaign(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params fundCampaignParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.FundCampaign(caller, params.CampaignID, amount); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	amountF, _ := new(big.Float).SetInt(amount).Float64()
	if campaign, err := s.engine.GetCampaign(params.CampaignID); err == nil {
		s.metrics.ValueFunded(campaign.Token, amountF)
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleCreateAndFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params createAndFundParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, root, allocation, err := parseCreateParams(params.createCampaignParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.engine.CreateAndFund(caller, params.Token, root, allocation, params.Expiry, params.PropertyID, amount)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.CampaignCreated()
	amountF, _ := new(big.Float).SetInt(amount).Float64()
	if campaign, err := s.engine.GetCampaign(id); err == nil {
		s.metrics.ValueFunded(campaign.Token, amountF)
	}
	writeResult(w, req.ID, campaignIDResult{CampaignID: id})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params setActiveParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.SetActive(caller, params.CampaignID, params.Active); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleRotateRoot(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params rotateRootParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	newRoot, err := parseHash(params.NewRoot)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.RotateRoot(caller, params.CampaignID, newRoot); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleWithdrawUnclaimed(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params withdrawUnclaimedParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.WithdrawUnclaimed(caller, params.CampaignID, recipient, amount); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleEmergencyRecover(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params emergencyRecoverParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	recipient, err := parseAddress(params.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.EmergencyRecover(caller, params.Asset, recipient, amount); err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.allowClaim(r) {
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate_limited", "too many claim submissions")
		return
	}
	var params claimParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := parseAddress(params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	proof, err := parseProof(params.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Claim(params.CampaignID, params.LeafIndex, account, amount, proof); err != nil {
		_, reason := errToCode(err)
		s.metrics.ClaimRejected(reason)
		s.writeEngineError(w, req.ID, err)
		return
	}
	s.metrics.ClaimProcessed()
	if campaign, err := s.engine.GetCampaign(params.CampaignID); err == nil {
		amountF, _ := new(big.Float).SetInt(amount).Float64()
		s.metrics.ValueClaimed(campaign.Token, amountF)
	}
	writeResult(w, req.ID, okResult{OK: true})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params campaignIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	campaign, err := s.engine.GetCampaign(params.CampaignID)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, campaignToJSON(campaign))
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	params := listCampaignsParams{}
	if len(req.Params) == 1 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	campaigns, err := s.engine.ListCampaigns(params.Offset, params.Limit)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	out := make([]campaignJSON, 0, len(campaigns))
	for _, campaign := range campaigns {
		out = append(out, campaignToJSON(campaign))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleCampaignsForProperty(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params propertyParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	campaigns, err := s.engine.GetCampaignsForProperty(params.PropertyID)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	out := make([]campaignJSON, 0, len(campaigns))
	for _, campaign := range campaigns {
		out = append(out, campaignToJSON(campaign))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleIsClaimed(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params isClaimedParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeDistributionInvalidParams, "invalid_params", err.Error())
		return
	}
	claimed, err := s.engine.IsClaimed(params.CampaignID, params.LeafIndex)
	if err != nil {
		s.writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, isClaimedResult{Claimed: claimed})
}
