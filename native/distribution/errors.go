package distribution

import "errors"

var (
	ErrNotFound          = errors.New("distribution: campaign not found")
	ErrInvalidToken      = errors.New("distribution: invalid token")
	ErrInvalidRoot       = errors.New("distribution: root must be non-zero")
	ErrInvalidAmount     = errors.New("distribution: amount must be positive")
	ErrInvalidExpiry     = errors.New("distribution: expiry must not be negative")
	ErrCampaignInactive  = errors.New("distribution: campaign not active")
	ErrAlreadyClaimed    = errors.New("distribution: leaf index already claimed")
	ErrInvalidProof      = errors.New("distribution: proof does not match root")
	ErrInsufficientFunds = errors.New("distribution: insufficient unclaimed funds")
	ErrNotWithdrawable   = errors.New("distribution: campaign not withdrawable")
	ErrUnauthorized      = errors.New("distribution: caller is not the admin")
	ErrReentrancy        = errors.New("distribution: reentrant call rejected")

	errNilState  = errors.New("distribution: state not configured")
	errNilTokens = errors.New("distribution: token ledger not configured")
	errNoCustody = errors.New("distribution: custody account not configured")
)
