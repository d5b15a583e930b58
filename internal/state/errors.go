package state

import "errors"

// Sentinel errors for the clearing domain, grouped by taxonomy. Handlers wrap
// these with context via fmt.Errorf("%w", ...); callers classify with
// errors.Is. Any error aborts the whole instruction with no mutation applied.
var (
	// Authorization
	ErrUnauthorized = errors.New("unauthorized signer")

	// Configuration
	ErrFeeTooHigh           = errors.New("fee exceeds 1000 bps")
	ErrInvalidMarginParams  = errors.New("invalid margin parameters")
	ErrCollateralNotAllowed = errors.New("collateral asset not in allowed set")
	ErrCollateralNotFound   = errors.New("collateral asset not in set")
	ErrCollateralSetFull    = errors.New("allowed collateral set at capacity")
	ErrVersionMismatch      = errors.New("deal schema version mismatch")

	// State
	ErrAlreadySettled        = errors.New("deal already settled")
	ErrDealFrozen            = errors.New("deal is frozen")
	ErrDealNotFrozen         = errors.New("deal is not frozen")
	ErrMarketPaused          = errors.New("market is paused")
	ErrWrongSettlementKind   = errors.New("wrong settlement kind for this instruction")
	ErrTooEarlyToSettle      = errors.New("too early to settle")
	ErrNoSettlementPrice     = errors.New("no posted settlement price")
	ErrInvalidSettlementTime = errors.New("settlement time not in the future")

	// Consistency
	ErrConstraintMismatch = errors.New("cross-record constraint mismatch")
	ErrMarginUnderflow    = errors.New("recorded margin underflow")

	// Resource
	ErrZeroAmount                = errors.New("zero amount not allowed")
	ErrZeroQuantity              = errors.New("deal quantity must be positive")
	ErrInsufficientInitialMargin = errors.New("initial margin below requirement")
	ErrExcessiveQuantity         = errors.New("amount exceeds remaining deal quantity")

	// Duplicates
	ErrMarketExists    = errors.New("market already exists")
	ErrDealExists      = errors.New("deal already exists")
	ErrPoolExists      = errors.New("cross-margin account already exists")
	ErrWarehouseExists = errors.New("warehouse already registered for this authority")

	// Not found
	ErrMarketNotFound    = errors.New("market not found")
	ErrDealNotFound      = errors.New("deal not found")
	ErrPoolNotFound      = errors.New("cross-margin account not found")
	ErrWarehouseNotFound = errors.New("warehouse not found")
)
