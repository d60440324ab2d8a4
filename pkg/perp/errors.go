package perp

import "errors"

// Stable rejection codes. Operations abort with one of these (possibly
// wrapped with context); no partial state survives a failed operation.
var (
	// Registration.
	ErrDuplicateAsset      = errors.New("duplicate asset")
	ErrDuplicateMarketName = errors.New("duplicate market name")
	ErrAssetsFull          = errors.New("asset table full")
	ErrMarketsFull         = errors.New("market table full")

	// Derivation / authorization.
	ErrInvalidProgramSigner = errors.New("invalid program signer")
	ErrNotAllowed           = errors.New("not allowed")

	// Referential.
	ErrInvalidMint        = errors.New("invalid mint")
	ErrInvalidVault       = errors.New("invalid vault")
	ErrInvalidOracle      = errors.New("invalid oracle")
	ErrInvalidMagic       = errors.New("invalid magic")
	ErrInvalidAssetIndex  = errors.New("invalid asset index")
	ErrInvalidMarketIndex = errors.New("invalid market index")
	ErrInvalidUserState   = errors.New("invalid user state")
	ErrAlreadyInUse       = errors.New("already in use")

	// Capacity.
	ErrOrderSlotsFull    = errors.New("user order slots full")
	ErrPositionSlotsFull = errors.New("user position slots full")
	ErrAssetSlotsFull    = errors.New("user asset slots full")
	ErrOrderPoolFull     = errors.New("order pool full")
	ErrMatchQueueFull    = errors.New("match queue full")

	// Funding order.
	ErrSettlementAssetNotFunded = errors.New("settlement asset not funded")

	// Balances and liquidity.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInsufficientBalance   = errors.New("insufficient balance")

	// Arithmetic.
	ErrOverflow      = errors.New("arithmetic overflow")
	ErrZeroStaked    = errors.New("zero staked total")
	ErrZeroSupply    = errors.New("zero share supply")
	ErrInvalidAmount = errors.New("invalid amount")

	// Pricing and orders.
	ErrNoPriceYet             = errors.New("no price yet")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrPriceGTMarketPrice     = errors.New("price above market price")
	ErrPriceLTMarketPrice     = errors.New("price below market price")
	ErrInvalidLeverage        = errors.New("invalid leverage")
	ErrBelowMinimumOpenAmount = errors.New("below minimum open amount")
	ErrInvalidOrderSlot       = errors.New("invalid order slot")
	ErrNoMatchEvent           = errors.New("no match event")

	// Positions.
	ErrNoPosition            = errors.New("no position")
	ErrCloseSizeTooLarge     = errors.New("close size too large")
	ErrRequireNoLiquidation  = errors.New("position requires no liquidation")
	ErrUserStateAlreadyExist = errors.New("user state already exists")
)
