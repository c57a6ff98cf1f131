package rewards

import "errors"

var (
	ErrZeroAddress               = errors.New("rewards: zero address")
	ErrUnknownMarket             = errors.New("rewards: unknown market")
	ErrMarketAlreadyInitialized  = errors.New("rewards: market already initialized")
	ErrDuplicateMarket           = errors.New("rewards: duplicate market")
	ErrUnknownRewardToken        = errors.New("rewards: unknown reward token")
	ErrRewardTokenAlreadyAdded   = errors.New("rewards: reward token already added")
	ErrAboveMaxRewardTokens      = errors.New("rewards: too many reward tokens")
	ErrAboveMaxInflationRate     = errors.New("rewards: inflation rate above maximum")
	ErrInvalidReductionFactor    = errors.New("rewards: reduction factor out of bounds")
	ErrInvalidMaxMultiplier      = errors.New("rewards: max reward multiplier out of bounds")
	ErrInvalidSmoothingValue     = errors.New("rewards: smoothing value out of bounds")
	ErrIncorrectWeightsCount     = errors.New("rewards: markets and weights differ in length")
	ErrIncorrectWeightsSum       = errors.New("rewards: weights must sum to 10000 bps")
	ErrPositionAlreadyRegistered = errors.New("rewards: position already registered")
	ErrRewardTokenPaused         = errors.New("rewards: reward token already paused")
	ErrRewardTokenNotPaused      = errors.New("rewards: reward token not paused")
)
