package interfaces

import "github.com/Aidin1998/cashspend/pkg/errors"

// Validation
var (
	ErrInvalidInput             = errors.Define(errors.ClassValidation, "InvalidInput")
	ErrEmptyInput               = errors.Define(errors.ClassValidation, "EmptyInput")
	ErrArrayLengthMismatch      = errors.Define(errors.ClassValidation, "ArrayLengthMismatch")
	ErrDuplicateElementFound    = errors.Define(errors.ClassValidation, "DuplicateElementFound")
	ErrAmountZero               = errors.Define(errors.ClassValidation, "AmountCannotBeZero")
	ErrInvalidAddress           = errors.Define(errors.ClassValidation, "InvalidAddress")
	ErrSpenderIsAccount         = errors.Define(errors.ClassValidation, "SpenderCannotBeAccount")
	ErrDailyLimitAboveMonthly   = errors.Define(errors.ClassValidation, "DailyLimitCannotBeGreaterThanMonthlyLimit")
	ErrInvalidTimezoneOffset    = errors.Define(errors.ClassValidation, "InvalidTimezoneOffset")
	ErrInvalidPercentage        = errors.Define(errors.ClassValidation, "InvalidPercentage")
	ErrInvalidDelay             = errors.Define(errors.ClassValidation, "InvalidDelay")
	ErrMissingTransactionID     = errors.Define(errors.ClassValidation, "MissingTransactionId")
	ErrInvalidSignatureEncoding = errors.Define(errors.ClassValidation, "InvalidSignatureEncoding")
)

// Authorization
var (
	ErrUnauthorized             = errors.Define(errors.ClassAuthorization, "Unauthorized")
	ErrInvalidSignatures        = errors.Define(errors.ClassAuthorization, "InvalidSignatures")
	ErrOnlyModule               = errors.Define(errors.ClassAuthorization, "OnlyWhitelistedModule")
	ErrOwnersCannotCancelModule = errors.Define(errors.ClassAuthorization, "OwnersCannotCancelModuleWithdrawal")
	ErrNotWithdrawalInitiator   = errors.Define(errors.ClassAuthorization, "OnlyInitiatingModuleCanCancel")
)

// State
var (
	ErrAccountNotFound           = errors.Define(errors.ClassState, "AccountNotFound")
	ErrAccountAlreadyExists      = errors.Define(errors.ClassState, "AccountAlreadyExists")
	ErrModeAlreadySet            = errors.Define(errors.ClassState, "ModeAlreadySet")
	ErrTransactionAlreadyCleared = errors.Define(errors.ClassState, "TransactionAlreadyCleared")
	ErrWithdrawalDoesNotExist    = errors.Define(errors.ClassState, "WithdrawalDoesNotExist")
	ErrCannotWithdrawYet         = errors.Define(errors.ClassState, "CannotWithdrawYet")
	ErrLimitAlreadyInitialized   = errors.Define(errors.ClassState, "SpendingLimitAlreadyInitialized")
)

// Economic
var (
	ErrInsufficientBalance                 = errors.Define(errors.ClassEconomic, "InsufficientBalance")
	ErrExceededDailySpendingLimit          = errors.Define(errors.ClassEconomic, "ExceededDailySpendingLimit")
	ErrExceededMonthlySpendingLimit        = errors.Define(errors.ClassEconomic, "ExceededMonthlySpendingLimit")
	ErrOnlyOneTokenAllowedInCreditMode     = errors.Define(errors.ClassEconomic, "OnlyOneTokenAllowedInCreditMode")
	ErrBorrowingsExceedMaxBorrowAfterSpend = errors.Define(errors.ClassEconomic, "BorrowingsExceedMaxBorrowAfterSpending")
	ErrAccountUnhealthy                    = errors.Define(errors.ClassEconomic, "AccountUnhealthy")
	ErrInsufficientLiquidity               = errors.Define(errors.ClassEconomic, "InsufficientLiquidity")
)

// Configuration
var (
	ErrUnsupportedToken                = errors.Define(errors.ClassConfiguration, "UnsupportedToken")
	ErrUnsupportedBorrowToken          = errors.Define(errors.ClassConfiguration, "UnsupportedBorrowToken")
	ErrCashbackTokenPriceNotConfigured = errors.Define(errors.ClassConfiguration, "CashbackTokenPriceNotConfigured")
	ErrInvalidBinSponsor               = errors.Define(errors.ClassConfiguration, "InvalidBinSponsor")
	ErrPriceNotAvailable               = errors.Define(errors.ClassConfiguration, "PriceNotAvailable")
)
