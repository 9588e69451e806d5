package ledger

const (
	operationSpend      = "spend"
	operationDailyBonus = "daily_bonus"
	operationGrant      = "grant"
	operationRefund     = "refund"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	idempotencyKeyDelimiter = ":"
	idempotencyPrefixDaily  = "daily-login"
	idempotencyPrefixRefund = "refund"

	// CategoryDailyLogin classifies the once-per-day login bonus.
	CategoryDailyLogin Category = "daily-login"
	// CategoryRefund classifies corrections of earlier spends.
	CategoryRefund Category = "refund"

	dailyBonusAmount     Credits    = 1
	dailyBonusCreditType CreditType = CreditTypeSCRD
	dailyBonusDayLayout             = "2006-01-02"

	// DefaultHistoryLimit applies when callers pass a non-positive limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit bounds a single history page.
	MaxHistoryLimit = 200

	auditPageSize = MaxHistoryLimit
)
