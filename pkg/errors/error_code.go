package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter  ErrorCode = 100
	ErrCodeInvalidSignal     ErrorCode = 101
	ErrCodeInvalidOrder      ErrorCode = 102
	ErrCodeInvalidOrderRules ErrorCode = 103
	ErrCodeInvalidTakeProfit ErrorCode = 105
	ErrCodeInvalidStopLoss   ErrorCode = 106
	ErrCodeInsufficientData  ErrorCode = 107

	// Configuration errors (200-299)
	ErrCodeInvalidConfiguration ErrorCode = 200
	ErrCodeConfigNotFound       ErrorCode = 201
	ErrCodeConfigParseFailed    ErrorCode = 202
	ErrCodeNoBotsConfigured     ErrorCode = 203
	ErrCodeDuplicateBot         ErrorCode = 204

	// Strategy errors (300-399)
	ErrCodeStrategyNotFound      ErrorCode = 300
	ErrCodeStrategyAlreadyExists ErrorCode = 301
	ErrCodeStrategyEvaluation    ErrorCode = 302
	ErrCodePolicyNotFound        ErrorCode = 305

	// Market data errors (400-499)
	ErrCodeOutOfOrderBar  ErrorCode = 400
	ErrCodeDuplicateBar   ErrorCode = 401
	ErrCodeStreamClosed   ErrorCode = 402
	ErrCodeBarParseFailed ErrorCode = 404

	// Broker errors (500-599)
	ErrCodeBrokerSubmitFailed     ErrorCode = 500
	ErrCodeBrokerCancelFailed     ErrorCode = 501
	ErrCodeBrokerSubscribeFailed  ErrorCode = 502
	ErrCodeBrokerDisconnected     ErrorCode = 503
	ErrCodeBrokerRetriesExhausted ErrorCode = 504
	ErrCodeOrderNotFound          ErrorCode = 505

	// Order lifecycle errors (600-699)
	ErrCodeInvalidTransition ErrorCode = 600
	ErrCodeBracketExists     ErrorCode = 601
	ErrCodeNoPosition        ErrorCode = 602
	ErrCodeStateDivergence   ErrorCode = 603

	// Bot errors (700-799)
	ErrCodeBotStartFailed ErrorCode = 700
	ErrCodeBotPanicked    ErrorCode = 702
)
