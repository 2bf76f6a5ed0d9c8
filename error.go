package relayer

import (
	"go.uber.org/zap"
)

// ErrorResp is the body of every non-2xx answer: {error, logs}. Code is the
// HTTP status and is not serialized.
type ErrorResp struct {
	Code    int      `json:"-"`
	Message string   `json:"error"`
	Logs    []string `json:"logs,omitempty"`

	fields []zap.Field `json:"-"`
}

func (e *ErrorResp) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
func (e *ErrorResp) ErrorCode() int {
	if e == nil {
		return 0
	}
	return e.Code
}
func toErrorResp(code int, msg string, fields ...zap.Field) *ErrorResp {
	return &ErrorResp{
		Code:    code,
		Message: msg,
		fields:  fields,
	}
}

const (
	errMsgMissingTransaction = "Missing transaction data"
	errMsgTooLarge           = "Transaction too large"
	errMsgInvalidEncoding    = "Invalid transaction encoding"
	errMsgInvalidTransaction = "Invalid transaction"
	errMsgNotFeePayer        = "Relayer is not a required signer of this transaction"
	errMsgSimulationFailed   = "Transaction simulation failed"
	errMsgRateLimited        = "Rate limit exceeded. Try again in 60 seconds."
	errMsgAccessDenied       = "Access denied"
	errMsgRPCOffline         = "RPC offline"
)
