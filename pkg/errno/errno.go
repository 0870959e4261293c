package errno

// Errno defines the error code logic
type Errno struct {
	Code    int
	Message string
}

func (e Errno) Error() string {
	return e.Message
}

// WithMessage 复制一份错误码并替换提示信息 (用于返回可操作的校验提示)
func (e Errno) WithMessage(msg string) Errno {
	return Errno{Code: e.Code, Message: msg}
}

// Decode tries to convert an error to Errno
func Decode(err error) (int, string) {
	if err == nil {
		return OK.Code, OK.Message
	}

	switch typed := err.(type) {
	case *Errno:
		return typed.Code, typed.Message
	case Errno:
		return typed.Code, typed.Message
	default:
		return InternalServerError.Code, err.Error()
	}
}

// Common Errors
var (
	OK                  = Errno{Code: 0, Message: "Success"}
	InternalServerError = Errno{Code: 10001, Message: "Internal server error"}
	ErrBind             = Errno{Code: 10002, Message: "Error occurred while binding the request body to the struct"}
	ErrTokenInvalid     = Errno{Code: 10003, Message: "Token invalid"}
	ErrDatabase         = Errno{Code: 10004, Message: "Database error"}
)

// Business Errors (20000+)
var (
	ErrValidation          = Errno{Code: 20001, Message: "Invalid request"}
	ErrExchangeUnavailable = Errno{Code: 20101, Message: "Please try after some time!"}
	ErrSubAccountNotFound  = Errno{Code: 20102, Message: "Sub account not found"}
	ErrInsufficientBalance = Errno{Code: 20201, Message: "Insufficient Balance"}
	ErrTransferFailed      = Errno{Code: 20202, Message: "Withdraw request failed. Please try after some time!"}
	ErrWithdrawalStuck     = Errno{Code: 20203, Message: "Withdrawal is being processed, our support team will contact you"}
	ErrWithdrawalBusy      = Errno{Code: 20204, Message: "Another withdrawal for this asset is in progress"}
)
