package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"subaccount-core/internal/service"
	"subaccount-core/pkg/errno"
)

// Response defines the standard JSON structure
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// Success returns a success response with data
func Success(c *gin.Context, data interface{}) {
	if data == nil {
		data = gin.H{} // Return empty object instead of null
	}
	c.JSON(http.StatusOK, Response{
		Code:    errno.OK.Code,
		Message: errno.OK.Message,
		Data:    data,
	})
}

// Error returns an error response
func Error(c *gin.Context, err error) {
	code, msg := errno.Decode(FromError(err))
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: msg,
		Data:    gin.H{},
	})
}

// FromError 业务错误映射为错误码, 未知错误不向调用方暴露细节
func FromError(err error) error {
	var (
		en   errno.Errno
		verr *service.ValidationError
	)
	switch {
	case errors.As(err, &en):
		return en
	case errors.As(err, &verr):
		return errno.ErrValidation.WithMessage(verr.Error())
	case errors.Is(err, service.ErrValidation):
		return errno.ErrValidation
	case errors.Is(err, service.ErrWithdrawalBusy):
		return errno.ErrWithdrawalBusy
	case errors.Is(err, service.ErrInsufficientBalance):
		return errno.ErrInsufficientBalance
	case errors.Is(err, service.ErrWithdrawalStuck):
		return errno.ErrWithdrawalStuck
	case errors.Is(err, service.ErrTransferFailed):
		return errno.ErrTransferFailed
	case errors.Is(err, service.ErrNoSubAccount):
		return errno.ErrSubAccountNotFound
	case errors.Is(err, service.ErrExchangeUnavailable), errors.Is(err, service.ErrBalanceSyncFailed):
		return errno.ErrExchangeUnavailable
	default:
		return errno.InternalServerError
	}
}
