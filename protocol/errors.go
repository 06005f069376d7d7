package protocol

import (
	"errors"
	"fmt"
)

// 错误码：命令级错误只回给发送方，不会变成全局失败
const (
	ErrParse       = "E_PARSE"
	ErrNotJoined   = "E_NOT_JOINED"
	ErrNameTaken   = "E_NAME_TAKEN"
	ErrInvalidChat = "E_INVALID_CHAT"
	ErrTimeout     = "E_TIMEOUT"
	ErrIntegrity   = "E_INTEGRITY"
	ErrTransport   = "E_TRANSPORT"
	ErrRateLimited = "E_RATE_LIMITED"
	ErrNotFound    = "E_NOT_FOUND"
)

var knownCodes = map[string]struct{}{
	ErrParse:       {},
	ErrNotJoined:   {},
	ErrNameTaken:   {},
	ErrInvalidChat: {},
	ErrTimeout:     {},
	ErrIntegrity:   {},
	ErrTransport:   {},
	ErrRateLimited: {},
	ErrNotFound:    {},
}

func IsKnownCode(code string) bool {
	_, ok := knownCodes[code]
	return ok
}

// Error 带错误码的命令错误
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode 判断 err 链上是否有指定错误码
func IsCode(err error, code string) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// AsError 把任意错误转成 *Error，未知错误归为 E_INTEGRITY
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: ErrIntegrity, Message: err.Error()}
}
