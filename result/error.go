// Package result carries the closed set of negative result codes surfaced by
// branches, connections and transports, and the error type wrapping them.
package result

import (
	"errors"
	"fmt"
)

// Error is a result code with optional details. Two errors are considered
// equal by errors.Is when their codes match, so details never affect matching.
type Error struct {
	Code    Code
	Details string
}

func New(code Code) *Error {
	return &Error{
		Code:    code,
		Details: "",
	}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Details: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Code.Description()
	}
	return fmt.Sprintf("%s. %s", e.Code.Description(), e.Details)
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// FromError extracts the code from err; nil maps to CodeOK and foreign errors
// to CodeUnknown.
func FromError(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

var (
	ErrUnknown                  = New(CodeUnknown)
	ErrInvalidParam             = New(CodeInvalidParam)
	ErrCanceled                 = New(CodeCanceled)
	ErrBusy                     = New(CodeBusy)
	ErrTimeout                  = New(CodeTimeout)
	ErrBufferTooSmall           = New(CodeBufferTooSmall)
	ErrOpenSocketFailed         = New(CodeOpenSocketFailed)
	ErrBindSocketFailed         = New(CodeBindSocketFailed)
	ErrListenSocketFailed       = New(CodeListenSocketFailed)
	ErrSetSocketOptionFailed    = New(CodeSetSocketOptionFailed)
	ErrRwSocketFailed           = New(CodeRwSocketFailed)
	ErrConnectSocketFailed      = New(CodeConnectSocketFailed)
	ErrInvalidMagicPrefix       = New(CodeInvalidMagicPrefix)
	ErrIncompatibleVersion      = New(CodeIncompatibleVersion)
	ErrDeserializeMsgFailed     = New(CodeDeserializeMsgFailed)
	ErrAcceptSocketFailed       = New(CodeAcceptSocketFailed)
	ErrLoopbackConnection       = New(CodeLoopbackConnection)
	ErrPasswordMismatch         = New(CodePasswordMismatch)
	ErrNetNameMismatch          = New(CodeNetNameMismatch)
	ErrDuplicateBranchName      = New(CodeDuplicateBranchName)
	ErrDuplicateBranchPath      = New(CodeDuplicateBranchPath)
	ErrPayloadTooLarge          = New(CodePayloadTooLarge)
	ErrParsingJsonFailed        = New(CodeParsingJsonFailed)
	ErrParsingFileFailed        = New(CodeParsingFileFailed)
	ErrConfigNotValid           = New(CodeConfigNotValid)
	ErrTxQueueFull              = New(CodeTxQueueFull)
	ErrInvalidOperationId       = New(CodeInvalidOperationId)
	ErrOperationNotRunning      = New(CodeOperationNotRunning)
	ErrInvalidUserMsgpack       = New(CodeInvalidUserMsgpack)
	ErrJoinMulticastGroupFailed = New(CodeJoinMulticastGroupFailed)

	ErrEnumerateNetworkInterfacesFailed = New(CodeEnumerateNetworkInterfacesFailed)
)
