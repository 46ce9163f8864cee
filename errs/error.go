package errs

import (
	"errors"
	"fmt"
)

type PollErr struct {
	msg  string
	code int64
	err  error
}

// Error 输出格式：
// [错误码] 错误类型描述 ( => 包含错误详细描述 )
func (pe *PollErr) Error() string {
	details := fmt.Sprintf("[%d] %s", pe.code, pe.msg)
	if pe.err != nil {
		details += fmt.Sprintf(" => %s", pe.err)
	}

	return details
}

func (pe *PollErr) Code() int64 {
	return pe.code
}

// Unwrap keeps the backend status reachable through errors.Is / errors.As.
func (pe *PollErr) Unwrap() error {
	return pe.err
}

func (pe *PollErr) WithErr(err error) *PollErr {
	pe.err = err
	return pe
}

func GetCode(err error) int64 {
	var pe *PollErr
	if errors.As(err, &pe) {
		return pe.code
	}
	return UnknownErrCode
}

const (
	UnknownErrCode          = 0
	InvalidParamErrCode     = 100001
	BackendCreationErrCode  = 100002
	CapacityExceededErrCode = 100003
	BackendOperationErrCode = 100004
	StaleHandleErrCode      = 100005
	PollsetClosedErrCode    = 100006
	NotSupportedErrCode     = 100007
	LoadConfigErrCode       = 200001
	ListenErrCode           = 200002
	AcceptErrCode           = 200003
	ReadSocketErrCode       = 200004
	WriteSocketErrCode      = 200005
	ReactorClosedErrCode    = 200006
	MkdirErrCode            = 300001
	FileStatErrCode         = 300002
	FileNoPermissionErrCode = 300003
)

func NewUnknownErr() *PollErr {
	return &PollErr{msg: "unknown error", code: UnknownErrCode}
}

func NewInvalidParamErr() *PollErr {
	return &PollErr{msg: "invalid params", code: InvalidParamErrCode}
}

func NewBackendCreationErr() *PollErr {
	return &PollErr{msg: "create poll backend failed", code: BackendCreationErrCode}
}

func NewCapacityExceededErr() *PollErr {
	return &PollErr{msg: "pollset capacity exceeded", code: CapacityExceededErrCode}
}

func NewBackendOperationErr() *PollErr {
	return &PollErr{msg: "poll backend operation failed", code: BackendOperationErrCode}
}

func NewStaleHandleErr() *PollErr {
	return &PollErr{msg: "poll entry used after its cycle", code: StaleHandleErrCode}
}

func NewPollsetClosedErr() *PollErr {
	return &PollErr{msg: "pollset already destroyed", code: PollsetClosedErrCode}
}

func NewNotSupportedErr() *PollErr {
	return &PollErr{msg: "operation not supported", code: NotSupportedErrCode}
}

func NewLoadConfigErr() *PollErr {
	return &PollErr{msg: "load config failed", code: LoadConfigErrCode}
}

func NewListenErr() *PollErr {
	return &PollErr{msg: "listen socket failed", code: ListenErrCode}
}

func NewAcceptErr() *PollErr {
	return &PollErr{msg: "accept connection failed", code: AcceptErrCode}
}

func NewReadSocketErr() *PollErr {
	return &PollErr{msg: "read socket failed", code: ReadSocketErrCode}
}

func NewWriteSocketErr() *PollErr {
	return &PollErr{msg: "write socket failed", code: WriteSocketErrCode}
}

func NewReactorClosedErr() *PollErr {
	return &PollErr{msg: "reactor already closed", code: ReactorClosedErrCode}
}

func NewMkdirErr() *PollErr {
	return &PollErr{msg: "mkdir failed", code: MkdirErrCode}
}

func NewFileStatErr() *PollErr {
	return &PollErr{msg: "stat file failed", code: FileStatErrCode}
}

func NewFileNoPermissionErr() *PollErr {
	return &PollErr{msg: "no permission to access file", code: FileNoPermissionErrCode}
}
