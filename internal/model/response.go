package model

// BasicResponse is the JSON envelope every endpoint answers with.
type BasicResponse struct {
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

const (
	SuccessCode = "000000"
	ErrorCode   = "999999"
)

// Success wraps data with a success code.
func Success(msg string, data any) BasicResponse {
	return BasicResponse{
		Code: SuccessCode,
		Msg:  msg,
		Data: data,
	}
}

// Error returns a BasicResponse with the default error code.
func Error(msg string) BasicResponse {
	return BasicResponse{
		Code: ErrorCode,
		Msg:  msg,
	}
}

// ErrorWithCode attaches a machine readable error code and optional details.
func ErrorWithCode(code, msg string, data any) BasicResponse {
	return BasicResponse{
		Code:  ErrorCode,
		Msg:   msg,
		Error: code,
		Data:  data,
	}
}
