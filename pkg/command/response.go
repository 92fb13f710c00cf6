package command

// ResultCode is the outcome reported back to the transport.
type ResultCode int

const (
	ResultOk ResultCode = iota
	ResultUnauthorized
	ResultBadRequest
	ResultError
)

func (r ResultCode) String() string {
	switch r {
	case ResultOk:
		return "Ok"
	case ResultUnauthorized:
		return "Unauthorized"
	case ResultBadRequest:
		return "BadRequest"
	case ResultError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Response is the well-formed answer to every gateway call.
type Response struct {
	Result  ResultCode `cbor:"result"`
	Message string     `cbor:"message,omitempty"`
	Data    []Payload  `cbor:"data,omitempty"`
}

// Ok returns a successful response wrapping data.
func Ok(data ...Payload) *Response {
	return &Response{Result: ResultOk, Data: data}
}

// Unauthorized returns the response for a missing or invalid token.
func Unauthorized() *Response {
	return &Response{Result: ResultUnauthorized, Message: "unauthorized"}
}

// BadRequest returns a response carrying err's message.
func BadRequest(err error) *Response {
	msg := "bad request"
	if err != nil {
		msg = err.Error()
	}
	return &Response{Result: ResultBadRequest, Message: msg}
}

// Error returns a response for an error reported by a downstream service.
func Error(message string, data ...Payload) *Response {
	return &Response{Result: ResultError, Message: message, Data: data}
}

// IsOk reports whether the response succeeded.
func (r *Response) IsOk() bool {
	return r != nil && r.Result == ResultOk
}
