package engine

// Code is a stable, wire-facing error identifier carried by MsgError
type Code string

func (c Code) Error() string { return string(c) }

const (
	CodeUnknownMessage Code = "unknown_message"
	CodeInvalidPayload Code = "invalid_payload"
	CodeInvalidParams  Code = "invalid_params"
	CodeBusy           Code = "busy"
	CodeTooLarge       Code = "too_large"
	CodeInternal       Code = "internal"
)

// Of extracts a Code from an error, defaulting to CodeInternal
func Of(err error) Code {
	if err == nil {
		return ""
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return CodeInternal
}
