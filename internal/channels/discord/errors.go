package discord

import "fmt"

// ChannelError is an adapter failure with a stable code.
type ChannelError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ChannelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("discord: %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("discord: %s: %s", e.Code, e.Message)
}

func (e *ChannelError) Unwrap() error { return e.Cause }

func errConfig(msg string) error {
	return &ChannelError{Code: "config", Message: msg}
}

func errConnection(msg string, cause error) error {
	return &ChannelError{Code: "connection", Message: msg, Cause: cause}
}
