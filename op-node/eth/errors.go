package eth

import "fmt"

// ErrorCode identifies the JSON-RPC application-level error returned by the execution
// client's Engine API, distinct from transport-level (network) failures.
type ErrorCode int

const (
	InvalidForkchoiceState ErrorCode = -38002
	InvalidPayloadAttributes ErrorCode = -38003
)

// InputError is returned by Engine API calls when the request was rejected by the
// execution client as malformed or inconsistent with its own state, as opposed to a
// transient network failure.
type InputError struct {
	Inner error
	Code  ErrorCode
}

func (ie InputError) Error() string {
	return fmt.Sprintf("input error %d: %s", ie.Code, ie.Inner.Error())
}

func (ie InputError) Unwrap() error {
	return ie.Inner
}

func NewPayloadErr(payload *ExecutionPayload, status PayloadStatusV1) error {
	msg := "unknown error"
	if status.ValidationError != nil {
		msg = *status.ValidationError
	}
	return fmt.Errorf("new payload (block %s, number %d) was %s: %s",
		payload.BlockHash, uint64(payload.BlockNumber), status.Status, msg)
}

func ForkchoiceUpdateErr(status PayloadStatusV1) error {
	msg := "unknown error"
	if status.ValidationError != nil {
		msg = *status.ValidationError
	}
	return fmt.Errorf("forkchoice update was %s: %s", status.Status, msg)
}
