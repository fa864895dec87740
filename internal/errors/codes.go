// Package errors provides structured error handling for the chat SDK.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Payload errors
	CodeInvalidPayload Code = "INVALID_PAYLOAD"

	// Thread errors
	CodeInvalidParticipants Code = "INVALID_PARTICIPANTS"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"

	// Session errors
	CodeRemoteWriteFailed Code = "REMOTE_WRITE_FAILED"
	CodeConnectFailed     Code = "CONNECT_FAILED"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
)
