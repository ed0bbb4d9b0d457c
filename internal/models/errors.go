package models

import "errors"

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrUserNotParticipant   = errors.New("user is not a participant")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidReply         = errors.New("reply target is not in this conversation")
	ErrAlreadyDeleted       = errors.New("message already deleted")
	ErrUnknownParticipant   = errors.New("unknown participant")
	ErrInvalidRequest       = errors.New("invalid request")

	// ErrRetryable marks transient persistence failures; the whole command
	// may be retried by the client.
	ErrRetryable = errors.New("temporary failure, retry")
)
