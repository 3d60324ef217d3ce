package repo

import (
	"errors"
	"fmt"

	"github.com/iykyk-syn/bec"
	"github.com/iykyk-syn/bec/message"
)

var (
	// ErrDuplicateMessage is reported when the inserted message is already known.
	// Callers syncing with peers may treat it as success.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrDuplicateLabel is reported when the label of an inserted message is used by another message.
	ErrDuplicateLabel = errors.New("duplicate label")
	// ErrLabelConflict is reported by reconciliation when repositories bind a label to different messages.
	ErrLabelConflict = errors.New("label conflict")
	// ErrInvalidMessage is reported by reconciliation for messages that cannot be attributed to a known principal.
	ErrInvalidMessage = errors.New("invalid message")
)

type DuplicateMessageError struct {
	Digest message.Digest
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateMessage, e.Digest)
}

func (e *DuplicateMessageError) Unwrap() error {
	return ErrDuplicateMessage
}

type DuplicateLabelError struct {
	Label string
	// Digest of the message already holding the label.
	Digest message.Digest
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("%s: %q is used by %s", ErrDuplicateLabel, e.Label, e.Digest)
}

func (e *DuplicateLabelError) Unwrap() error {
	return ErrDuplicateLabel
}

type LabelConflictError struct {
	Label string
	// Digests the label is bound to, in canonical order.
	Digests [2]message.Digest
}

func (e *LabelConflictError) Error() string {
	return fmt.Sprintf("%s: %q is bound to %s and %s", ErrLabelConflict, e.Label, e.Digests[0], e.Digests[1])
}

func (e *LabelConflictError) Unwrap() error {
	return ErrLabelConflict
}

type InvalidMessageError struct {
	Digest message.Digest
	Signer bec.PrincipalID
	Err    error
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("%s(%s) from principal(%s): %s", ErrInvalidMessage, e.Digest, e.Signer, e.Err)
}

func (e *InvalidMessageError) Unwrap() []error {
	return []error{ErrInvalidMessage, e.Err}
}
