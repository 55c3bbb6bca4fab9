package rdma

import (
	"errors"
	"fmt"

	"github.com/yuuki/rshmem/internal/wire"
)

var (
	// ErrPollTimeout is returned when a completion does not arrive before the
	// poll deadline. The queue pair is broken afterwards.
	ErrPollTimeout = errors.New("completion poll timed out")
	// ErrQueuePairBroken is returned by every operation on a queue pair whose
	// completion ring stopped making progress.
	ErrQueuePairBroken = errors.New("queue pair is broken")
	// ErrUnknownQueuePair is returned for a (peer, qp) pair outside the table.
	ErrUnknownQueuePair = errors.New("unknown queue pair")
	// ErrMessageTooLarge is returned when a transfer exceeds the message limit.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	// ErrTargetBeyondHead is returned when a poll target lies past the last
	// posted entry and could never be reached.
	ErrTargetBeyondHead = errors.New("poll target beyond send queue head")
	// ErrRingCorrupted is returned when head and tail disagree by more than the ring depth.
	ErrRingCorrupted = errors.New("ring indices corrupted")
	// ErrInvalidQueuePair is returned when a queue pair context fails validation.
	ErrInvalidQueuePair = errors.New("invalid queue pair context")
)

// Status is a completion status code, numbered like ibverbs work completion status.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusLocalLength
	StatusLocalQPOperation
	StatusLocalEECOperation
	StatusLocalProtection
	StatusFlush
	StatusMemoryWindowBind
	StatusBadResponse
	StatusLocalAccess
	StatusRemoteInvalidRequest
	StatusRemoteAccess
	StatusRemoteOperation
	StatusRetryExceeded
	StatusRNRRetryExceeded
)

var statusNames = [...]string{
	StatusSuccess:              "success",
	StatusLocalLength:          "local length error",
	StatusLocalQPOperation:     "local QP operation error",
	StatusLocalEECOperation:    "local EE context operation error",
	StatusLocalProtection:      "local protection error",
	StatusFlush:                "work request flushed",
	StatusMemoryWindowBind:     "memory window bind error",
	StatusBadResponse:          "bad response",
	StatusLocalAccess:          "local access error",
	StatusRemoteInvalidRequest: "remote invalid request",
	StatusRemoteAccess:         "remote access error",
	StatusRemoteOperation:      "remote operation error",
	StatusRetryExceeded:        "transport retry counter exceeded",
	StatusRNRRetryExceeded:     "RNR retry counter exceeded",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// StatusError reports the first failed completion seen while draining a
// completion queue. Later completions in the same drain were still consumed.
type StatusError struct {
	Peer   uint32
	QP     uint32
	WQN    uint32
	Index  uint32
	Status Status
	Opcode wire.Opcode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion error on peer %d qp %d (wqn 0x%x, index %d, %s): %s (%d)",
		e.Peer, e.QP, e.WQN, e.Index, e.Opcode, e.Status, uint8(e.Status))
}
