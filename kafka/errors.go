package kafka

import (
	"errors"
	"fmt"
)

// CommitError wraps a broker-reported failure for a commit request.
type CommitError struct {
	Cause error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.Cause)
}

func (e *CommitError) Unwrap() error {
	return e.Cause
}

func NewCommitError(cause error) error {
	return &CommitError{Cause: cause}
}

func AsCommitError(err error) (*CommitError, bool) {
	var ce *CommitError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// StaleCommitError reports a commit attempted for a partition this consumer
// no longer owns. The progress was not recorded.
type StaleCommitError struct {
	Partition TopicPartition
}

func (e *StaleCommitError) Error() string {
	return fmt.Sprintf("commit for %s: partition no longer assigned to this consumer", e.Partition)
}

func NewStaleCommitError(tp TopicPartition) error {
	return &StaleCommitError{Partition: tp}
}

func AsStaleCommitError(err error) (*StaleCommitError, bool) {
	var se *StaleCommitError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// FatalError marks an unrecoverable client failure. It tears down the
// owning Control and fails every stage sharing that client.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal client error: %v", e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

func NewFatalError(cause error) error {
	return &FatalError{Cause: cause}
}

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// CallbackError wraps a failure of a caller-supplied hook, such as a
// manual-offset resolver that returned an error or timed out.
type CallbackError struct {
	Hook  string
	Cause error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s callback failed: %v", e.Hook, e.Cause)
}

func (e *CallbackError) Unwrap() error {
	return e.Cause
}

func NewCallbackError(hook string, cause error) error {
	return &CallbackError{Hook: hook, Cause: cause}
}

func AsCallbackError(err error) (*CallbackError, bool) {
	var ce *CallbackError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// ProduceError wraps a failed send, keeping the record that failed.
type ProduceError struct {
	Record ProducerRecord
	Cause  error
}

func (e *ProduceError) Error() string {
	return fmt.Sprintf("produce to %s failed: %v", e.Record.Topic, e.Cause)
}

func (e *ProduceError) Unwrap() error {
	return e.Cause
}

func NewProduceError(record ProducerRecord, cause error) error {
	return &ProduceError{Record: record, Cause: cause}
}

func AsProduceError(err error) (*ProduceError, bool) {
	var pe *ProduceError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
