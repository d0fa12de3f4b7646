package protocol

import (
	"errors"
	"fmt"
)

// ErrOutOfSequence reports a patch arriving out of order. The
// connection that observed it can no longer trust its view of the
// session and must close and re-establish.
var ErrOutOfSequence = errors.New("protocol: sequence out of order")

// SequenceError carries the expected and observed sequence numbers.
// It unwraps to ErrOutOfSequence.
type SequenceError struct {
	Want uint64
	Got  uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("protocol: expected sequence %d, got %d", e.Want, e.Got)
}

func (e *SequenceError) Unwrap() error {
	return ErrOutOfSequence
}

// SeqGuard validates the ordering contract on the receiving end of a
// connection: the sequence advances by exactly one per patch, so a gap
// or regression means messages were lost or reordered in transit.
//
// The zero value expects the first patch after the page-delivered
// baseline, which is sequence 1. A SeqGuard is owned by a single
// connection and is not safe for concurrent use.
type SeqGuard struct {
	last uint64
}

// Reset re-baselines the guard, as applied by a Render record.
func (g *SeqGuard) Reset(seq uint64) {
	g.last = seq
}

// Last returns the last accepted sequence number.
func (g *SeqGuard) Last() uint64 {
	return g.last
}

// Observe validates one incoming patch sequence and advances the
// guard. On failure the guard does not advance.
func (g *SeqGuard) Observe(seq uint64) error {
	if seq != g.last+1 {
		return &SequenceError{Want: g.last + 1, Got: seq}
	}
	g.last = seq
	return nil
}
