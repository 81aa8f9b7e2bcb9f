package driver

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// SourceOperator produces pages at the start of a chain.
type SourceOperator interface {
	// GetOutput returns the next page or nil when none is ready. Ownership of
	// the page moves to the caller.
	GetOutput() (arrow.Record, error)
	// Finish tells the operator that no more output is wanted.
	Finish()
	IsFinished() bool
	// IsBlocked returns a signal that completes when the operator may be able
	// to make progress again.
	IsBlocked() *Signal
	Close()
}

// SinkOperator consumes pages at the end of a chain.
type SinkOperator interface {
	NeedsInput() bool
	// AddInput takes ownership of p, also when it fails.
	AddInput(p arrow.Record) error
	// Finish signals that no more input will be added.
	Finish()
	IsFinished() bool
	IsBlocked() *Signal
	Close()
}

// Operator is an intermediate step: it consumes and produces pages.
type Operator interface {
	SourceOperator
	NeedsInput() bool
	AddInput(p arrow.Record) error
}

// operator is the union view the driver uses for every position in a chain.
type operator interface {
	NeedsInput() bool
	AddInput(p arrow.Record) error
	GetOutput() (arrow.Record, error)
	Finish()
	IsFinished() bool
	IsBlocked() *Signal
	Close()
}

type sourceAdapter struct {
	SourceOperator
}

func (sourceAdapter) NeedsInput() bool { return false }

func (sourceAdapter) AddInput(p arrow.Record) error {
	p.Release()
	panic("bug in driver! source operator does not accept input")
}

type sinkAdapter struct {
	SinkOperator
}

func (sinkAdapter) GetOutput() (arrow.Record, error) {
	panic("bug in driver! sink operator does not produce output")
}
