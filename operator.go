package exchange

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/polarsignals/exchange/driver"
)

// Transformer rewrites a page before it is written to an exchange sink. It
// takes ownership of its input.
type Transformer func(p arrow.Record) (arrow.Record, error)

// SinkOperator writes the pages of a driver into an exchange sink.
type SinkOperator struct {
	sink      *ExchangeSink
	transform Transformer
}

var _ driver.SinkOperator = (*SinkOperator)(nil)

// NewSinkOperator returns an operator writing into sink; transform may be
// nil.
func NewSinkOperator(sink *ExchangeSink, transform Transformer) *SinkOperator {
	return &SinkOperator{sink: sink, transform: transform}
}

func (o *SinkOperator) NeedsInput() bool {
	return !o.sink.IsFinished() && o.sink.WaitForWriting().IsDone()
}

func (o *SinkOperator) AddInput(p arrow.Record) error {
	if o.transform != nil {
		var err error
		if p, err = o.transform(p); err != nil {
			return err
		}
	}
	return o.sink.AddPage(p)
}

func (o *SinkOperator) Finish()          { o.sink.Finish() }
func (o *SinkOperator) IsFinished() bool { return o.sink.IsFinished() }

func (o *SinkOperator) IsBlocked() *driver.Signal {
	return o.sink.WaitForWriting()
}

func (o *SinkOperator) Close() { o.sink.Finish() }

// SourceOperator reads the pages of an exchange source into a driver.
type SourceOperator struct {
	source *ExchangeSource
}

var _ driver.SourceOperator = (*SourceOperator)(nil)

func NewSourceOperator(source *ExchangeSource) *SourceOperator {
	return &SourceOperator{source: source}
}

func (o *SourceOperator) GetOutput() (arrow.Record, error) {
	return o.source.PollPage()
}

func (o *SourceOperator) Finish()          { o.source.Finish() }
func (o *SourceOperator) IsFinished() bool { return o.source.IsFinished() }

func (o *SourceOperator) IsBlocked() *driver.Signal {
	return o.source.WaitForReading()
}

func (o *SourceOperator) Close() { o.source.Finish() }
