package exchange

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Response answers one fetch of a sink handler. It carries a page, the
// finished flag, or both; a response with neither is never produced.
type Response struct {
	page     arrow.Record
	finished bool
}

// NewResponse takes ownership of p.
func NewResponse(p arrow.Record, finished bool) *Response {
	return &Response{page: p, finished: finished}
}

// Finished reports whether the sink handler has no more pages.
func (r *Response) Finished() bool { return r.finished }

// Page returns the page without transferring ownership.
func (r *Response) Page() arrow.Record { return r.page }

// TakePage transfers ownership of the page to the caller.
func (r *Response) TakePage() arrow.Record {
	p := r.page
	r.page = nil
	return p
}

// Release releases a page that was not taken. It is safe to call more than
// once.
func (r *Response) Release() {
	if r.page != nil {
		r.page.Release()
		r.page = nil
	}
}

// ResponseListener receives either a response or the failure of a fetch.
type ResponseListener func(resp *Response, err error)

// RemoteSink fetches pages from a sink handler, possibly on another node.
type RemoteSink interface {
	// FetchPageAsync requests the next page. With allSourcesFinished the
	// sink handler is told that no more pages are wanted.
	FetchPageAsync(allSourcesFinished bool, listener ResponseListener)
}

type RemoteSinkFunc func(allSourcesFinished bool, listener ResponseListener)

func (f RemoteSinkFunc) FetchPageAsync(allSourcesFinished bool, listener ResponseListener) {
	f(allSourcesFinished, listener)
}
