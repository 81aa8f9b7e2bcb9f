package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/exchange/driver"
	"github.com/polarsignals/exchange/internal/pages"
)

// pollValues polls source until n values were read.
func pollValues(t *testing.T, source *ExchangeSource, n int) []int64 {
	t.Helper()
	var vals []int64
	timeout := time.After(5 * time.Second)
	for len(vals) < n {
		readable := source.WaitForReading()
		p, err := source.PollPage()
		require.NoError(t, err)
		if p == nil {
			require.False(t, source.IsFinished(), "source finished after %d of %d values", len(vals), n)
			select {
			case <-readable.Done():
			case <-timeout:
				t.Fatalf("read %d of %d values", len(vals), n)
			}
			continue
		}
		vals = append(vals, pages.Int64s(p)...)
		p.Release()
	}
	return vals
}

type capturedResponse struct {
	resp *Response
	err  error
}

func fetchInto(ch chan<- capturedResponse) ResponseListener {
	return func(resp *Response, err error) {
		ch <- capturedResponse{resp: resp, err: err}
	}
}

func TestBasic(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	input := make([]arrow.Record, 7)
	for i := range input {
		input[i] = pages.SeqNos(mem, int64(i))
	}

	sinkHandler := NewSinkHandler(2)
	sink1 := sinkHandler.CreateExchangeSink()
	sink2 := sinkHandler.CreateExchangeSink()

	sourceHandler := NewSourceHandler(3, driver.GoExecutor, nil)
	source := sourceHandler.CreateExchangeSource()
	require.Equal(t, 2, sourceHandler.RefCount())
	sourceHandler.AddRemoteSink(NewLocalRemoteSink(context.Background(), sinkHandler), 1)
	require.Equal(t, 3, sourceHandler.RefCount())

	// Three pages fill the source buffer.
	require.True(t, sink1.WaitForWriting().IsDone())
	for _, p := range input[:3] {
		require.NoError(t, sink1.AddPage(p))
	}
	require.Eventually(t, func() bool {
		return source.BufferSize() == 3 && sinkHandler.BufferSize() == 0
	}, 5*time.Second, time.Millisecond)

	// Two more fill the sink buffer: five pages in flight.
	require.NoError(t, sink2.AddPage(input[3]))
	require.NoError(t, sink2.AddPage(input[4]))
	require.Equal(t, 2, sinkHandler.BufferSize())
	require.False(t, sink1.WaitForWriting().IsDone())
	require.False(t, sink2.WaitForWriting().IsDone())

	// Reading one page lets one page move across.
	require.Equal(t, []int64{0}, pollValues(t, source, 1))
	require.Eventually(t, func() bool {
		return source.BufferSize() == 3 && sinkHandler.BufferSize() == 1
	}, 5*time.Second, time.Millisecond)
	require.True(t, sink1.WaitForWriting().IsDone())

	require.Equal(t, []int64{1, 2, 3, 4}, pollValues(t, source, 4))
	require.Eventually(t, sinkHandler.HasListeners, 5*time.Second, time.Millisecond)

	require.NoError(t, sink1.AddPage(input[5]))
	require.NoError(t, sink2.AddPage(input[6]))
	sink1.Finish()
	require.False(t, sinkHandler.IsFinished())
	require.False(t, sink2.IsFinished())
	sink2.Finish()

	require.Equal(t, []int64{5, 6}, pollValues(t, source, 2))
	require.Eventually(t, source.IsFinished, 5*time.Second, time.Millisecond)
	require.True(t, sinkHandler.IsFinished())

	// The fetcher completed and dropped its reference.
	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 2 }, 5*time.Second, time.Millisecond)
	source.Finish()
	require.Equal(t, 1, sourceHandler.RefCount())

	completed := make(chan error, 1)
	sourceHandler.AddCompletionListener(func(err error) { completed <- err })
	select {
	case <-completed:
		t.Fatal("completed while referenced")
	default:
	}
	sourceHandler.DecRef()
	require.NoError(t, <-completed)
	require.Equal(t, 0, sourceHandler.RefCount())
	require.Error(t, sourceHandler.Context().Err())
}

func TestEarlyTerminate(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	sinkHandler := NewSinkHandler(2)
	sink := sinkHandler.CreateExchangeSink()
	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 1)))
	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 2)))
	require.False(t, sink.WaitForWriting().IsDone())

	responses := make(chan capturedResponse, 1)
	sinkHandler.FetchPageAsync(context.Background(), true, fetchInto(responses))
	r := <-responses
	require.NoError(t, r.err)
	require.True(t, r.resp.Finished())
	require.Nil(t, r.resp.Page())

	require.True(t, sink.WaitForWriting().IsDone())
	require.True(t, sink.IsFinished())

	// Late pages are dropped.
	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 3)))
	sink.Finish()
	require.ErrorIs(t, sink.AddPage(pages.SeqNos(mem, 4)), ErrSinkFinished)
}

func TestLastPageCarriesFinished(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	sinkHandler := NewSinkHandler(2)
	sink := sinkHandler.CreateExchangeSink()

	// A held request is served by the next page.
	responses := make(chan capturedResponse, 1)
	sinkHandler.FetchPageAsync(context.Background(), false, fetchInto(responses))
	require.True(t, sinkHandler.HasListeners())
	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 1)))
	r := <-responses
	require.NoError(t, r.err)
	require.False(t, r.resp.Finished())
	require.Equal(t, []int64{1}, pages.Int64s(r.resp.Page()))
	r.resp.Release()

	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 2)))
	sink.Finish()

	sinkHandler.FetchPageAsync(context.Background(), false, fetchInto(responses))
	r = <-responses
	require.NoError(t, r.err)
	require.True(t, r.resp.Finished())
	require.Equal(t, []int64{2}, pages.Int64s(r.resp.Page()))
	r.resp.Release()

	sinkHandler.FetchPageAsync(context.Background(), false, fetchInto(responses))
	r = <-responses
	require.NoError(t, r.err)
	require.True(t, r.resp.Finished())
	require.Nil(t, r.resp.Page())
}

func TestHeldRequestsServedInOrder(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	sinkHandler := NewSinkHandler(4)
	sink := sinkHandler.CreateExchangeSink()

	first, second := make(chan capturedResponse, 1), make(chan capturedResponse, 1)
	sinkHandler.FetchPageAsync(context.Background(), false, fetchInto(first))
	sinkHandler.FetchPageAsync(context.Background(), false, fetchInto(second))

	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 1)))
	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 2)))

	r := <-first
	require.Equal(t, []int64{1}, pages.Int64s(r.resp.Page()))
	r.resp.Release()
	r = <-second
	require.Equal(t, []int64{2}, pages.Int64s(r.resp.Page()))
	r.resp.Release()
	sink.Finish()
}

func TestHeldRequestCancelled(t *testing.T) {
	sinkHandler := NewSinkHandler(2)
	sink := sinkHandler.CreateExchangeSink()
	defer sink.Finish()

	ctx, cancel := context.WithCancelCause(context.Background())
	responses := make(chan capturedResponse, 1)
	sinkHandler.FetchPageAsync(ctx, false, fetchInto(responses))
	require.True(t, sinkHandler.HasListeners())

	cause := errors.New("requester went away")
	cancel(cause)
	r := <-responses
	require.ErrorIs(t, r.err, cause)
	require.False(t, sinkHandler.HasListeners())
}

func TestSinkHandlerFail(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	sinkHandler := NewSinkHandler(1)
	sink := sinkHandler.CreateExchangeSink()
	require.NoError(t, sink.AddPage(pages.SeqNos(mem, 1)))

	completed := make(chan error, 1)
	sinkHandler.AddCompletionListener(func(err error) { completed <- err })

	boom := errors.New("boom")
	sinkHandler.Fail(boom)
	require.ErrorIs(t, <-completed, boom)
	require.False(t, sinkHandler.HasData())
	require.True(t, sink.IsFinished())

	responses := make(chan capturedResponse, 1)
	sinkHandler.FetchPageAsync(context.Background(), false, fetchInto(responses))
	require.ErrorIs(t, (<-responses).err, boom)

	// A listener added after completion runs immediately.
	sinkHandler.AddCompletionListener(func(err error) { completed <- err })
	require.ErrorIs(t, <-completed, boom)
}

func TestSourceFailure(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	boom := errors.New("boom")
	sourceHandler := NewSourceHandler(2, driver.GoExecutor, nil)
	source := sourceHandler.CreateExchangeSource()
	readable := source.WaitForReading()

	calls := 0
	sourceHandler.AddRemoteSink(RemoteSinkFunc(func(allSourcesFinished bool, listener ResponseListener) {
		calls++
		if calls == 1 {
			listener(NewResponse(pages.SeqNos(mem, 1), false), nil)
			return
		}
		listener(nil, boom)
	}), 1)

	require.Eventually(t, readable.IsDone, 5*time.Second, time.Millisecond)
	_, err := source.PollPage()
	require.ErrorIs(t, err, boom)
	require.False(t, source.IsFinished())

	require.Eventually(t, func() bool { return sourceHandler.RefCount() == 2 }, 5*time.Second, time.Millisecond)
	source.Finish()

	completed := make(chan error, 1)
	sourceHandler.AddCompletionListener(func(err error) { completed <- err })
	sourceHandler.DecRef()
	require.ErrorIs(t, <-completed, boom)
	require.ErrorIs(t, context.Cause(sourceHandler.Context()), boom)
}

func TestFailureFinishesOtherRemoteSinks(t *testing.T) {
	boom := errors.New("boom")
	sourceHandler := NewSourceHandler(2, driver.GoExecutor, nil)

	finishedSeen := make(chan bool, 1)
	held := make(chan ResponseListener, 1)
	sourceHandler.AddRemoteSink(RemoteSinkFunc(func(allSourcesFinished bool, listener ResponseListener) {
		if allSourcesFinished {
			finishedSeen <- true
			listener(NewResponse(nil, true), nil)
			return
		}
		// Answered once the other remote sink failed.
		held <- listener
	}), 1)

	listener := <-held
	sourceHandler.onFailure(boom)
	// The page arrives too late and is dropped.
	listener(NewResponse(pages.SeqNos(memory.DefaultAllocator, 1), false), nil)
	require.True(t, <-finishedSeen)

	require.ErrorIs(t, sourceHandler.Failure(), boom)
}
