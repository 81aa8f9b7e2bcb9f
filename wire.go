package exchange

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/polarsignals/exchange/page"
	"github.com/polarsignals/exchange/tasks"
)

// ExchangeActionName is the transport action serving page fetches.
const ExchangeActionName = "internal:data/read/exchange"

// CancelChildrenActionName is the transport action cancelling the fetches a
// node serves on behalf of a task.
const CancelChildrenActionName = "internal:exchange/cancel-children"

// Field numbers of the messages in proto/exchange/v1/exchange.proto.
const (
	requestExchangeID      protowire.Number = 1
	requestSourcesFinished protowire.Number = 2

	responseFinished protowire.Number = 1
	responsePage     protowire.Number = 2

	cancelParent protowire.Number = 1
	cancelReason protowire.Number = 2

	cancelledCount protowire.Number = 1
)

// FetchRequest asks a sink handler for its next page.
type FetchRequest struct {
	ExchangeID      string
	SourcesFinished bool
}

func (r FetchRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, requestExchangeID, protowire.BytesType)
	b = protowire.AppendString(b, r.ExchangeID)
	if r.SourcesFinished {
		b = protowire.AppendTag(b, requestSourcesFinished, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func UnmarshalFetchRequest(b []byte) (FetchRequest, error) {
	var r FetchRequest
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == requestExchangeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.ExchangeID = v
			return n
		case num == requestSourcesFinished && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.SourcesFinished = protowire.DecodeBool(v)
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return FetchRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.ExchangeID == "" {
		return FetchRequest{}, fmt.Errorf("%w: missing exchange id", ErrInvalidRequest)
	}
	return r, nil
}

// MarshalResponse encodes resp. The page stays owned by resp.
func MarshalResponse(resp *Response, mem memory.Allocator) ([]byte, error) {
	var b []byte
	if resp.Finished() {
		b = protowire.AppendTag(b, responseFinished, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if p := resp.Page(); p != nil {
		data, err := page.Encode(p, mem)
		if err != nil {
			return nil, fmt.Errorf("encode page: %w", err)
		}
		b = protowire.AppendTag(b, responsePage, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b, nil
}

// UnmarshalResponse decodes a response, allocating the page from mem. A
// response with neither a page nor the finished flag is rejected.
func UnmarshalResponse(b []byte, mem memory.Allocator) (*Response, error) {
	var (
		finished bool
		data     []byte
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == responseFinished && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			finished = protowire.DecodeBool(v)
			return n
		case num == responsePage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			data = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if data == nil {
		if !finished {
			return nil, fmt.Errorf("%w: neither page nor finished", ErrInvalidResponse)
		}
		return NewResponse(nil, true), nil
	}

	p, err := page.Decode(data, mem)
	if err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	if err := page.Validate(p); err != nil {
		p.Release()
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return NewResponse(p, finished), nil
}

// CancelChildrenRequest asks a node to cancel the fetches it serves for
// Parent.
type CancelChildrenRequest struct {
	Parent tasks.ID
	Reason string
}

func (r CancelChildrenRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, cancelParent, protowire.BytesType)
	b = protowire.AppendString(b, r.Parent.String())
	if r.Reason != "" {
		b = protowire.AppendTag(b, cancelReason, protowire.BytesType)
		b = protowire.AppendString(b, r.Reason)
	}
	return b
}

func UnmarshalCancelChildrenRequest(b []byte) (CancelChildrenRequest, error) {
	var (
		r      CancelChildrenRequest
		parent string
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == cancelParent && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			parent = v
			return n
		case num == cancelReason && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Reason = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return CancelChildrenRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Parent, err = tasks.ParseID(parent); err != nil {
		return CancelChildrenRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !r.Parent.IsSet() {
		return CancelChildrenRequest{}, fmt.Errorf("%w: missing parent task", ErrInvalidRequest)
	}
	return r, nil
}

func marshalCancelledCount(n int) []byte {
	b := protowire.AppendTag(nil, cancelledCount, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(n))
}

func unmarshalCancelledCount(b []byte) (int, error) {
	var count uint64
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == cancelledCount && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			count = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return int(count), nil
}

func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n = field(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}
