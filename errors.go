package exchange

import (
	"errors"

	"google.golang.org/grpc/codes"

	"github.com/polarsignals/exchange/transport"
)

var (
	ErrBufferFinished  = errors.New("exchange buffer is finished")
	ErrSinkFinished    = errors.New("exchange sink is finished")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrExchangeExists  = errors.New("exchange already registered")
	ErrExchangeClosed  = errors.New("exchange already closed")
	ErrInvalidRequest  = errors.New("invalid exchange request")
	ErrInvalidResponse = errors.New("invalid exchange response")
	ErrSinkInactive    = errors.New("exchange sink inactive")
	ErrServiceClosed   = errors.New("exchange service closed")
)

func init() {
	transport.RegisterError(ErrUnknownExchange, codes.NotFound)
	transport.RegisterError(ErrInvalidRequest, codes.InvalidArgument)
	transport.RegisterError(ErrSinkInactive, codes.Aborted)
	transport.RegisterError(ErrServiceClosed, codes.FailedPrecondition)
}
