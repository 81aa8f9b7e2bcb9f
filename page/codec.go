package page

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
)

var (
	ErrEmptyStream = errors.New("arrow stream contains no record batch")
	ErrCorruptPage = errors.New("corrupt page")
)

// Encode serializes a page as an Arrow IPC stream holding the schema and a
// single record batch. The page is not released.
func Encode(p arrow.Record, mem memory.Allocator) ([]byte, error) {
	var buf bytes.Buffer

	w := ipc.NewWriter(&buf, ipc.WithSchema(p.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(p); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write record: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close arrow writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads the first record batch of an Arrow IPC stream. Buffers are
// allocated from mem; when mem is a LimitAllocator whose limit is exceeded the
// returned error wraps ErrCircuitBreaking. A stream the reader panics on
// fails with ErrCorruptPage.
func Decode(data []byte, mem memory.Allocator) (p arrow.Record, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if limitErr, ok := r.(*LimitError); ok {
			err = fmt.Errorf("decode page of %s: %w", humanize.IBytes(uint64(len(data))), limitErr)
			return
		}
		err = fmt.Errorf("%w: %v", ErrCorruptPage, r)
	}()

	rdr, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, wrapDecodeErr(fmt.Errorf("new arrow reader: %w", err))
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, wrapDecodeErr(fmt.Errorf("read record: %w", err))
		}
		return nil, ErrEmptyStream
	}

	rec := rdr.Record()
	rec.Retain()
	return rec, nil
}

// The ipc reader turns allocation panics into errors, keeping a *LimitError
// in the chain but flattening other panic values to text.
func wrapDecodeErr(err error) error {
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		return err
	}
	if strings.Contains(err.Error(), PanicMemoryLimit) {
		return fmt.Errorf("%v: %w", err, ErrCircuitBreaking)
	}
	return err
}
