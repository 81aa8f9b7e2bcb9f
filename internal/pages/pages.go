// Package pages builds small single-column pages for tests and benchmarks.
package pages

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const SeqNoColumn = "seq_no"

var Schema = arrow.NewSchema([]arrow.Field{
	{Name: SeqNoColumn, Type: arrow.PrimitiveTypes.Int64},
}, nil)

// SeqNos returns a page with one int64 column holding vals.
func SeqNos(mem memory.Allocator, vals ...int64) arrow.Record {
	b := array.NewInt64Builder(mem)
	defer b.Release()

	b.AppendValues(vals, nil)
	col := b.NewArray()
	defer col.Release()

	return array.NewRecord(Schema, []arrow.Array{col}, int64(len(vals)))
}

// Constant returns a page of n positions all holding v.
func Constant(mem memory.Allocator, v int64, n int) arrow.Record {
	vals := make([]int64, n)
	for i := range vals {
		vals[i] = v
	}
	return SeqNos(mem, vals...)
}

// Int64s returns the values of the first column of p.
func Int64s(p arrow.Record) []int64 {
	col := p.Column(0).(*array.Int64)
	out := make([]int64, col.Len())
	copy(out, col.Int64Values())
	return out
}
