// Package page contains the unit of data moved through an exchange. A page is
// an immutable arrow.Record: a batch of equal-length columns that is reference
// counted through Retain and Release.
package page

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/util"
)

var ErrUnequalColumns = errors.New("columns of a page must have equal length")

// Size returns the estimated memory footprint of the page in bytes.
func Size(p arrow.Record) int64 {
	if p == nil {
		return 0
	}
	return util.TotalRecordSize(p)
}

// Validate checks that every column holds exactly NumRows positions.
func Validate(p arrow.Record) error {
	rows := p.NumRows()
	for i, col := range p.Columns() {
		if int64(col.Len()) != rows {
			return fmt.Errorf("column %d (%s) has %d positions, page has %d: %w",
				i, p.ColumnName(i), col.Len(), rows, ErrUnequalColumns)
		}
	}
	return nil
}
