package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// NumericProcessor parses each row as space-separated integers into a
// single token column. It is the deterministic stand-in transform used
// wherever a real tokenizer is not wanted: pre-tokenized corpora,
// fixtures, and pipeline tests.
type NumericProcessor struct {
	column string
}

// NewNumericProcessor creates a processor emitting the named column.
func NewNumericProcessor(column string) *NumericProcessor {
	return &NumericProcessor{column: column}
}

func (p *NumericProcessor) Schema() Schema {
	return Schema{{Name: p.column, Dtype: DtypeInt32}}
}

func (p *NumericProcessor) Process(ctx context.Context, rows []string) (ColumnBatch, error) {
	out := make([][]int32, len(rows))
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields := strings.Fields(row)
		tokens := make([]int32, 0, len(fields))
		for _, f := range fields {
			v, err := strconv.ParseInt(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid token %q: %w", i, f, err)
			}
			tokens = append(tokens, int32(v))
		}
		out[i] = tokens
	}
	return ColumnBatch{p.column: out}, nil
}
