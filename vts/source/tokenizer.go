package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// WordPieceProcessor tokenizes raw text rows with a sugarme WordPiece
// (BERT-style) tokenizer into a single variable-length token column.
// Unlike an embedding pipeline, documents are NOT truncated or padded
// here: the cache stores full token sequences and windowing happens at
// read time.
type WordPieceProcessor struct {
	t      *tk.Tokenizer
	column string
}

// NewWordPieceProcessor loads vocab.txt (a file, or a directory
// containing one) and builds the tokenizer.
func NewWordPieceProcessor(vocabPath, column string) (*WordPieceProcessor, error) {
	if fi, err := os.Stat(vocabPath); err == nil && fi.IsDir() {
		vocabPath = filepath.Join(vocabPath, "vocab.txt")
	}
	wp, err := wordpiece.NewWordPieceFromFile(vocabPath, "[UNK]")
	if err != nil {
		return nil, fmt.Errorf("failed to load wordpiece vocab %s: %w", vocabPath, err)
	}

	t := tk.NewTokenizer(wp)

	// Basic normalizer and pre-tokenizer similar to BERT
	t.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	t.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	return &WordPieceProcessor{t: t, column: column}, nil
}

func (p *WordPieceProcessor) Schema() Schema {
	return Schema{{Name: p.column, Dtype: DtypeInt32}}
}

func (p *WordPieceProcessor) Process(ctx context.Context, rows []string) (ColumnBatch, error) {
	out := make([][]int32, len(rows))
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		enc, err := p.t.Encode(tk.NewSingleEncodeInput(tk.NewInputSequence(row)), false)
		if err != nil {
			return nil, fmt.Errorf("row %d: encode failed: %w", i, err)
		}
		ids := enc.GetIds()
		tokens := make([]int32, len(ids))
		for j, id := range ids {
			tokens[j] = int32(id)
		}
		out[i] = tokens
	}
	return ColumnBatch{p.column: out}, nil
}
