package ledger

import (
	"bufio"
	"bytes"
	"io"
)

// lineReader yields newline-terminated lines. An unterminated trailing line
// is still returned so a complete final record without a newline is kept.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (l *lineReader) next() ([]byte, error) {
	line, err := l.r.ReadBytes('\n')
	if len(line) > 0 && (err == nil || err == io.EOF) {
		return bytes.TrimSpace(line), nil
	}
	return nil, err
}
