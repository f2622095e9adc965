package codec

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/iago/dataflow-batch/internal/domain"
)

const maxLineBytes = 1 << 20

// Reader yields RawRecords from a line source. The first line must be the
// header; blank lines are ignored. Undecodable lines come back as
// *domain.ParseError and reading can continue after them.
type Reader struct {
	codec   *Codec
	scanner *bufio.Scanner
	line    int
	started bool
}

func NewReader(src io.Reader, c *Codec) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Reader{codec: c, scanner: scanner}
}

// Read returns the next record or io.EOF once the source is exhausted.
func (r *Reader) Read() (domain.RawRecord, error) {
	if !r.started {
		r.started = true
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return domain.RawRecord{}, fmt.Errorf("read header: %w", err)
			}
			return domain.RawRecord{}, &domain.ParseError{Line: 1, Err: fmt.Errorf("%w: empty file", domain.ErrHeaderMismatch)}
		}
		r.line = 1
		if err := r.codec.CheckHeader(r.scanner.Text()); err != nil {
			return domain.RawRecord{}, err
		}
	}

	for r.scanner.Scan() {
		r.line++
		text := r.scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		return r.codec.Decode(r.line, text)
	}
	if err := r.scanner.Err(); err != nil {
		return domain.RawRecord{}, fmt.Errorf("read line %d: %w", r.line+1, err)
	}
	return domain.RawRecord{}, io.EOF
}
