// Package codec turns delimited text lines into raw import records.
package codec

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/iago/dataflow-batch/internal/domain"
)

// Columns is the fixed column order of an import file.
var Columns = []string{"external_id", "user_email", "amount", "event_time"}

const utf8BOM = "\ufeff"

// Amounts must fit the NUMERIC(19, 2) import column once rounded to cents.
// The exponent bound keeps rescaling cheap for inputs like 1e400000000.
const maxAmountExponent = 18

var maxAmount = decimal.New(1, 17)

type Codec struct {
	delimiter rune
	header    string
}

// New builds a codec for a single-character delimiter. The expected header
// is the column list joined by that delimiter.
func New(delimiter string) (*Codec, error) {
	if utf8.RuneCountInString(delimiter) != 1 {
		return nil, fmt.Errorf("delimiter must be a single character, got %q", delimiter)
	}
	r, _ := utf8.DecodeRuneInString(delimiter)
	if r == '"' || r == '\r' || r == '\n' {
		return nil, fmt.Errorf("invalid delimiter %q", delimiter)
	}
	return &Codec{delimiter: r, header: strings.Join(Columns, delimiter)}, nil
}

func (c *Codec) Header() string { return c.header }

// CheckHeader compares the first line of a file with the expected header.
func (c *Codec) CheckHeader(line string) error {
	got := strings.TrimSpace(strings.TrimPrefix(line, utf8BOM))
	if got != c.header {
		return &domain.ParseError{
			Line: 1,
			Raw:  line,
			Err:  fmt.Errorf("%w: expected %q, got %q", domain.ErrHeaderMismatch, c.header, got),
		}
	}
	return nil
}

// Decode splits one data line and checks that each field is lexically valid.
// Blank fields are left empty; rule checks belong to the validator.
func (c *Codec) Decode(lineNo int, line string) (domain.RawRecord, error) {
	fields, err := c.split(line)
	if err != nil {
		return domain.RawRecord{}, &domain.ParseError{Line: lineNo, Raw: line, Err: err}
	}

	rec := domain.RawRecord{
		Line:       lineNo,
		ExternalID: fields[0],
		Contact:    fields[1],
	}
	if fields[2] != "" {
		amount, err := decimal.NewFromString(fields[2])
		if err != nil {
			return domain.RawRecord{}, &domain.ParseError{Line: lineNo, Raw: line, Err: fmt.Errorf("amount %q is not a decimal", fields[2])}
		}
		if err := checkAmountRange(amount); err != nil {
			return domain.RawRecord{}, &domain.ParseError{Line: lineNo, Raw: line, Err: fmt.Errorf("amount %q %w", fields[2], err)}
		}
		rec.Amount = &amount
	}
	if fields[3] != "" {
		ts, err := time.Parse(time.RFC3339Nano, fields[3])
		if err != nil {
			return domain.RawRecord{}, &domain.ParseError{Line: lineNo, Raw: line, Err: fmt.Errorf("event_time %q is not an ISO-8601 instant", fields[3])}
		}
		ts = ts.UTC()
		rec.EventTime = &ts
	}
	return rec, nil
}

func checkAmountRange(amount decimal.Decimal) error {
	exp := amount.Exponent()
	if exp < -maxAmountExponent || exp > maxAmountExponent {
		return errors.New("is out of range")
	}
	if amount.Round(2).Abs().GreaterThanOrEqual(maxAmount) {
		return errors.New("is out of range")
	}
	return nil
}

func (c *Codec) split(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.Comma = c.delimiter
	r.FieldsPerRecord = len(Columns)

	fields, err := r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, perr.Err
		}
		return nil, err
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, nil
}
