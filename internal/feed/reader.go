package feed

import (
	"bufio"
	"bytes"
	"io"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"odte/internal/schema"
	"odte/pkg/exception"
)

const maxLineSize = 1 << 20

// Record is the JSON-lines wire form of a market event.
type Record struct {
	Instrument string  `json:"instrument"`
	Timestamp  int64   `json:"ts"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Side       string  `json:"side"`
	Imbalance  float64 `json:"imbalance"`
}

// Event converts the record into a market event.
func (r Record) Event() schema.MarketEvent {
	return schema.MarketEvent{
		InstrumentID:  r.Instrument,
		Timestamp:     r.Timestamp,
		Price:         r.Price,
		Size:          r.Size,
		Side:          schema.ParseSide(r.Side),
		BookImbalance: r.Imbalance,
	}
}

// RecordOf converts a market event into its wire form.
func RecordOf(ev schema.MarketEvent) Record {
	return Record{
		Instrument: ev.InstrumentID,
		Timestamp:  ev.Timestamp,
		Price:      ev.Price,
		Size:       ev.Size,
		Side:       ev.Side.String(),
		Imbalance:  ev.BookImbalance,
	}
}

// Reader decodes market events from JSON lines. Blank lines and lines
// starting with '#' are skipped.
type Reader struct {
	s    *bufio.Scanner
	line int
}

// NewReader wraps an io.Reader.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &Reader{s: s}
}

// Next returns the next event. A line that fails to decode returns an error
// wrapping ErrMalformedEvent; the reader stays usable.
func (r *Reader) Next() (schema.MarketEvent, error) {
	for r.s.Scan() {
		r.line++
		line := bytes.TrimSpace(r.s.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		var rec Record
		if err := sonic.ConfigFastest.Unmarshal(line, &rec); err != nil {
			return schema.MarketEvent{}, errors.Wrap(exception.ErrMalformedEvent, err.Error()).With("line", r.line)
		}
		return rec.Event(), nil
	}
	if err := r.s.Err(); err != nil {
		return schema.MarketEvent{}, errors.Wrap(err, "scan feed").With("line", r.line)
	}
	return schema.MarketEvent{}, io.EOF
}

// Line returns the number of lines consumed.
func (r *Reader) Line() int { return r.line }

// Writer encodes market events as JSON lines.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps an io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one event.
func (w *Writer) Write(ev schema.MarketEvent) error {
	payload, err := sonic.ConfigFastest.Marshal(RecordOf(ev))
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "write event")
	}
	return w.w.WriteByte('\n')
}

// Flush writes buffered data.
func (w *Writer) Flush() error {
	return w.w.Flush()
}
