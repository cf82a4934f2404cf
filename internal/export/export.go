// Package export renders analytics rows as delimited text.
package export

import (
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/you/streamstats/internal/core"
)

// Header is the fixed column set of a sample export.
var Header = []string{"collected_at", "channel_name", "viewer_count", "category", "title", "chat_rate_1min"}

const bom = "\ufeff"

// Row is one exported data point.
type Row struct {
	CollectedAt  time.Time
	ChannelName  string
	ViewerCount  *int64
	Category     string
	Title        string
	ChatRate1Min *int64
}

// Options control the text layout. A zero Delimiter means comma.
type Options struct {
	Delimiter rune
	BOM       bool
}

func (o Options) delimiter() (rune, error) {
	d := o.Delimiter
	if d == 0 {
		d = ','
	}
	if d == '"' || d == '\r' || d == '\n' || d == utf8.RuneError || !utf8.ValidRune(d) {
		return 0, core.Invalid("delimiter", "unusable delimiter "+strconv.QuoteRune(d))
	}
	return d, nil
}

// ParseDelimiter accepts a single character or one of the names "tab",
// "comma", "semicolon" and "pipe".
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToLower(s) {
	case "", "comma":
		return ',', nil
	case "tab", `\t`:
		return '\t', nil
	case "semicolon":
		return ';', nil
	case "pipe":
		return '|', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, core.Invalid("delimiter", "must be a single character")
	}
	r, _ := utf8.DecodeRuneInString(s)
	if _, err := (Options{Delimiter: r}).delimiter(); err != nil {
		return 0, err
	}
	return r, nil
}

// Write renders rows under Header. Fields holding the delimiter, a quote or
// a line break are quoted with inner quotes doubled.
func Write(w io.Writer, rows []Row, opts Options) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.CollectedAt.UTC().Format(time.RFC3339),
			r.ChannelName,
			formatInt(r.ViewerCount),
			r.Category,
			r.Title,
			formatInt(r.ChatRate1Min),
		})
	}
	return WriteRecords(w, Header, records, opts)
}

// WriteRecords renders an arbitrary table with the same layout rules.
func WriteRecords(w io.Writer, header []string, records [][]string, opts Options) error {
	delim, err := opts.delimiter()
	if err != nil {
		return err
	}
	if opts.BOM {
		if _, err := io.WriteString(w, bom); err != nil {
			return errors.Wrap(err, "write bom")
		}
	}
	cw := csv.NewWriter(w)
	cw.Comma = delim
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := cw.WriteAll(records); err != nil {
		return errors.Wrap(err, "write rows")
	}
	return nil
}

// Format is Write into a string.
func Format(rows []Row, opts Options) (string, error) {
	var buf bytes.Buffer
	if err := Write(&buf, rows, opts); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Parse reads text produced by Write back into rows. A leading BOM is
// skipped. Empty numeric fields read as nil.
func Parse(r io.Reader, delimiter rune) ([]Row, error) {
	delim, err := (Options{Delimiter: delimiter}).delimiter()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read export")
	}
	cr := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte(bom))))
	cr.Comma = delim
	cr.FieldsPerRecord = len(Header)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parse export")
	}
	if len(records) == 0 {
		return nil, core.Invalid("export", "missing header")
	}

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d collected_at", i+1)
		}
		viewers, err := parseInt(rec[2])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d viewer_count", i+1)
		}
		rate, err := parseInt(rec[5])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d chat_rate_1min", i+1)
		}
		rows = append(rows, Row{
			CollectedAt:  ts.UTC(),
			ChannelName:  rec[1],
			ViewerCount:  viewers,
			Category:     rec[3],
			Title:        rec[4],
			ChatRate1Min: rate,
		})
	}
	return rows, nil
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func parseInt(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
