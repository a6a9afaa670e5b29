// Package probe inspects an input file before an import: it classifies the
// format, lists the fields of a CSV header with a preview window, and streams
// the file once to vote on a type for every field.
package probe

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/zeebo/xxh3"
)

// Format is the classified input format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"  // a top-level JSON array of documents
	FormatJSONL   Format = "jsonl" // one JSON document per line
	FormatUnknown Format = "unknown"
)

// ParseFormat validates a format name. The empty string is FormatUnknown.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON, FormatJSONL:
		return Format(s), nil
	case "", FormatUnknown:
		return FormatUnknown, nil
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// SniffBytes bounds how much of a stream DetectFormat reads.
const SniffBytes = 64 << 10

const (
	maxSniffLines  = 50
	minConsistency = 0.8
)

// Delimiters is the candidate set, in tie-break order.
var Delimiters = []rune{',', '\t', ';', ' '}

// ErrUnknownFormat is returned when the prefix is not recognizable text.
var ErrUnknownFormat = errors.New("unable to detect file format")

// Detection is the result of DetectFormat.
type Detection struct {
	Format    Format
	Delimiter rune // CSV only

	// Consistency is the share of sampled lines that agreed with the chosen
	// delimiter's modal column count (CSV only).
	Consistency float64

	// Fingerprint is the xxh3 hash of the sniffed prefix.
	Fingerprint uint64
}

// DetectFormat classifies r from a bounded prefix. It never reads more than
// SniffBytes.
//
// A prefix starting with '[' is a JSON array; one starting with '{' is
// line-delimited JSON. Anything else is scored as CSV against Delimiters.
func DetectFormat(r io.Reader) (Detection, error) {
	buf := make([]byte, SniffBytes)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Detection{}, fmt.Errorf("read prefix: %w", err)
	}
	return DetectBytes(buf[:n], n < SniffBytes)
}

// DetectBytes classifies an in-memory prefix. complete reports whether the
// prefix is the whole input, in which case a final unterminated line still
// counts as a sampled line.
func DetectBytes(prefix []byte, complete bool) (Detection, error) {
	d := Detection{Format: FormatUnknown, Fingerprint: xxh3.Hash(prefix)}

	s := bytes.TrimPrefix(prefix, []byte("\xef\xbb\xbf"))
	s = bytes.TrimLeft(s, " \t\r\n")
	if len(s) == 0 {
		return d, ErrUnknownFormat
	}
	if bytes.IndexByte(s, 0) >= 0 || !validUTF8Prefix(s, complete) {
		return d, ErrUnknownFormat
	}

	switch s[0] {
	case '[':
		d.Format = FormatJSON
		return d, nil
	case '{':
		d.Format = FormatJSONL
		return d, nil
	}

	lines := sampleLines(s, complete)
	if len(lines) == 0 {
		return d, ErrUnknownFormat
	}

	best, bestScore, bestWidth := rune(0), 0.0, 0
	for _, delim := range Delimiters {
		score, width := scoreDelimiter(lines, delim)
		if width < 2 || score < minConsistency {
			continue
		}
		if score > bestScore || (score == bestScore && width > bestWidth) {
			best, bestScore, bestWidth = delim, score, width
		}
	}
	d.Format = FormatCSV
	if best == 0 {
		// Readable text with no separator at all is a single-column file.
		d.Delimiter = ','
		d.Consistency = 1
		return d, nil
	}
	d.Delimiter = best
	d.Consistency = bestScore
	return d, nil
}

// validUTF8Prefix allows a truncated multi-byte rune at the end of a partial
// prefix.
func validUTF8Prefix(s []byte, complete bool) bool {
	if utf8.Valid(s) {
		return true
	}
	if complete {
		return false
	}
	for cut := 1; cut < utf8.UTFMax && cut < len(s); cut++ {
		if utf8.Valid(s[:len(s)-cut]) {
			return true
		}
	}
	return false
}

// sampleLines returns up to maxSniffLines complete lines. A trailing partial
// line is dropped unless the prefix is the entire input.
func sampleLines(s []byte, complete bool) [][]byte {
	if !complete {
		if i := bytes.LastIndexByte(s, '\n'); i >= 0 {
			s = s[:i+1]
		} else {
			return [][]byte{s}
		}
	}
	var out [][]byte
	for len(s) > 0 && len(out) < maxSniffLines {
		line := s
		if i := bytes.IndexByte(s, '\n'); i >= 0 {
			line, s = s[:i], s[i+1:]
		} else {
			s = nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

// scoreDelimiter parses each line on its own and returns the share of lines
// whose field count equals the modal count, together with that count.
func scoreDelimiter(lines [][]byte, delim rune) (float64, int) {
	counts := make(map[int]int)
	parsed := 0
	for _, line := range lines {
		cr := csv.NewReader(bytes.NewReader(line))
		cr.Comma = delim
		cr.LazyQuotes = true
		cr.FieldsPerRecord = -1
		rec, err := cr.Read()
		if err != nil {
			continue
		}
		counts[len(rec)]++
		parsed++
	}
	if parsed == 0 {
		return 0, 0
	}
	mode, modeN := 0, 0
	for width, n := range counts {
		if n > modeN || (n == modeN && width > mode) {
			mode, modeN = width, n
		}
	}
	return float64(modeN) / float64(len(lines)), mode
}
