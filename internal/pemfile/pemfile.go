// Package pemfile splits PEM input into blocks and classifies them by label.
//
// Framing (BEGIN/END lines) is checked here. Base64 and header decoding is
// left to encoding/pem; a block it refuses is reported as malformed rather
// than skipped.
package pemfile

import (
	"bufio"
	"bytes"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	beginPrefix = "-----BEGIN "
	endPrefix   = "-----END "
	boundary    = "-----"
)

// Labels recognized by Classify.
const (
	LabelCertificate   = "CERTIFICATE"
	LabelPKCS8Key      = "PRIVATE KEY"
	LabelRSAPrivateKey = "RSA PRIVATE KEY"
)

// Kind classifies a PEM block.
type Kind int

const (
	KindUnknown Kind = iota
	KindCertificate
	KindPKCS8Key
	KindRSAKey
)

func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindPKCS8Key:
		return "pkcs8 key"
	case KindRSAKey:
		return "rsa key"
	default:
		return "unknown"
	}
}

// ErrMalformed is matched by every framing or decoding failure.
var ErrMalformed = errors.New("malformed pem")

// SyntaxError reports where a malformed block starts.
type SyntaxError struct {
	Line  int
	Label string
	Msg   string
}

func (e *SyntaxError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("pem: line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("pem: line %d: %q block: %s", e.Line, e.Label, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return ErrMalformed }

// Item is one decoded block.
type Item struct {
	Kind  Kind
	Label string
	// Line is the 1-based line of the BEGIN marker.
	Line    int
	Headers map[string]string
	Bytes   []byte
}

// Encrypted reports whether the block carries legacy RFC 1421 encryption
// headers (Proc-Type: 4,ENCRYPTED).
func (i *Item) Encrypted() bool {
	return strings.Contains(i.Headers["Proc-Type"], "ENCRYPTED")
}

// Classify maps a PEM label to its Kind.
func Classify(label string) Kind {
	switch label {
	case LabelCertificate:
		return KindCertificate
	case LabelPKCS8Key:
		return KindPKCS8Key
	case LabelRSAPrivateKey:
		return KindRSAKey
	default:
		return KindUnknown
	}
}

// Reader returns PEM blocks one at a time, in input order.
type Reader struct {
	br   *bufio.Reader
	line int
	err  error
}

// NewReader wraps r. A *bufio.Reader is used as is.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br}
}

// Next returns the next block, or io.EOF once the input is exhausted.
// After a non-EOF error every further call returns the same error.
func (r *Reader) Next() (*Item, error) {
	if r.err != nil {
		return nil, r.err
	}
	item, err := r.next()
	if err != nil {
		r.err = err
	}
	return item, err
}

func (r *Reader) next() (*Item, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		label, ok := beginLabel(line)
		if !ok {
			continue
		}
		return r.readBlock(label, line)
	}
}

func (r *Reader) readBlock(label, begin string) (*Item, error) {
	start := r.line
	var buf bytes.Buffer
	buf.WriteString(begin)
	buf.WriteByte('\n')

	for {
		line, err := r.readLine()
		if errors.Is(err, io.EOF) {
			return nil, &SyntaxError{Line: start, Label: label, Msg: "missing END line"}
		}
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, endPrefix) {
			if line != endPrefix+label+boundary {
				return nil, &SyntaxError{Line: r.line, Label: label, Msg: fmt.Sprintf("unexpected %q", line)}
			}
			buf.WriteString(line)
			buf.WriteByte('\n')
			break
		}
		if _, nested := beginLabel(line); nested {
			return nil, &SyntaxError{Line: start, Label: label, Msg: "missing END line"}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	block, rest := pem.Decode(buf.Bytes())
	if block == nil || len(bytes.TrimSpace(rest)) != 0 {
		return nil, &SyntaxError{Line: start, Label: label, Msg: "invalid body"}
	}

	return &Item{
		Kind:    Classify(block.Type),
		Label:   block.Type,
		Line:    start,
		Headers: block.Headers,
		Bytes:   block.Bytes,
	}, nil
}

// readLine returns the next line without its terminator and trailing blanks.
func (r *Reader) readLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if line == "" && err != nil {
		return "", io.EOF
	}
	r.line++
	return strings.TrimRight(line, " \t\r\n"), nil
}

func beginLabel(line string) (string, bool) {
	if !strings.HasPrefix(line, beginPrefix) || !strings.HasSuffix(line, boundary) {
		return "", false
	}
	if len(line) < len(beginPrefix)+len(boundary) {
		return "", false
	}
	return line[len(beginPrefix) : len(line)-len(boundary)], true
}

// ReadAll decodes every block in r.
func ReadAll(r io.Reader) ([]*Item, error) {
	pr := NewReader(r)
	var items []*Item
	for {
		item, err := pr.Next()
		if errors.Is(err, io.EOF) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}
