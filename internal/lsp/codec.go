package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// encodeFrame renders a message as a single wire frame:
// "Content-Length: <N>\r\n\r\n" followed by exactly N bytes of compact JSON.
func encodeFrame(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var buf []byte
	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)
	return buf, nil
}

// frameReader decodes a stream of length-prefixed JSON frames. It buffers
// partial reads across underlying deliveries. Once a frame fails to parse the
// reader is poisoned: every subsequent Next returns ErrFramingFault, because
// a stream that lied about its framing once cannot be resynchronized.
type frameReader struct {
	r        *bufio.Reader
	poisoned bool
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads one complete frame and returns its JSON body. io.EOF is returned
// unwrapped when the stream ends cleanly between frames.
func (fr *frameReader) Next() (json.RawMessage, error) {
	if fr.poisoned {
		return nil, ErrFramingFault
	}

	contentLength := -1
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && contentLength < 0 {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of header block
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fr.poison("malformed header line %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fr.poison("bad Content-Length %q", strings.TrimSpace(value))
			}
			contentLength = n
		}
		// Other headers (Content-Type) are ignored.
	}

	if contentLength < 0 {
		return nil, fr.poison("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fr.poison("body is not valid JSON")
	}
	return body, nil
}

func (fr *frameReader) poison(format string, args ...any) error {
	fr.poisoned = true
	return fmt.Errorf("%w: "+format, append([]any{ErrFramingFault}, args...)...)
}
