package decisra

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// StreamEvent is one server-push event.
type StreamEvent struct {
	Name string
	Data []byte
}

// sseReader parses a line-oriented text/event-stream body. A blank line
// terminates an event; `event:` sets the event name (default
// "message"); `data:` lines accumulate joined by newline; lines
// starting with ':' are keepalive comments and are ignored.
type sseReader struct {
	reader *bufio.Reader
	body   io.Closer
}

func newSSEReader(body io.ReadCloser) *sseReader {
	return &sseReader{
		reader: bufio.NewReader(body),
		body:   body,
	}
}

// Next returns the next event, or io.EOF when the stream closes. An
// event with no data lines is not dispatched.
func (s *sseReader) Next() (StreamEvent, error) {
	eventName := "message"
	var data bytes.Buffer
	sawData := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return StreamEvent{}, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if sawData {
				return StreamEvent{Name: eventName, Data: data.Bytes()}, nil
			}
			if err == io.EOF {
				return StreamEvent{}, io.EOF
			}
			// Blank line with no pending data: keepalive boundary.
			eventName = "message"
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive.
		case strings.HasPrefix(line, "event:"):
			name := strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			if name != "" {
				eventName = name
			}
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if sawData {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
			sawData = true
		}

		if err == io.EOF {
			if sawData {
				// Flush the last event if the stream ends without a
				// trailing blank line.
				return StreamEvent{Name: eventName, Data: data.Bytes()}, nil
			}
			return StreamEvent{}, io.EOF
		}
	}
}

func (s *sseReader) Close() error {
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}
