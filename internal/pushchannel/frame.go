package pushchannel

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	CommandConnect     = "CONNECT"
	CommandConnected   = "CONNECTED"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandMessage     = "MESSAGE"
	CommandReceipt     = "RECEIPT"
	CommandError       = "ERROR"
	CommandDisconnect  = "DISCONNECT"
)

var ErrMalformedFrame = errors.New("malformed stomp frame")

type Header struct {
	Key   string
	Value string
}

// Frame is one STOMP 1.2 frame. Headers keep their wire order; on lookup the
// first occurrence of a repeated header wins.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

func NewFrame(command string, headers ...string) Frame {
	f := Frame{Command: command}
	for i := 0; i+1 < len(headers); i += 2 {
		f.Headers = append(f.Headers, Header{Key: headers[i], Value: headers[i+1]})
	}
	return f
}

func (f Frame) Header(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// escapes reports whether header values of this command are escaped.
// CONNECT and CONNECTED frames are exempt for 1.0 compatibility.
func escapes(command string) bool {
	return command != CommandConnect && command != CommandConnected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)

// Encode writes the frame in wire form, including the trailing NUL. A
// content-length header is added when the body is non-empty.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	escape := escapes(f.Command)
	hasLength := false
	for _, h := range f.Headers {
		if h.Key == "content-length" {
			hasLength = true
		}
		key, value := h.Key, h.Value
		if escape {
			key, value = headerEscaper.Replace(key), headerEscaper.Replace(value)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 && !hasLength {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Decode parses one frame. ok is false for a heart-beat (a payload made only
// of end-of-line bytes).
func Decode(data []byte) (frame Frame, ok bool, err error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, false, nil
	}
	headerEnd := bytes.Index(data, []byte("\n\n"))
	sepLen := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (headerEnd < 0 || crlf < headerEnd) {
		headerEnd, sepLen = crlf, 4
	}
	if headerEnd < 0 {
		return Frame{}, false, fmt.Errorf("%w: missing header terminator", ErrMalformedFrame)
	}
	lines := strings.Split(strings.ReplaceAll(string(data[:headerEnd]), "\r\n", "\n"), "\n")
	frame.Command = strings.TrimSpace(lines[0])
	if frame.Command == "" {
		return Frame{}, false, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}
	escape := escapes(frame.Command)
	for _, line := range lines[1:] {
		key, value, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, false, fmt.Errorf("%w: header line %q", ErrMalformedFrame, line)
		}
		if escape {
			if key, err = unescapeHeader(key); err != nil {
				return Frame{}, false, err
			}
			if value, err = unescapeHeader(value); err != nil {
				return Frame{}, false, err
			}
		}
		frame.Headers = append(frame.Headers, Header{Key: key, Value: value})
	}

	rest := data[headerEnd+sepLen:]
	if raw, ok := frame.Header("content-length"); ok {
		n, convErr := strconv.Atoi(strings.TrimSpace(raw))
		if convErr != nil || n < 0 || n >= len(rest) || rest[n] != 0 {
			return Frame{}, false, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, raw)
		}
		frame.Body = append([]byte(nil), rest[:n]...)
		return frame, true, nil
	}
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return Frame{}, false, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	frame.Body = append([]byte(nil), rest[:end]...)
	return frame, true, nil
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: dangling escape", ErrMalformedFrame)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}
