package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Requests are RESP arrays of bulk strings. The first element is the command
// name, matched case-insensitively; the remaining elements are parameters
// kept verbatim.
type Command struct {
	Name   string
	Params []string
}

var (
	// ErrMalformed reports a frame that is not a well-formed RESP array of
	// bulk strings.
	ErrMalformed = errors.New("malformed RESP frame")

	// ErrEmptyCommand reports an array whose first bulk string is empty.
	ErrEmptyCommand = errors.New("empty command")
)

// ParseRequest parses one request frame out of data. The buffer must start
// with a complete array of bulk strings.
func ParseRequest(data []byte) (*Command, error) {
	reader := bufio.NewReader(bytes.NewReader(data))

	line, err := readLine(reader)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	if len(line) == 0 || line[0] != '*' {
		return nil, errors.Wrapf(ErrMalformed, "expected array, got %q", line)
	}

	count, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "invalid array length %q", line[1:])
	}
	if count < 1 {
		return nil, errors.Wrapf(ErrMalformed, "invalid array length: %d", count)
	}

	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		arg, err := readBulkString(reader)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	name := strings.ToUpper(args[0])
	if name == "" {
		return nil, ErrEmptyCommand
	}

	return &Command{Name: name, Params: args[1:]}, nil
}

func readBulkString(reader *bufio.Reader) (string, error) {
	line, err := readLine(reader)
	if err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}

	if len(line) == 0 || line[0] != '$' {
		return "", errors.Wrapf(ErrMalformed, "expected bulk string, got %q", line)
	}

	length, err := strconv.Atoi(line[1:])
	if err != nil || length < 0 {
		return "", errors.Wrapf(ErrMalformed, "invalid bulk string length %q", line[1:])
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}

	// Trailing CRLF after the payload.
	if _, err := readLine(reader); err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}

	return string(payload), nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseReply parses a single response value: a simple string ("+...") or a
// bulk string ("$<len>..."). Used by the replica side of the handshake.
func ParseReply(reader *bufio.Reader) (string, error) {
	line, err := readLine(reader)
	if err != nil {
		return "", err
	}
	if len(line) == 0 {
		return "", errors.Wrap(ErrMalformed, "empty reply line")
	}

	switch line[0] {
	case '+':
		return line[1:], nil
	case '$':
		length, err := strconv.Atoi(line[1:])
		if err != nil || length < 0 {
			return "", errors.Wrapf(ErrMalformed, "invalid bulk reply length %q", line[1:])
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return "", errors.Wrap(ErrMalformed, err.Error())
		}
		readLine(reader)
		return string(payload), nil
	default:
		return "", errors.Wrapf(ErrMalformed, "unexpected reply type %q", line[0])
	}
}

// IsWriteCommand reports whether a command mutates the store. Only mutating
// commands are propagated to replicas.
func IsWriteCommand(name string) bool {
	return strings.ToUpper(name) == "SET"
}

func EncodeSimpleString(s string) []byte {
	return []byte(fmt.Sprintf("+%s\r\n", s))
}

func EncodeBulkString(s string) []byte {
	return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(s), s))
}

func EncodeNullBulkString() []byte {
	return []byte("$-1\r\n")
}

func EncodeArray(items []string) []byte {
	result := fmt.Sprintf("*%d\r\n", len(items))
	for _, item := range items {
		result += fmt.Sprintf("$%d\r\n%s\r\n", len(item), item)
	}
	return []byte(result)
}
