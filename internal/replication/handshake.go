package replication

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"respkv/internal/protocol"
)

const (
	// maxRetries bounds the reads per handshake step before giving up on
	// the expected reply.
	maxRetries = 3

	readTimeout = 1 * time.Second
	dialTimeout = 5 * time.Second
)

// Handshake is the outbound state machine a replica runs against its master
// before serving: PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC. Each step sends one frame and awaits a matching reply.
type Handshake struct {
	masterHost    string
	masterPort    int
	listeningPort int
	log           *logrus.Logger
}

func NewHandshake(masterHost string, masterPort, listeningPort int, log *logrus.Logger) *Handshake {
	return &Handshake{
		masterHost:    masterHost,
		masterPort:    masterPort,
		listeningPort: listeningPort,
		log:           log,
	}
}

// Run dials the master and walks the four steps. On success it returns the
// connection, positioned after the master's snapshot; propagated commands
// arrive on it next. The caller owns the connection.
func (hs *Handshake) Run() (net.Conn, error) {
	addr := net.JoinHostPort(hs.masterHost, strconv.Itoa(hs.masterPort))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "dial master")
	}

	steps := []struct {
		name   string
		frame  []byte
		expect func(string) bool
	}{
		{
			name:   "PING",
			frame:  protocol.EncodeArray([]string{"ping"}),
			expect: func(reply string) bool { return reply == "PONG" },
		},
		{
			name:   "REPLCONF listening-port",
			frame:  protocol.EncodeArray([]string{"REPLCONF", "listening-port", strconv.Itoa(hs.listeningPort)}),
			expect: func(reply string) bool { return reply == "OK" },
		},
		{
			name:   "REPLCONF capa",
			frame:  protocol.EncodeArray([]string{"REPLCONF", "capa", "psync2"}),
			expect: func(reply string) bool { return reply == "OK" },
		},
		{
			name:   "PSYNC",
			frame:  protocol.EncodeArray([]string{"PSYNC", "?", "-1"}),
			expect: func(reply string) bool { return strings.HasPrefix(reply, "FULLRESYNC") },
		},
	}

	var leftover []byte
	for _, step := range steps {
		if _, err := conn.Write(step.frame); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "send %s", step.name)
		}

		leftover, err = hs.await(conn, step.expect)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "await %s reply", step.name)
		}
		hs.log.Infof("handshake: %s ok", step.name)
	}

	// The FULLRESYNC line is followed by the master's snapshot; consume it
	// so the stream is positioned at the first propagated command. A
	// truncated snapshot is logged but does not fail the handshake.
	if err := hs.drainSnapshot(conn, leftover); err != nil {
		hs.log.Infof("handshake: snapshot not fully received: %v", err)
	}

	return conn, nil
}

// await reads replies until expect matches, up to maxRetries reads with the
// standard timeout each. It returns any bytes that followed the matching
// reply in the same read.
func (hs *Handshake) await(conn net.Conn, expect func(string) bool) ([]byte, error) {
	buf := make([]byte, 1024)

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("master closed the connection")
		}

		reader := bufio.NewReader(bytes.NewReader(buf[:n]))
		reply, err := protocol.ParseReply(reader)
		if err != nil {
			hs.log.Infof("handshake: unparseable reply: %v", err)
			continue
		}
		if expect(reply) {
			rest, _ := io.ReadAll(reader)
			return rest, nil
		}
		hs.log.Infof("handshake: unexpected reply %q", reply)
	}

	return nil, errors.Errorf("no matching reply after %d reads", maxRetries)
}

// drainSnapshot consumes the "$<len>\r\n<len bytes>" snapshot payload that
// the master emits after FULLRESYNC (no trailing CRLF). leftover holds any
// bytes already read past the FULLRESYNC line. It reads exactly the snapshot
// and nothing more, so propagated commands behind it stay on the stream.
func (hs *Handshake) drainSnapshot(conn net.Conn, leftover []byte) error {
	reader := io.MultiReader(bytes.NewReader(leftover), deadlineReader{conn})

	header, err := readHeaderLine(reader)
	if err != nil {
		return errors.Wrap(err, "read snapshot header")
	}
	if len(header) == 0 || header[0] != '$' {
		return errors.Errorf("unexpected snapshot header %q", header)
	}

	size, err := strconv.Atoi(header[1:])
	if err != nil || size < 0 {
		return errors.Errorf("invalid snapshot length %q", header[1:])
	}

	if _, err := io.CopyN(io.Discard, reader, int64(size)); err != nil {
		return errors.Wrap(err, "read snapshot body")
	}

	hs.log.Infof("handshake: received snapshot (%d bytes)", size)
	return nil
}

// readHeaderLine reads a CRLF-terminated line one byte at a time so nothing
// past the line is consumed.
func readHeaderLine(reader io.Reader) (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			break
		}
		line = append(line, buf[0])
		if len(line) > 32 {
			return "", errors.New("snapshot header too long")
		}
	}
	return strings.TrimSuffix(string(line), "\r"), nil
}

// deadlineReader applies the standard read timeout to every read.
type deadlineReader struct {
	conn net.Conn
}

func (r deadlineReader) Read(p []byte) (int, error) {
	r.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return r.conn.Read(p)
}

// Addr formats the master address for diagnostics.
func (hs *Handshake) Addr() string {
	return fmt.Sprintf("%s:%d", hs.masterHost, hs.masterPort)
}
