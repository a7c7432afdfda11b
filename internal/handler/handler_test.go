package handler

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"respkv/internal/node"
	"respkv/internal/protocol"
	"respkv/internal/rdb"
	"respkv/internal/storage"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestHandler(t *testing.T, state *node.State) (*Handler, *storage.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	store := storage.NewStore(mock)
	t.Cleanup(store.Close)
	return New(store, state, discardLogger()), store, mock
}

func dispatch(t *testing.T, h *Handler, sess *Session, frame string) [][]byte {
	t.Helper()
	cmd, err := protocol.ParseRequest([]byte(frame))
	require.NoError(t, err)
	frames, err := h.Dispatch(sess, nil, cmd)
	require.NoError(t, err)
	return frames
}

func dispatchErr(t *testing.T, h *Handler, sess *Session, frame string) error {
	t.Helper()
	cmd, err := protocol.ParseRequest([]byte(frame))
	require.NoError(t, err)
	_, err = h.Dispatch(sess, nil, cmd)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocol)
	return err
}

func TestPing(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*1\r\n$4\r\nPING\r\n")
	require.Equal(t, [][]byte{[]byte("+PONG\r\n")}, frames)
}

func TestPingWithArgument(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*2\r\n$4\r\nPING\r\n$2\r\nhi\r\n")
	require.Equal(t, [][]byte{[]byte("$2\r\nhi\r\n")}, frames)
}

func TestPingHasNoSideEffect(t *testing.T) {
	h, store, _ := newTestHandler(t, node.NewMaster(0))

	for i := 0; i < 5; i++ {
		frames := dispatch(t, h, &Session{}, "*1\r\n$4\r\nPING\r\n")
		require.Equal(t, [][]byte{[]byte("+PONG\r\n")}, frames)
	}
	require.False(t, store.Has("PING"))
}

func TestEcho(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*2\r\n$4\r\nECHO\r\n$5\r\nhello\r\n")
	require.Equal(t, [][]byte{[]byte("$5\r\nhello\r\n")}, frames)
}

func TestEchoWithoutArgument(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))
	dispatchErr(t, h, &Session{}, "*1\r\n$4\r\nECHO\r\n")
}

func TestSetThenGet(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))
	sess := &Session{}

	frames := dispatch(t, h, sess, "*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	require.Equal(t, [][]byte{[]byte("+OK\r\n")}, frames)

	frames = dispatch(t, h, sess, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	require.Equal(t, [][]byte{[]byte("$3\r\nbar\r\n")}, frames)
}

func TestGetMissingKey(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*2\r\n$3\r\nGET\r\n$4\r\nnope\r\n")
	require.Equal(t, [][]byte{[]byte("$-1\r\n")}, frames)
}

func TestCommandNamesCaseInsensitivePayloadsNot(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))
	sess := &Session{}

	dispatch(t, h, sess, "*3\r\n$3\r\nsEt\r\n$3\r\nFoo\r\n$3\r\nBar\r\n")

	frames := dispatch(t, h, sess, "*2\r\n$3\r\ngET\r\n$3\r\nFoo\r\n")
	require.Equal(t, [][]byte{[]byte("$3\r\nBar\r\n")}, frames)

	frames = dispatch(t, h, sess, "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	require.Equal(t, [][]byte{[]byte("$-1\r\n")}, frames)
}

func TestSetWithExpiry(t *testing.T) {
	h, store, mock := newTestHandler(t, node.NewMaster(0))
	sess := &Session{}

	frames := dispatch(t, h, sess, "*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\npx\r\n$2\r\n50\r\n")
	require.Equal(t, [][]byte{[]byte("+OK\r\n")}, frames)

	mock.Add(51 * time.Millisecond)
	frames = dispatch(t, h, sess, "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n")
	require.Equal(t, [][]byte{[]byte("$-1\r\n")}, frames)
	require.False(t, store.Has("k"))
}

func TestSetShapeErrors(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := []string{
		"*2\r\n$3\r\nSET\r\n$1\r\nk\r\n",                                     // missing value
		"*4\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n",              // PX without count
		"*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nEX\r\n$2\r\n50\r\n",  // unknown option
		"*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$3\r\nabc\r\n", // non-numeric count
		"*5\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n$2\r\nPX\r\n$2\r\n-5\r\n",  // negative count
	}
	for _, frame := range frames {
		dispatchErr(t, h, &Session{}, frame)
	}
}

func TestUnknownCommand(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))
	dispatchErr(t, h, &Session{}, "*1\r\n$4\r\nKEYS\r\n")
}

var masterInfoPattern = regexp.MustCompile(
	`^# Replication\r\nrole:master\r\nconnected_slaves:0\r\nmaster_replid:[A-Za-z0-9]{40}\r\nmaster_repl_offset:0$`)

func bulkPayload(t *testing.T, frame []byte) string {
	t.Helper()
	value, err := protocol.ParseReply(bufio.NewReader(bytes.NewReader(frame)))
	require.NoError(t, err)
	return value
}

func TestInfoOnMaster(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*1\r\n$4\r\nINFO\r\n")
	require.Len(t, frames, 1)
	require.Regexp(t, masterInfoPattern, bulkPayload(t, frames[0]))
}

func TestInfoOnReplica(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewReplica(0, "127.0.0.1", 6379))

	frames := dispatch(t, h, &Session{}, "*1\r\n$4\r\nINFO\r\n")
	require.Len(t, frames, 1)
	require.Equal(t, "# Replication\r\nrole:slave\r\nconnected_slaves:0", bulkPayload(t, frames[0]))
}

func TestInfoToleratesSectionArgument(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*2\r\n$4\r\nINFO\r\n$11\r\nreplication\r\n")
	require.Regexp(t, masterInfoPattern, bulkPayload(t, frames[0]))
}

func TestReplConfListeningPort(t *testing.T) {
	state := node.NewMaster(0)
	h, _, _ := newTestHandler(t, state)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := &Session{}
	cmd, err := protocol.ParseRequest([]byte("*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$4\r\n6380\r\n"))
	require.NoError(t, err)
	frames, err := h.Dispatch(sess, server, cmd)
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte("+OK\r\n")}, frames)
	require.Equal(t, 6380, sess.ReplicaPort)
	require.True(t, state.HasSlave(6380))
	// Not yet handshaken.
	require.Empty(t, state.SnapshotOnlineSlaves())
}

func TestReplConfCapaAcceptedSilently(t *testing.T) {
	state := node.NewMaster(0)
	h, _, _ := newTestHandler(t, state)

	sess := &Session{}
	frames := dispatch(t, h, sess, "*3\r\n$8\r\nREPLCONF\r\n$4\r\ncapa\r\n$6\r\npsync2\r\n")
	require.Equal(t, [][]byte{[]byte("+OK\r\n")}, frames)
	require.Zero(t, sess.ReplicaPort)
	require.Empty(t, state.SnapshotOnlineSlaves())
}

func TestReplConfUnknownOptionAccepted(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))

	frames := dispatch(t, h, &Session{}, "*3\r\n$8\r\nREPLCONF\r\n$6\r\nfuture\r\n$5\r\nvalue\r\n")
	require.Equal(t, [][]byte{[]byte("+OK\r\n")}, frames)
}

func TestReplConfInvalidPort(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))
	dispatchErr(t, h, &Session{}, "*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$5\r\n99999\r\n")
}

func TestPSyncWithoutHandshake(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewMaster(0))
	dispatchErr(t, h, &Session{}, "*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n")
}

func TestPSyncOnReplica(t *testing.T) {
	h, _, _ := newTestHandler(t, node.NewReplica(0, "127.0.0.1", 6379))

	sess := &Session{ReplicaPort: 6380}
	cmd, err := protocol.ParseRequest([]byte("*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n"))
	require.NoError(t, err)
	_, err = h.Dispatch(sess, nil, cmd)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestPSyncCompletesHandshake(t *testing.T) {
	state := node.NewMaster(0)
	h, _, _ := newTestHandler(t, state)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := &Session{}
	cmd, err := protocol.ParseRequest([]byte("*3\r\n$8\r\nREPLCONF\r\n$14\r\nlistening-port\r\n$4\r\n6380\r\n"))
	require.NoError(t, err)
	_, err = h.Dispatch(sess, server, cmd)
	require.NoError(t, err)

	cmd, err = protocol.ParseRequest([]byte("*3\r\n$5\r\nPSYNC\r\n$1\r\n?\r\n$2\r\n-1\r\n"))
	require.NoError(t, err)
	frames, err := h.Dispatch(sess, server, cmd)
	require.NoError(t, err)

	require.Len(t, frames, 2)
	require.Equal(t, []byte("+FULLRESYNC "+state.ReplID()+" 0\r\n"), frames[0])
	require.Equal(t, rdb.EmptyFrame(), frames[1])

	online := state.SnapshotOnlineSlaves()
	require.Len(t, online, 1)
	require.Equal(t, 6380, online[0].Port)
}
