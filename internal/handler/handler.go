package handler

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"respkv/internal/node"
	"respkv/internal/protocol"
	"respkv/internal/storage"
)

// ErrProtocol reports a well-formed RESP frame carrying a command the server
// cannot honor (bad SET shape, PSYNC without a handshake, unknown command).
// The connection loop closes the connection on it.
var ErrProtocol = errors.New("protocol error")

// Session is the per-connection handshake state. ReplicaPort is 0 until a
// REPLCONF listening-port tags the connection as a replica.
type Session struct {
	ReplicaPort int
}

// Request is one parsed command plus the connection it arrived on.
type Request struct {
	Session *Session
	Conn    net.Conn
	Cmd     *protocol.Command
}

// CommandFunc executes one command and returns the response frames, in write
// order. Each frame is written to the client as one contiguous write.
type CommandFunc func(req *Request) ([][]byte, error)

// Handler dispatches parsed commands against the shared store and node
// state.
type Handler struct {
	store    *storage.Store
	state    *node.State
	log      *logrus.Logger
	commands map[string]CommandFunc
}

func New(store *storage.Store, state *node.State, log *logrus.Logger) *Handler {
	h := &Handler{
		store: store,
		state: state,
		log:   log,
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands = make(map[string]CommandFunc)

	// Basic commands.
	h.commands["PING"] = h.handlePing
	h.commands["ECHO"] = h.handleEcho
	h.commands["GET"] = h.handleGet
	h.commands["SET"] = h.handleSet

	// Replication commands.
	h.commands["INFO"] = h.handleInfo
	h.commands["REPLCONF"] = h.handleReplConf
	h.commands["PSYNC"] = h.handlePSync
}

// Dispatch executes cmd and returns its response frames. Unknown commands
// and shape errors return ErrProtocol; the caller closes the connection.
func (h *Handler) Dispatch(sess *Session, conn net.Conn, cmd *protocol.Command) ([][]byte, error) {
	fn, ok := h.commands[cmd.Name]
	if !ok {
		return nil, errors.Wrapf(ErrProtocol, "unknown command %q", cmd.Name)
	}
	return fn(&Request{Session: sess, Conn: conn, Cmd: cmd})
}
