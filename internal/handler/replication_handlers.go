package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"respkv/internal/node"
	"respkv/internal/protocol"
	"respkv/internal/rdb"
)

// INFO ignores its parameters (a section name is tolerated) and replies with
// the replication section only.
func (h *Handler) handleInfo(req *Request) ([][]byte, error) {
	var payload strings.Builder

	payload.WriteString("# Replication\r\n")
	payload.WriteString(fmt.Sprintf("role:%s\r\n", h.state.Role()))
	payload.WriteString("connected_slaves:0")

	if h.state.IsMaster() {
		payload.WriteString(fmt.Sprintf("\r\nmaster_replid:%s", h.state.ReplID()))
		payload.WriteString(fmt.Sprintf("\r\nmaster_repl_offset:%d", h.state.ReplOffset()))
	}

	return [][]byte{protocol.EncodeBulkString(payload.String())}, nil
}

// REPLCONF listening-port registers the replica in the slave registry and
// tags the connection. Every other option (capa included) is accepted
// silently for forward compatibility. The reply is always +OK.
func (h *Handler) handleReplConf(req *Request) ([][]byte, error) {
	params := req.Cmd.Params

	if len(params) >= 2 && strings.ToLower(params[0]) == "listening-port" {
		port, err := strconv.ParseUint(params[1], 10, 16)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "invalid listening-port %q", params[1])
		}

		req.Session.ReplicaPort = int(port)
		h.state.RegisterSlave(int(port), req.Conn)
		h.log.Infof("replica registered on port %d", port)
	}

	return [][]byte{protocol.EncodeSimpleString("OK")}, nil
}

// PSYNC completes the handshake: the connection must already be tagged by a
// REPLCONF listening-port and have a live registry entry. The reply is two
// frames: the FULLRESYNC line and the raw empty snapshot.
func (h *Handler) handlePSync(req *Request) ([][]byte, error) {
	if h.state.Role() != node.RoleMaster {
		return nil, errors.Wrap(ErrProtocol, "PSYNC against a replica")
	}
	if req.Session.ReplicaPort == 0 {
		return nil, errors.Wrap(ErrProtocol, "PSYNC before REPLCONF listening-port")
	}
	if !h.state.MarkFullHandshake(req.Session.ReplicaPort) {
		return nil, errors.Wrapf(ErrProtocol, "no registered replica for port %d", req.Session.ReplicaPort)
	}

	h.log.Infof("full resync requested by replica on port %d", req.Session.ReplicaPort)

	fullresync := protocol.EncodeSimpleString(
		fmt.Sprintf("FULLRESYNC %s %d", h.state.ReplID(), h.state.ReplOffset()))

	return [][]byte{fullresync, rdb.EmptyFrame()}, nil
}
