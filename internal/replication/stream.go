package replication

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"respkv/internal/handler"
	"respkv/internal/protocol"
)

// ServeMasterStream reads propagated commands off the retained handshake
// connection and applies the mutating ones to the local store. No replies
// are written; the master does not expect any. Returns when the master
// closes the connection or a frame fails to parse.
func ServeMasterStream(conn net.Conn, h *handler.Handler, log *logrus.Logger) {
	defer conn.Close()

	sess := &handler.Session{}
	buf := make([]byte, 1024)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.Infof("master stream closed: %v", err)
			return
		}
		if n == 0 {
			log.Infof("master closed the replication stream")
			return
		}

		cmd, err := protocol.ParseRequest(buf[:n])
		if err != nil {
			log.Infof("bad frame on replication stream: %v", err)
			return
		}

		// Keepalive pings and other non-mutating traffic are ignored;
		// writes are applied locally.
		if !protocol.IsWriteCommand(cmd.Name) {
			continue
		}

		if _, err := h.Dispatch(sess, conn, cmd); err != nil {
			log.Infof("replicated %s failed: %v", cmd.Name, err)
		}
	}
}
