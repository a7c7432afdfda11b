package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"respkv/internal/protocol"
)

func (h *Handler) handlePing(req *Request) ([][]byte, error) {
	switch len(req.Cmd.Params) {
	case 0:
		return [][]byte{protocol.EncodeSimpleString("PONG")}, nil
	case 1:
		return [][]byte{protocol.EncodeBulkString(req.Cmd.Params[0])}, nil
	default:
		return nil, errors.Wrap(ErrProtocol, "wrong number of arguments for 'ping'")
	}
}

func (h *Handler) handleEcho(req *Request) ([][]byte, error) {
	if len(req.Cmd.Params) != 1 {
		return nil, errors.Wrap(ErrProtocol, "wrong number of arguments for 'echo'")
	}
	return [][]byte{protocol.EncodeBulkString(req.Cmd.Params[0])}, nil
}

func (h *Handler) handleGet(req *Request) ([][]byte, error) {
	if len(req.Cmd.Params) != 1 {
		return nil, errors.Wrap(ErrProtocol, "wrong number of arguments for 'get'")
	}

	value, ok := h.store.Get(req.Cmd.Params[0])
	if !ok {
		return [][]byte{protocol.EncodeNullBulkString()}, nil
	}
	return [][]byte{protocol.EncodeBulkString(value)}, nil
}

// SET key value [PX milliseconds]. Exactly two or exactly four parameters;
// anything else is a protocol error.
func (h *Handler) handleSet(req *Request) ([][]byte, error) {
	params := req.Cmd.Params

	switch len(params) {
	case 2:
		h.store.Set(params[0], params[1])

	case 4:
		if strings.ToUpper(params[2]) != "PX" {
			return nil, errors.Wrapf(ErrProtocol, "unknown SET option %q", params[2])
		}
		ms, err := strconv.ParseUint(params[3], 10, 63)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "invalid PX value %q", params[3])
		}
		h.store.SetWithExpiry(params[0], params[1], time.Duration(ms)*time.Millisecond)

	default:
		return nil, errors.Wrap(ErrProtocol, "wrong number of arguments for 'set'")
	}

	return [][]byte{protocol.EncodeSimpleString("OK")}, nil
}
