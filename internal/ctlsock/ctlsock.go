// Package ctlsock implements the control socket surface of spec.md §6: a
// long-lived Unix socket that accepts the same verbs as the command-line
// message interface (status / message / suspend / resume) without forcing a
// caller to spawn a new process per request. It is grounded on the
// teacher's internal/ctlsock/ctlsock_serve.go, which serves exactly this
// kind of accept-loop JSON request/response protocol for FUSE path
// encrypt/decrypt queries; the accept loop, per-connection goroutine and
// JSON framing are kept, the request/response payloads are replaced with
// this core's own target-command verbs.
package ctlsock

import (
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/dm-crypt-go/dmcrypt/internal/dmerr"
	"github.com/dm-crypt-go/dmcrypt/internal/target"
	"github.com/dm-crypt-go/dmcrypt/internal/tlog"
)

// RequestStruct is sent by a client. Verb is one of "status", "message",
// "suspend", "resume"; Args carries the message verb's own arguments
// ("key", "set", "<hex>" or "key", "wipe").
type RequestStruct struct {
	Verb string
	Args []string
}

// ResponseStruct is sent back for every request.
type ResponseStruct struct {
	// Result carries the status line's text on a successful "status" call.
	Result string
	// ErrNo is the negative errno spec.md §7 assigns the failure, or 0.
	ErrNo int32
	// ErrText is a human-readable error description, empty on success.
	ErrText string
}

type handler struct {
	target *target.Target
	socket *net.UnixListener
}

// CreateAndServe creates a Unix socket at path and serves requests against t
// in a new goroutine until the listener is closed.
func CreateAndServe(path string, t *target.Target) (io.Closer, error) {
	sock, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	h := &handler{target: t, socket: sock.(*net.UnixListener)}
	go h.acceptLoop()
	return h.socket, nil
}

func (h *handler) acceptLoop() {
	for {
		conn, err := h.socket.Accept()
		if err != nil {
			tlog.Info.Printf("ctlsock: accept loop exiting: %v", err)
			return
		}
		go h.handleConnection(conn.(*net.UnixConn))
	}
}

func (h *handler) handleConnection(conn *net.UnixConn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	for {
		var in RequestStruct
		if err := dec.Decode(&in); err != nil {
			if err != io.EOF {
				tlog.Warn.Printf("ctlsock: decode error: %v", err)
			}
			return
		}
		h.handleRequest(&in, conn)
	}
}

func (h *handler) handleRequest(in *RequestStruct, conn *net.UnixConn) {
	var out ResponseStruct
	var err error
	switch in.Verb {
	case "status":
		out.Result = h.target.Status()
	case "message":
		err = h.target.Message(in.Args...)
	case "suspend":
		h.target.Postsuspend()
	case "resume":
		err = h.target.Preresume()
		if err == nil {
			h.target.Resume()
		}
	default:
		err = errors.New("unknown verb " + in.Verb)
	}
	if err != nil {
		out.ErrText = err.Error()
		out.ErrNo = int32(dmerr.Negative(err))
	}
	sendResponse(&out, conn)
}

func sendResponse(msg *ResponseStruct, conn *net.UnixConn) {
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		tlog.Warn.Printf("ctlsock: marshal failed: %v", err)
		return
	}
	if _, err := conn.Write(jsonMsg); err != nil {
		tlog.Warn.Printf("ctlsock: write failed: %v", err)
	}
}
