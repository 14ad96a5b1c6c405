package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// The backend speaks Socket.IO v5 over Engine.IO v4 on a plain websocket.
// Only text frames are used: an Engine.IO packet type digit, and for
// message packets a Socket.IO packet type digit followed by an optional ack
// id and a JSON array ["event", args...].

type frameKind int

const (
	frameOpen frameKind = iota
	frameClose
	framePing
	framePong
	frameNoop
	frameConnect
	frameDisconnect
	frameEvent
	frameAck
	frameConnectError
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO packet types.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

var (
	pongFrame    = []byte{eioPong}
	errBadFrame  = errors.New("malformed frame")
	errBinaryMsg = errors.New("binary socket.io packets are not supported")
)

type frame struct {
	kind  frameKind
	event string
	// data is the first event argument for events, or the JSON body of
	// open, connect and connect-error packets.
	data  json.RawMessage
	ackID int
}

// openInfo is the Engine.IO handshake body.
type openInfo struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

func (o openInfo) interval() time.Duration { return time.Duration(o.PingInterval) * time.Millisecond }
func (o openInfo) timeout() time.Duration  { return time.Duration(o.PingTimeout) * time.Millisecond }

func decodeFrame(data []byte) (frame, error) {
	f := frame{ackID: -1}
	if len(data) == 0 {
		return f, errBadFrame
	}
	switch data[0] {
	case eioOpen:
		f.kind, f.data = frameOpen, json.RawMessage(data[1:])
		return f, nil
	case eioClose:
		f.kind = frameClose
		return f, nil
	case eioPing:
		f.kind = framePing
		return f, nil
	case eioPong:
		f.kind = framePong
		return f, nil
	case eioNoop:
		f.kind = frameNoop
		return f, nil
	case eioMessage:
		return decodeSocketPacket(data[1:])
	}
	return f, fmt.Errorf("%w: engine packet type %q", errBadFrame, data[0])
}

func decodeSocketPacket(p []byte) (frame, error) {
	f := frame{ackID: -1}
	if len(p) == 0 {
		return f, errBadFrame
	}
	typ, rest := p[0], p[1:]

	// Only the default namespace is used; a leading "/ns," is skipped.
	if len(rest) > 0 && rest[0] == '/' {
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = nil
		}
	}

	switch typ {
	case sioConnect:
		f.kind, f.data = frameConnect, json.RawMessage(rest)
		return f, nil
	case sioDisconnect:
		f.kind = frameDisconnect
		return f, nil
	case sioConnectError:
		f.kind, f.data = frameConnectError, json.RawMessage(rest)
		return f, nil
	case sioEvent, sioAck:
	case '5', '6':
		return f, errBinaryMsg
	default:
		return f, fmt.Errorf("%w: socket packet type %q", errBadFrame, typ)
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id := 0
		for _, c := range rest[:i] {
			id = id*10 + int(c-'0')
		}
		f.ackID = id
	}

	var args []json.RawMessage
	if err := json.Unmarshal(rest[i:], &args); err != nil {
		return f, fmt.Errorf("%w: %v", errBadFrame, err)
	}

	if typ == sioAck {
		f.kind = frameAck
		if len(args) > 0 {
			f.data = args[0]
		}
		return f, nil
	}

	if len(args) == 0 {
		return f, fmt.Errorf("%w: event without name", errBadFrame)
	}
	f.kind = frameEvent
	if err := json.Unmarshal(args[0], &f.event); err != nil {
		return f, fmt.Errorf("%w: event name: %v", errBadFrame, err)
	}
	if len(args) > 1 {
		f.data = args[1]
	}
	return f, nil
}

func encodeEvent(event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return append([]byte{eioMessage, sioEvent}, b...), nil
}

func encodeConnect(auth any) ([]byte, error) {
	out := []byte{eioMessage, sioConnect}
	if auth == nil {
		return out, nil
	}
	b, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth: %w", err)
	}
	return append(out, b...), nil
}
