package internal

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// STOMP 1.2 commands the chat broker exchanges with us.
const (
	stompConnect    = "CONNECT"
	stompConnected  = "CONNECTED"
	stompSubscribe  = "SUBSCRIBE"
	stompSend       = "SEND"
	stompMessage    = "MESSAGE"
	stompError      = "ERROR"
	stompDisconnect = "DISCONNECT"
)

// heartbeatFrame is the bare newline both sides exchange as a liveness ping.
var heartbeatFrame = []byte("\n")

// stompFrame is one protocol frame: command, headers, optional body,
// NUL-terminated on the wire.
type stompFrame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func newFrame(command string, body []byte) *stompFrame {
	return &stompFrame{Command: command, Headers: make(map[string]string), Body: body}
}

// set adds a header and returns the frame so call sites can chain.
func (f *stompFrame) set(key, value string) *stompFrame {
	f.Headers[key] = value
	return f
}

// marshal encodes the frame for the wire. Headers are sorted so output is
// deterministic and testable.
func (f *stompFrame) marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(escapeHeader(k))
		buf.WriteByte(':')
		buf.WriteString(escapeHeader(f.Headers[k]))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// isHeartbeat reports whether a raw websocket payload is just the STOMP
// heartbeat newline(s).
func isHeartbeat(payload []byte) bool {
	return len(bytes.TrimLeft(payload, "\r\n")) == 0
}

// parseFrame decodes a raw frame. The trailing NUL and any padding newlines
// after it are tolerated since brokers differ on flushing.
func parseFrame(payload []byte) (*stompFrame, error) {
	payload = bytes.TrimRight(payload, "\x00\r\n")
	head, body, found := bytes.Cut(payload, []byte("\n\n"))
	if !found {
		// frame with no body still ends its header block with a blank line;
		// tolerate its absence for single-line commands
		head, body = payload, nil
	}

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("stomp: empty frame")
	}

	frame := newFrame(strings.TrimSpace(lines[0]), body)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header %q", line)
		}
		key = unescapeHeader(key)
		// first occurrence wins, per STOMP 1.2
		if _, exists := frame.Headers[key]; !exists {
			frame.Headers[key] = unescapeHeader(value)
		}
	}
	return frame, nil
}

// parseHeartbeat decodes a heart-beat header value, "sx,sy" in milliseconds:
// sx is what the peer can send, sy is what it wants to receive. An absent or
// malformed header means 0,0 (no heartbeats), per STOMP 1.2.
func parseHeartbeat(value string) (send, recv time.Duration) {
	sx, sy, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0
	}
	sendMs, err1 := strconv.Atoi(strings.TrimSpace(sx))
	recvMs, err2 := strconv.Atoi(strings.TrimSpace(sy))
	if err1 != nil || err2 != nil || sendMs < 0 || recvMs < 0 {
		return 0, 0
	}
	return time.Duration(sendMs) * time.Millisecond, time.Duration(recvMs) * time.Millisecond
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, ":", `\c`, "\r", `\r`)
var headerUnescaper = strings.NewReplacer(`\n`, "\n", `\c`, ":", `\r`, "\r", `\\`, `\`)

func escapeHeader(s string) string   { return headerEscaper.Replace(s) }
func unescapeHeader(s string) string { return headerUnescaper.Replace(s) }

// connectFrame builds the session handshake with the room-scoped auth
// headers the broker expects.
func connectFrame(userID, roomID, token string, heartbeatMillis int) *stompFrame {
	return newFrame(stompConnect, nil).
		set("accept-version", "1.2").
		set("heart-beat", fmt.Sprintf("%d,%d", heartbeatMillis, heartbeatMillis)).
		set("chatType", "room").
		set("userId", userID).
		set("roomId", roomID).
		set("token", token)
}

// subscribeFrame registers for a room's inbound topic.
func subscribeFrame(id, destination string) *stompFrame {
	return newFrame(stompSubscribe, nil).
		set("id", id).
		set("destination", destination)
}

// sendFrame publishes a JSON body to a destination.
func sendFrame(destination string, body []byte) *stompFrame {
	return newFrame(stompSend, body).
		set("destination", destination).
		set("content-type", "application/json").
		set("content-length", fmt.Sprintf("%d", len(body)))
}
