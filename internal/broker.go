package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broker is an in-memory chat backend for local development and tests. It
// speaks the same wire protocol as the production backend: STOMP frames over
// websocket plus the message-history and file-upload REST endpoints.
type Broker struct {
	mutex     sync.RWMutex
	rooms     map[string]*brokerRoom
	uploadDir string
	log       *zap.Logger
}

func NewBroker(uploadDir string, log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		rooms:     make(map[string]*brokerRoom),
		uploadDir: uploadDir,
		log:       log,
	}
}

// Handler returns the full HTTP surface: websocket, history, uploads.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	mux.HandleFunc("/chat/chatMessgeLoadList", b.serveHistory)
	mux.HandleFunc("/chat/fileUpload", b.serveUpload)
	mux.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(b.uploadDir))))
	return mux
}

func (b *Broker) getOrCreateRoom(key string) *brokerRoom {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if room, exists := b.rooms[key]; exists {
		return room
	}
	room := newBrokerRoom(key)
	b.rooms[key] = room
	go room.run()
	return room
}

func (b *Broker) getRoom(key string) *brokerRoom {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.rooms[key]
}

func (b *Broker) deleteRoomIfEmpty(key string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if room, exists := b.rooms[key]; exists {
		if room.size() == 0 {
			delete(b.rooms, key)
		}
	}
}

// a room broadcasts frames to connected clients and owns the message log
// the history endpoint pages through.
type brokerRoom struct {
	key        string
	clients    map[*brokerClient]bool
	register   chan *brokerClient
	unregister chan *brokerClient
	broadcast  chan []byte
	mutex      sync.RWMutex

	historyMutex sync.RWMutex
	history      []Message
	nextID       int64
	members      map[string]bool
}

func newBrokerRoom(key string) *brokerRoom {
	return &brokerRoom{
		key:        key,
		clients:    make(map[*brokerClient]bool),
		register:   make(chan *brokerClient),
		unregister: make(chan *brokerClient),
		broadcast:  make(chan []byte, 256),
		nextID:     1,
		members:    make(map[string]bool),
	}
}

func (room *brokerRoom) size() int {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	return len(room.clients)
}

func (room *brokerRoom) run() {
	for {
		select {
		case client := <-room.register:
			room.mutex.Lock()
			room.clients[client] = true
			room.mutex.Unlock()
		case client := <-room.unregister:
			room.mutex.Lock()
			if _, exists := room.clients[client]; exists {
				delete(room.clients, client)
				close(client.send)
			}
			room.mutex.Unlock()
		case payload := <-room.broadcast:
			// Fan out to every subscriber. A client that cannot keep up
			// gets dropped so the room stays healthy.
			room.mutex.Lock()
			for client := range room.clients {
				if !client.subscribed {
					continue
				}
				select {
				case client.send <- payload:
				default:
					close(client.send)
					delete(room.clients, client)
				}
			}
			room.mutex.Unlock()
		}
	}
}

// appendMessage stamps a server id and timestamp, fills the unread
// bookkeeping from the known room members, and records the message.
func (room *brokerRoom) appendMessage(msg Message) Message {
	room.historyMutex.Lock()
	defer room.historyMutex.Unlock()

	msg.ID = strconv.FormatInt(room.nextID, 10)
	room.nextID++
	msg.RoomID = room.key
	if msg.CretDate == "" {
		msg.CretDate = NowStamp()
	}

	room.members[msg.Sender] = true
	var unread []string
	for member := range room.members {
		if member != msg.Sender {
			unread = append(unread, member)
		}
	}
	msg.ReUserID = strings.Join(unread, ",")
	msg.IsRead = strconv.Itoa(len(unread))
	msg.UserList = [][]string{unread}

	room.history = append(room.history, msg)
	return msg
}

// markRead drops a user from the unread set of every logged message.
func (room *brokerRoom) markRead(userID string) {
	room.historyMutex.Lock()
	defer room.historyMutex.Unlock()
	room.members[userID] = true
	for i := range room.history {
		if updated, changed, _ := removeUnreadMember(room.history[i], userID); changed {
			room.history[i] = updated
		}
	}
}

// page returns up to limit messages older than floorID, newest first. A
// floor of zero means the latest page.
func (room *brokerRoom) page(floorID int64, limit int) []Message {
	room.historyMutex.RLock()
	defer room.historyMutex.RUnlock()

	var out []Message
	for i := len(room.history) - 1; i >= 0 && len(out) < limit; i-- {
		msg := room.history[i]
		if floorID > 0 && numericID(msg.ID) >= floorID {
			continue
		}
		out = append(out, msg)
	}
	return out
}

type brokerClient struct {
	room       *brokerRoom
	conn       *websocket.Conn
	send       chan []byte
	userID     string
	subscribed bool
}

const (
	brokerWriteWait  = 10 * time.Second
	brokerIdleWait   = 60 * time.Second
	brokerPingPeriod = (brokerIdleWait * 9) / 10
	brokerMaxMsgSize = 65536
	historyPageSize  = 30
)

var brokerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// dev broker, all origins allowed
		return true
	},
}

// serveWS upgrades the request and runs the STOMP session. The room and
// user come from the CONNECT frame headers, so the handshake happens inside
// the read pump.
func (b *Broker) serveWS(writer http.ResponseWriter, request *http.Request) {
	conn, err := brokerUpgrader.Upgrade(writer, request, nil)
	if err != nil {
		b.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	client := &brokerClient{conn: conn, send: make(chan []byte, 256)}
	go client.writePump()
	go client.readPump(b)
}

func (client *brokerClient) readPump(b *Broker) {
	defer func() {
		if client.room != nil {
			client.room.unregister <- client
			b.deleteRoomIfEmpty(client.room.key)
		}
		client.conn.Close()
	}()
	client.conn.SetReadLimit(brokerMaxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(brokerIdleWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(brokerIdleWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			break
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(brokerIdleWait))
		if isHeartbeat(payload) {
			continue
		}
		frame, err := parseFrame(payload)
		if err != nil {
			b.log.Debug("bad frame", zap.Error(err))
			continue
		}
		client.handleFrame(b, frame)
	}
}

func (client *brokerClient) handleFrame(b *Broker, frame *stompFrame) {
	switch frame.Command {
	case stompConnect:
		client.userID = frame.Headers["userId"]
		roomKey := frame.Headers["roomId"]
		if roomKey == "" {
			client.sendFrame(newFrame(stompError, nil).set("message", "missing roomId header"))
			return
		}
		client.room = b.getOrCreateRoom(roomKey)
		client.room.register <- client
		// the broker keeps sessions alive with websocket pings, not STOMP
		// heartbeats: advertise zero on the send side so clients do not
		// expect newline traffic, and accept whatever the client offers
		clientSend, _ := parseHeartbeat(frame.Headers["heart-beat"])
		client.sendFrame(newFrame(stompConnected, nil).
			set("version", "1.2").
			set("heart-beat", fmt.Sprintf("0,%d", clientSend.Milliseconds())))

	case stompSubscribe:
		client.subscribed = true

	case stompSend:
		if client.room == nil {
			return
		}
		client.handleSend(b, frame)

	case stompDisconnect:
		_ = client.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

func (client *brokerClient) handleSend(b *Broker, frame *stompFrame) {
	var msg Message
	if err := json.Unmarshal(frame.Body, &msg); err != nil {
		b.log.Debug("bad send body", zap.Error(err))
		return
	}
	if msg.Sender == "" {
		msg.Sender = client.userID
	}

	destination := frame.Headers["destination"]
	switch destination {
	case publishDestination:
		msg = client.room.appendMessage(msg)
	case enterDestination:
		msg.Type = TypeEnter
		msg.RoomID = client.room.key
		if msg.CretDate == "" {
			msg.CretDate = NowStamp()
		}
		client.room.markRead(msg.Sender)
	default:
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	out := newFrame(stompMessage, body).
		set("destination", "/sub/chat/room/"+client.room.key).
		set("content-type", "application/json")
	client.room.broadcast <- out.marshal()
}

func (client *brokerClient) sendFrame(frame *stompFrame) {
	select {
	case client.send <- frame.marshal():
	default:
	}
}

func (client *brokerClient) writePump() {
	ticker := time.NewTicker(brokerPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(brokerWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(brokerWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveHistory pages the room's message log, newest first.
func (b *Broker) serveHistory(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		RoomID string `json:"roomId"`
		ID     int64  `json:"id"`
		Sender string `json:"sender"`
	}
	if err := json.NewDecoder(request.Body).Decode(&req); err != nil {
		http.Error(writer, "bad request", http.StatusBadRequest)
		return
	}

	var page []Message
	if room := b.getRoom(req.RoomID); room != nil {
		page = room.page(req.ID, historyPageSize)
	}
	if page == nil {
		page = []Message{}
	}
	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"success":         true,
		"messageInfoList": page,
	})
}

// serveUpload stores multipart image uploads under uploadDir/roomId and
// writes a thumbnail copy alongside each original.
func (b *Broker) serveUpload(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := request.ParseMultipartForm(32 << 20); err != nil {
		http.Error(writer, "bad multipart body", http.StatusBadRequest)
		return
	}
	roomID := request.FormValue("roomId")

	var saved []map[string]string
	for _, header := range request.MultipartForm.File["files"] {
		savedName, err := b.saveUpload(roomID, header)
		if err != nil {
			b.log.Warn("upload failed", zap.String("file", header.Filename), zap.Error(err))
			http.Error(writer, "upload failed", http.StatusInternalServerError)
			return
		}
		saved = append(saved, map[string]string{"savedName": savedName})
	}

	writer.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(writer).Encode(map[string]any{
		"success": true,
		"files":   saved,
	})
}

func (b *Broker) saveUpload(roomID string, header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	savedName := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), filepath.Base(header.Filename))
	if roomID != "" {
		savedName = roomID + "/" + savedName
	}
	fullPath := filepath.Join(b.uploadDir, filepath.FromSlash(savedName))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		dst.Close()
		return "", err
	}
	if _, err := dst.Write(data); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}

	// the production backend generates real thumbnails; the dev broker just
	// copies the original under the thumbnail name
	thumbPath := filepath.Join(b.uploadDir, filepath.FromSlash(addThumbnailSuffix(savedName)))
	if err := os.WriteFile(thumbPath, data, 0o644); err != nil {
		return "", err
	}
	return savedName, nil
}
