package internal

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Message types carried on the wire.
const (
	TypeTalk  = "TALK"
	TypeImage = "IMAGE"
	TypeEnter = "ENTER"
)

// CretDateLayout is the fixed lexical timestamp format the backend speaks,
// second precision in local time.
const CretDateLayout = "2006-01-02 15:04:05"

// Message is one chat event in a room. Server-assigned ids are numeric
// strings; locally originated messages carry a timestamp-derived id until the
// server echo replaces it.
//
// IsRead is a decimal string counting the members who have NOT read the
// message yet; it counts down as members read it. ReUserID is the
// comma-joined set behind that count. The two are kept in lockstep: after any
// mutation, IsRead parsed as an integer equals the number of non-empty tokens
// in ReUserID.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"roomId"`
	Sender    string     `json:"sender"`
	UserName  string     `json:"userName"`
	Type      string     `json:"type"`
	Message   string     `json:"message"`
	ImageInfo string     `json:"imageInfo,omitempty"`
	CretDate  string     `json:"cretDate"`
	IsRead    string     `json:"isRead"`
	ReUserID  string     `json:"reUserId"`
	UserList  [][]string `json:"userList,omitempty"`
}

// DateSeparator is a synthetic render entry marking a day boundary. It is
// never sent over the wire.
type DateSeparator struct {
	ID   string
	Date string
}

// ChatItem is the tagged union rendered by the chat list: either a Message or
// a DateSeparator.
type ChatItem interface {
	chatItem()
}

func (Message) chatItem()       {}
func (DateSeparator) chatItem() {}

// NewOutgoingMessage builds the frame published for a just-sent message:
// client-generated id and timestamp, zeroed read-state.
func NewOutgoingMessage(msgType, body, userID, userName, roomID, imageInfo string) Message {
	return Message{
		ID:        fmt.Sprintf("send_%d_%04d", time.Now().UnixMilli(), rand.Intn(10000)),
		RoomID:    roomID,
		Sender:    userID,
		UserName:  userName,
		Type:      msgType,
		Message:   body,
		ImageInfo: imageInfo,
		CretDate:  NowStamp(),
		IsRead:    "0",
		ReUserID:  "",
		UserList:  nil,
	}
}

// NewEnterEvent builds the body published on the room-enter handshake.
func NewEnterEvent(roomID, userID, userName string) Message {
	return Message{
		RoomID:   roomID,
		Sender:   userID,
		UserName: userName,
		Type:     TypeEnter,
		CretDate: NowStamp(),
	}
}

// NowStamp materializes the current local time in the wire format.
func NowStamp() string {
	return time.Now().Format(CretDateLayout)
}

// DateOf extracts the YYYY-MM-DD portion of a cretDate. Empty input yields "".
func DateOf(cretDate string) string {
	if cretDate == "" {
		return ""
	}
	date, _, _ := strings.Cut(cretDate, " ")
	return date
}

// splitMembers breaks a comma-joined member list into trimmed, non-empty
// tokens. Malformed or empty input means no unread trackers.
func splitMembers(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	members := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			members = append(members, trimmed)
		}
	}
	return members
}

// UnreadCount parses an isRead counter defensively: the backend sends it as a
// string and has been seen to omit it.
func UnreadCount(isRead string) int {
	n, err := strconv.Atoi(strings.TrimSpace(isRead))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// hasDuplicateMembers reports whether the member list repeats an id. The
// server should never produce one; we flag it rather than crash.
func hasDuplicateMembers(members []string) bool {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			return true
		}
		seen[m] = struct{}{}
	}
	return false
}

// removeUnreadMember deletes readerID from the message's unread set and
// recomputes the countdown from the surviving tokens, keeping IsRead and
// ReUserID in lockstep. Removal is filter-by-equality, so a repeated call for
// the same reader is a no-op. The second result reports whether the message
// changed; the third whether the incoming set carried duplicate tokens.
func removeUnreadMember(msg Message, readerID string) (Message, bool, bool) {
	members := splitMembers(msg.ReUserID)
	if len(members) == 0 {
		return msg, false, false
	}

	dup := hasDuplicateMembers(members)
	kept := members[:0]
	for _, m := range members {
		if m != readerID {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(members) {
		return msg, false, dup
	}

	msg.ReUserID = strings.Join(kept, ",")
	msg.IsRead = strconv.Itoa(len(kept))
	return msg, true, dup
}
