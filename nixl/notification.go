package nixl

import (
	"encoding/binary"
	"fmt"
)

const (
	// NotificationAgentNameSize is the fixed width of the agent-name field.
	NotificationAgentNameSize = 32
	// NotificationMessageSize is the fixed width of the message field.
	NotificationMessageSize = 128
	// MaxXferIDsPerNotification bounds how many XFER-IDs one notification
	// record can carry.
	MaxXferIDsPerNotification = 256
	// NotificationRecordSize is the exhaustive wire size of one record:
	// 32 (name) + 128 (message) + 2 (count) + 256*4 (ids).
	NotificationRecordSize = NotificationAgentNameSize + NotificationMessageSize + 2 + MaxXferIDsPerNotification*4
)

// Notification is the fixed-size control record carrying the sender's
// agent name, the user message, and the set of XFER-IDs whose arrival the
// receiver must observe before releasing the message.
type Notification struct {
	AgentName string
	Message   []byte
	XferIDs   []uint32
}

// Encode serialises n into the fixed-size wire record. It returns an error
// if the agent name, message, or XFER-ID count exceed the record's fields.
func (n Notification) Encode() ([]byte, error) {
	if len(n.AgentName) > NotificationAgentNameSize {
		return nil, fmt.Errorf("nixl: agent name %q exceeds %d bytes", n.AgentName, NotificationAgentNameSize)
	}
	if len(n.Message) > NotificationMessageSize {
		return nil, fmt.Errorf("nixl: notification message exceeds %d bytes", NotificationMessageSize)
	}
	if len(n.XferIDs) > MaxXferIDsPerNotification {
		return nil, fmt.Errorf("nixl: notification carries %d xfer ids, max %d", len(n.XferIDs), MaxXferIDsPerNotification)
	}

	buf := make([]byte, NotificationRecordSize)
	copy(buf[:NotificationAgentNameSize], n.AgentName)
	copy(buf[NotificationAgentNameSize:NotificationAgentNameSize+NotificationMessageSize], n.Message)

	countOffset := NotificationAgentNameSize + NotificationMessageSize
	binary.LittleEndian.PutUint16(buf[countOffset:countOffset+2], uint16(len(n.XferIDs)))

	idsOffset := countOffset + 2
	for i, id := range n.XferIDs {
		binary.LittleEndian.PutUint32(buf[idsOffset+i*4:idsOffset+i*4+4], id)
	}
	return buf, nil
}

// DecodeNotification parses a fixed-size wire record. Any payload whose
// length differs from NotificationRecordSize is rejected.
func DecodeNotification(buf []byte) (Notification, error) {
	if len(buf) != NotificationRecordSize {
		return Notification{}, fmt.Errorf("nixl: notification payload is %d bytes, want %d", len(buf), NotificationRecordSize)
	}

	name := trimNUL(buf[:NotificationAgentNameSize])
	message := trimNULCopy(buf[NotificationAgentNameSize : NotificationAgentNameSize+NotificationMessageSize])

	countOffset := NotificationAgentNameSize + NotificationMessageSize
	count := binary.LittleEndian.Uint16(buf[countOffset : countOffset+2])
	if count > MaxXferIDsPerNotification {
		return Notification{}, fmt.Errorf("nixl: notification xfer_id_count %d exceeds %d", count, MaxXferIDsPerNotification)
	}

	idsOffset := countOffset + 2
	ids := make([]uint32, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(buf[idsOffset+i*4 : idsOffset+i*4+4])
	}

	return Notification{AgentName: name, Message: message, XferIDs: ids}, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func trimNULCopy(b []byte) []byte {
	n := len(b)
	for i, c := range b {
		if c == 0 {
			n = i
			break
		}
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out
}
