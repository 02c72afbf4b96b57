package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const roomIDPrefix = "room_"

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, shortUUID(16))
}

// RoomIDAt names the room of a call started at t. The random tail keeps
// calls started in the same millisecond apart.
func RoomIDAt(t time.Time) string {
	return fmt.Sprintf("%s%d_%s", roomIDPrefix, t.UnixMilli(), shortUUID(8))
}

// NewRoomID returns a room id for a call starting now.
func NewRoomID() string {
	return RoomIDAt(time.Now())
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

func shortUUID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
