package protocol

import (
	"crypto/rand"
	"fmt"
	"time"
)

// NewTaskID produces a short opaque task token: "T" followed by 8 hex chars.
func NewTaskID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("T%08x", time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("T%x", b[:])
}
