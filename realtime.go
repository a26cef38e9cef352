package realtime

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleWaiter  Role = "waiter"
	RoleKitchen Role = "kitchen"
)

type ResourceType string

const (
	ResourceOrder     ResourceType = "order"
	ResourceTable     ResourceType = "table"
	ResourceOrderItem ResourceType = "order-item"
)

// comparable. Identifies one versioned business entity for conflict tracking.
type ResourceKey struct {
	Type ResourceType
	Id   string
}

func (self ResourceKey) String() string {
	return fmt.Sprintf("%s/%s", self.Type, self.Id)
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (self Priority) String() string {
	switch self {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

func (self Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + self.String() + `"`), nil
}

func (self *Priority) UnmarshalJSON(src []byte) error {
	switch string(src) {
	case `"high"`:
		*self = PriorityHigh
	case `"medium"`:
		*self = PriorityMedium
	case `"low"`:
		*self = PriorityLow
	default:
		return fmt.Errorf("unknown priority %s", src)
	}
	return nil
}

// order lifecycle, earlier to later. later state wins in a merge.
var orderStatusSequence = []string{"open", "closed", "cancelled"}

// order item lifecycle, earlier to later.
var orderItemStatusSequence = []string{"pending", "in_preparation", "ready", "delivered", "cancelled"}

// position of `status` in `sequence`, or -1
func statusRank(sequence []string, status string) int {
	for i, s := range sequence {
		if s == status {
			return i
		}
	}
	return -1
}

// the status that appears later in the lifecycle sequence.
// unknown statuses rank lowest; ties keep `a`.
func laterStatus(sequence []string, a string, b string) string {
	if statusRank(sequence, b) > statusRank(sequence, a) {
		return b
	}
	return a
}
