package replicate

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

/*
Replicates mutable state trees from one authoritative writer to many read-only
observers with properties:
- each node is an independently versioned, independently scoped state tree
- observers bootstrap from a snapshot and converge by applying versioned patches
- stale or duplicate patches are rejected by the version gate
- per-node scope controls which observer identities receive updates
- patch operations are routed over a reliable or best-effort channel

The authoritative side is the single writer. Observers never mutate; they
mirror and notify.
*/

// comparable
// identity of one observer connection, e.g. one player client
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

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
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

func (self Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Id) UnmarshalJSON(src []byte) error {
	var idStr string
	if err := json.Unmarshal(src, &idStr); err != nil {
		return err
	}
	id, err := parseUuid(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// canonical lower case uuid string form, with or without dashes
func parseUuid(src string) (Id, error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
	default:
		return Id{}, fmt.Errorf("cannot parse id %s", src)
	}
	idBytes, err := hex.DecodeString(src)
	if err != nil {
		return Id{}, err
	}
	return IdFromBytes(idBytes)
}

func encodeUuid(src Id) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// node ids are opaque strings. `NewNodeToken` produces a process-wide unique
// id for one logical node class, where the class is a stable prefix that
// observers can subscribe to with `OnNodeOfClassCreated`
func NewNodeToken(class string) string {
	if class == "" {
		panic(errors.New("Node class must be non-empty."))
	}
	return fmt.Sprintf("%s/%s", class, ulid.Make().String())
}

func NodeTokenClass(nodeId string) string {
	if i := strings.IndexByte(nodeId, '/'); 0 <= i {
		return nodeId[0:i]
	}
	return nodeId
}
