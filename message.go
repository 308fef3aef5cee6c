package replicate

import (
	"fmt"
)

// transport messages carry an explicit type discriminant so that routing is a
// single switch, never field-presence sniffing
type MessageType string

const (
	MessageTypeCreate  MessageType = "create"
	MessageTypePatch   MessageType = "patch"
	MessageTypeDestroy MessageType = "destroy"
)

type Message struct {
	Type     MessageType `json:"type"`
	NodeId   string      `json:"node_id"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
	Patch    *Patch      `json:"patch,omitempty"`
}

func NewCreateMessage(snapshot *Snapshot) *Message {
	return &Message{
		Type:     MessageTypeCreate,
		NodeId:   snapshot.NodeId,
		Snapshot: snapshot,
	}
}

func NewPatchMessage(patch *Patch) *Message {
	return &Message{
		Type:   MessageTypePatch,
		NodeId: patch.NodeId,
		Patch:  patch,
	}
}

func NewDestroyMessage(nodeId string) *Message {
	return &Message{
		Type:   MessageTypeDestroy,
		NodeId: nodeId,
	}
}

func (self *Message) Validate() error {
	if self == nil {
		return fmt.Errorf("message must not be nil")
	}
	if self.NodeId == "" {
		return fmt.Errorf("message must have a node id")
	}
	switch self.Type {
	case MessageTypeCreate:
		if self.Snapshot == nil {
			return fmt.Errorf("create message must have a snapshot")
		}
	case MessageTypePatch:
		if self.Patch == nil {
			return fmt.Errorf("patch message must have a patch")
		}
		if err := validateOperations(self.Patch.Operations); err != nil {
			return err
		}
	case MessageTypeDestroy:
	default:
		return fmt.Errorf("unknown message type: %s", self.Type)
	}
	return nil
}

func (self *Message) String() string {
	switch self.Type {
	case MessageTypePatch:
		return fmt.Sprintf("%s(%s@%d)", self.Type, self.NodeId, self.Patch.Version)
	case MessageTypeCreate:
		return fmt.Sprintf("%s(%s@%d)", self.Type, self.NodeId, self.Snapshot.Version)
	default:
		return fmt.Sprintf("%s(%s)", self.Type, self.NodeId)
	}
}
