package replicate

import (
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// the closed set of mutation operations
type OpType string

const (
	OpTypeSet          OpType = "set"
	OpTypeDelete       OpType = "delete"
	OpTypeIncrement    OpType = "increment"
	OpTypeListPush     OpType = "listPush"
	OpTypeListInsert   OpType = "listInsert"
	OpTypeListRemoveAt OpType = "listRemoveAt"
	OpTypeMapSet       OpType = "mapSet"
	OpTypeMapDelete    OpType = "mapDelete"
)

// chooses the broadcast channel that carries the operation.
// unreliable is for high frequency values where the latest write wins
// and a lost patch is recovered by the next one.
type Reliability string

const (
	// the default. the empty value is treated as reliable
	ReliabilityReliable   Reliability = "reliable"
	ReliabilityUnreliable Reliability = "unreliable"
)

func (self Reliability) IsUnreliable() bool {
	return self == ReliabilityUnreliable
}

type PatchOperation struct {
	Type        OpType      `json:"type"`
	Path        Path        `json:"path"`
	Value       any         `json:"value,omitempty"`
	Delta       float64     `json:"delta,omitempty"`
	Index       int         `json:"index,omitempty"`
	Key         string      `json:"key,omitempty"`
	Reliability Reliability `json:"reliability,omitempty"`
}

func SetOp(path Path, value any) *PatchOperation {
	return &PatchOperation{
		Type:  OpTypeSet,
		Path:  path,
		Value: value,
	}
}

func DeleteOp(path Path) *PatchOperation {
	return &PatchOperation{
		Type: OpTypeDelete,
		Path: path,
	}
}

func IncrementOp(path Path, delta float64) *PatchOperation {
	return &PatchOperation{
		Type:  OpTypeIncrement,
		Path:  path,
		Delta: delta,
	}
}

func ListPushOp(path Path, value any) *PatchOperation {
	return &PatchOperation{
		Type:  OpTypeListPush,
		Path:  path,
		Value: value,
	}
}

func ListInsertOp(path Path, index int, value any) *PatchOperation {
	return &PatchOperation{
		Type:  OpTypeListInsert,
		Path:  path,
		Index: index,
		Value: value,
	}
}

func ListRemoveAtOp(path Path, index int) *PatchOperation {
	return &PatchOperation{
		Type:  OpTypeListRemoveAt,
		Path:  path,
		Index: index,
	}
}

func MapSetOp(pathToMap Path, key string, value any) *PatchOperation {
	return &PatchOperation{
		Type:  OpTypeMapSet,
		Path:  pathToMap,
		Key:   key,
		Value: value,
	}
}

func MapDeleteOp(pathToMap Path, key string) *PatchOperation {
	return &PatchOperation{
		Type: OpTypeMapDelete,
		Path: pathToMap,
		Key:  key,
	}
}

// marks the operation for the best-effort channel. returns the receiver.
func (self *PatchOperation) Unreliable() *PatchOperation {
	self.Reliability = ReliabilityUnreliable
	return self
}

// a caller contract violation here fails the whole batch eagerly,
// before any mutation
func (self *PatchOperation) Validate() error {
	if self == nil {
		return fmt.Errorf("operation must not be nil")
	}
	if err := self.Path.Validate(); err != nil {
		return err
	}
	switch self.Type {
	case OpTypeSet, OpTypeDelete, OpTypeIncrement, OpTypeListPush:
	case OpTypeListInsert, OpTypeListRemoveAt:
		if self.Index < 0 {
			return fmt.Errorf("%s index must be non-negative: %d", self.Type, self.Index)
		}
	case OpTypeMapSet, OpTypeMapDelete:
		if self.Key == "" {
			return fmt.Errorf("%s key must be non-empty", self.Type)
		}
	default:
		return fmt.Errorf("unknown operation type: %s", self.Type)
	}
	switch self.Reliability {
	case "", ReliabilityReliable, ReliabilityUnreliable:
	default:
		return fmt.Errorf("unknown reliability: %s", self.Reliability)
	}
	return nil
}

// the path whose value this operation changes.
// map operations resolve to the map path plus the key.
func (self *PatchOperation) TouchedPath() Path {
	switch self.Type {
	case OpTypeMapSet, OpTypeMapDelete:
		return self.Path.With(self.Key)
	default:
		return self.Path
	}
}

// an ordered batch of operations plus the node version after applying them
type Patch struct {
	NodeId     string            `json:"node_id"`
	Version    uint64            `json:"version"`
	Operations []*PatchOperation `json:"operations"`
}

// all operations in one patch share one reliability tag.
// mixed batches are rejected at the registry before any mutation.
func (self *Patch) IsUnreliable() bool {
	return 0 < len(self.Operations) && self.Operations[0].Reliability.IsUnreliable()
}

// a full state payload plus version. applying a snapshot resets the tree
// wholesale and does not go through patch semantics.
type Snapshot struct {
	NodeId  string         `json:"node_id"`
	Version uint64         `json:"version"`
	Data    map[string]any `json:"data"`
}

func validateOperations(operations []*PatchOperation) error {
	if len(operations) == 0 {
		return fmt.Errorf("patch must have at least one operation")
	}
	for i, operation := range operations {
		if err := operation.Validate(); err != nil {
			return fmt.Errorf("operation[%d]: %w", i, err)
		}
	}
	unreliable := operations[0].Reliability.IsUnreliable()
	for i, operation := range operations {
		if operation.Reliability.IsUnreliable() != unreliable {
			return fmt.Errorf("operation[%d]: mixed reliability in one batch", i)
		}
	}
	return nil
}

// applies one operation to the tree in place. structurally invalid targets are
// a benign authoring error on trusted authoritative code, so the operation is
// skipped with a warning rather than failing the batch.
// returns whether the operation was applied.
func applyOperation(tree map[string]any, op *PatchOperation) bool {
	switch op.Type {
	case OpTypeSet:
		// values are copied in so that trees never share structure with the
		// operation, which may be applied to many mirrors
		return PathSet(tree, op.Path, copyValue(op.Value))
	case OpTypeDelete:
		return PathDelete(tree, op.Path)
	case OpTypeIncrement:
		current, _ := PathGet(tree, op.Path)
		next, ok := addNumber(current, op.Delta)
		if !ok {
			glog.Warningf("[patch]increment %s on non-number %T. skipped.\n", op.Path, current)
			return false
		}
		return PathSet(tree, op.Path, next)
	case OpTypeListPush:
		list, ok := listAt(tree, op)
		if !ok {
			return false
		}
		return PathSet(tree, op.Path, append(list, copyValue(op.Value)))
	case OpTypeListInsert:
		list, ok := listAt(tree, op)
		if !ok {
			return false
		}
		// out of range inserts clamp to the end of the list
		index := min(op.Index, len(list))
		list = append(list, nil)
		copy(list[index+1:], list[index:])
		list[index] = copyValue(op.Value)
		return PathSet(tree, op.Path, list)
	case OpTypeListRemoveAt:
		list, ok := listAt(tree, op)
		if !ok {
			return false
		}
		if len(list) <= op.Index {
			// out of range removes are a no-op
			glog.Warningf("[patch]%s %s index %d out of range (len %d). skipped.\n", op.Type, op.Path, op.Index, len(list))
			return false
		}
		return PathSet(tree, op.Path, append(list[0:op.Index], list[op.Index+1:]...))
	case OpTypeMapSet:
		m, ok := mapAt(tree, op)
		if !ok {
			return false
		}
		m[op.Key] = copyValue(op.Value)
		return true
	case OpTypeMapDelete:
		m, ok := mapAt(tree, op)
		if !ok {
			return false
		}
		delete(m, op.Key)
		return true
	default:
		glog.Warningf("[patch]unknown operation type %s. skipped.\n", op.Type)
		return false
	}
}

func listAt(tree map[string]any, op *PatchOperation) ([]any, bool) {
	target, _ := PathGet(tree, op.Path)
	list, ok := target.([]any)
	if !ok {
		glog.Warningf("[patch]%s %s on non-sequence %T. skipped.\n", op.Type, op.Path, target)
		return nil, false
	}
	return list, true
}

func mapAt(tree map[string]any, op *PatchOperation) (map[string]any, bool) {
	target, _ := PathGet(tree, op.Path)
	m, ok := target.(map[string]any)
	if !ok {
		glog.Warningf("[patch]%s %s on non-keyed-container %T. skipped.\n", op.Type, op.Path, target)
		return nil, false
	}
	return m, true
}

// applies every operation in order. a failure in one operation does not abort
// later operations in the same batch.
// the operations are assumed to be already validated.
func applyOperations(tree map[string]any, operations []*PatchOperation) {
	for _, op := range operations {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Warningf("[patch]unexpected error applying %s %s: %s\n%s\n", op.Type, op.Path, errorString(r), debug.Stack())
				}
			}()
			applyOperation(tree, op)
		}()
	}
}

// integer adds stay integers, everything else widens to float64
func addNumber(current any, delta float64) (any, bool) {
	switch v := current.(type) {
	case int:
		if delta == float64(int(delta)) {
			return v + int(delta), true
		}
		return float64(v) + delta, true
	case int32:
		return addNumber(int(v), delta)
	case int64:
		return addNumber(int(v), delta)
	case float32:
		return float64(v) + delta, true
	case float64:
		return v + delta, true
	default:
		return nil, false
	}
}
