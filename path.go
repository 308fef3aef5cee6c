package replicate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// a path addresses one value inside a nested state tree.
// each key is either a non-empty string (keyed container field) or a
// non-negative int (sequence container index). paths are validated at
// construction and treated as immutable after that.
//
// the state tree itself is plain `map[string]any` / `[]any` containers with
// scalar leaves, so the root key of any path is always a string.
type Path []any

func NewPath(keys ...any) (Path, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("path must be non-empty")
	}
	path := make(Path, len(keys))
	for i, key := range keys {
		normalKey, err := normalizePathKey(key)
		if err != nil {
			return nil, fmt.Errorf("path key[%d]: %w", i, err)
		}
		path[i] = normalKey
	}
	return path, nil
}

func RequirePath(keys ...any) Path {
	path, err := NewPath(keys...)
	if err != nil {
		panic(err)
	}
	return path
}

// keys are stored as exactly `string` or `int`
func normalizePathKey(key any) (any, error) {
	switch v := key.(type) {
	case string:
		if v == "" {
			return nil, fmt.Errorf("string key must be non-empty")
		}
		return v, nil
	case int:
		if v < 0 {
			return nil, fmt.Errorf("index key must be non-negative: %d", v)
		}
		return v, nil
	case int32:
		return normalizePathKey(int(v))
	case int64:
		return normalizePathKey(int(v))
	case uint:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		// json numbers decode as float64
		if v != float64(int(v)) {
			return nil, fmt.Errorf("index key must be an integer: %f", v)
		}
		return normalizePathKey(int(v))
	default:
		return nil, fmt.Errorf("key must be a string or a non-negative integer: %T", key)
	}
}

func (self Path) Validate() error {
	if len(self) == 0 {
		return fmt.Errorf("path must be non-empty")
	}
	for i, key := range self {
		switch v := key.(type) {
		case string:
			if v == "" {
				return fmt.Errorf("path key[%d]: string key must be non-empty", i)
			}
		case int:
			if v < 0 {
				return fmt.Errorf("path key[%d]: index key must be non-negative: %d", i, v)
			}
		default:
			return fmt.Errorf("path key[%d]: key must be a string or a non-negative integer: %T", i, key)
		}
	}
	return nil
}

// appends a key, returning a new path. the receiver is not modified.
func (self Path) With(key any) Path {
	normalKey, err := normalizePathKey(key)
	if err != nil {
		panic(err)
	}
	path := make(Path, len(self), len(self)+1)
	copy(path, self)
	return append(path, normalKey)
}

// canonical form used as a subscription key, e.g. `a[0].b`
func (self Path) String() string {
	var b strings.Builder
	for i, key := range self {
		switch v := key.(type) {
		case string:
			if 0 < i {
				b.WriteByte('.')
			}
			b.WriteString(v)
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		}
	}
	return b.String()
}

func (self *Path) UnmarshalJSON(src []byte) error {
	var keys []any
	if err := json.Unmarshal(src, &keys); err != nil {
		return err
	}
	path, err := NewPath(keys...)
	if err != nil {
		return err
	}
	*self = path
	return nil
}

// get returns absent rather than erroring when the traversal
// encounters a missing or non-container intermediate
func PathGet(tree map[string]any, path Path) (any, bool) {
	var current any = tree
	for _, key := range path {
		switch container := current.(type) {
		case map[string]any:
			field, ok := key.(string)
			if !ok {
				return nil, false
			}
			current, ok = container[field]
			if !ok {
				return nil, false
			}
		case []any:
			index, ok := key.(int)
			if !ok {
				return nil, false
			}
			if index < 0 || len(container) <= index {
				return nil, false
			}
			current = container[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// set overwrites the value at the path, creating intermediate containers for
// missing or non-container intermediates. the created container is a sequence
// if the next key is an index, else a keyed container. a key that cannot
// address its container (index into a keyed container, field into a sequence)
// logs and no-ops.
func PathSet(tree map[string]any, path Path, value any) bool {
	_, ok := setInContainer(tree, path, value)
	if !ok {
		glog.Warningf("[path]set %s does not address a container. skipped.\n", path)
	}
	return ok
}

// delete removes the path's final key from its parent container.
// absent targets are a no-op. a non-container intermediate logs and no-ops.
func PathDelete(tree map[string]any, path Path) bool {
	_, ok := deleteInContainer(tree, path)
	if !ok {
		glog.Warningf("[path]delete %s does not address a container. skipped.\n", path)
	}
	return ok
}

func isContainer(value any) bool {
	switch value.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func newContainerForKey(key any) any {
	if _, ok := key.(int); ok {
		return []any{}
	}
	return map[string]any{}
}

// returns the possibly reallocated container, which the caller writes back
func setInContainer(container any, path Path, value any) (any, bool) {
	key := path[0]
	switch c := container.(type) {
	case map[string]any:
		field, ok := key.(string)
		if !ok {
			return container, false
		}
		if len(path) == 1 {
			c[field] = value
			return c, true
		}
		child := c[field]
		if !isContainer(child) {
			child = newContainerForKey(path[1])
		}
		child, ok = setInContainer(child, path[1:], value)
		if !ok {
			return c, false
		}
		c[field] = child
		return c, true
	case []any:
		index, ok := key.(int)
		if !ok {
			return container, false
		}
		// grow to include the index
		for len(c) <= index {
			c = append(c, nil)
		}
		if len(path) == 1 {
			c[index] = value
			return c, true
		}
		child := c[index]
		if !isContainer(child) {
			child = newContainerForKey(path[1])
		}
		child, ok = setInContainer(child, path[1:], value)
		if !ok {
			return c, false
		}
		c[index] = child
		return c, true
	default:
		return container, false
	}
}

func deleteInContainer(container any, path Path) (any, bool) {
	key := path[0]
	switch c := container.(type) {
	case map[string]any:
		field, ok := key.(string)
		if !ok {
			return container, false
		}
		if len(path) == 1 {
			delete(c, field)
			return c, true
		}
		child, ok := c[field]
		if !ok {
			// absent is a no-op
			return c, true
		}
		if !isContainer(child) {
			return c, false
		}
		child, ok = deleteInContainer(child, path[1:])
		if !ok {
			return c, false
		}
		c[field] = child
		return c, true
	case []any:
		index, ok := key.(int)
		if !ok {
			return container, false
		}
		if len(c) <= index {
			// absent is a no-op
			return c, true
		}
		if len(path) == 1 {
			c = append(c[0:index], c[index+1:]...)
			return c, true
		}
		child := c[index]
		if child == nil {
			return c, true
		}
		if !isContainer(child) {
			return c, false
		}
		child, ok = deleteInContainer(child, path[1:])
		if !ok {
			return c, false
		}
		c[index] = child
		return c, true
	default:
		return container, false
	}
}

// structural deep clone used for snapshots and state reads.
// the two sides never share a tree by reference.
func copyTree(tree map[string]any) map[string]any {
	if tree == nil {
		return nil
	}
	return copyValue(tree).(map[string]any)
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for field, fieldValue := range v {
			c[field] = copyValue(fieldValue)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, item := range v {
			c[i] = copyValue(item)
		}
		return c
	default:
		return v
	}
}
