package replicate

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestApplySet(t *testing.T) {
	tree := map[string]any{}

	applied := applyOperation(tree, SetOp(RequirePath("gold"), 100))
	assert.Equal(t, true, applied)
	assert.Equal(t, 100, tree["gold"])

	// unconditional overwrite
	applied = applyOperation(tree, SetOp(RequirePath("gold"), "lots"))
	assert.Equal(t, true, applied)
	assert.Equal(t, "lots", tree["gold"])
}

func TestApplyDelete(t *testing.T) {
	tree := map[string]any{
		"gold": 100,
	}

	applied := applyOperation(tree, DeleteOp(RequirePath("gold")))
	assert.Equal(t, true, applied)
	_, ok := tree["gold"]
	assert.Equal(t, false, ok)

	// absent is a no-op
	applied = applyOperation(tree, DeleteOp(RequirePath("gold")))
	assert.Equal(t, true, applied)
}

func TestApplyIncrement(t *testing.T) {
	tree := map[string]any{
		"gold":  0,
		"ratio": 0.5,
		"name":  "x",
	}

	applied := applyOperation(tree, IncrementOp(RequirePath("gold"), 100))
	assert.Equal(t, true, applied)
	assert.Equal(t, 100, tree["gold"])

	// integer adds stay integers
	applied = applyOperation(tree, IncrementOp(RequirePath("gold"), -30))
	assert.Equal(t, true, applied)
	assert.Equal(t, 70, tree["gold"])

	applied = applyOperation(tree, IncrementOp(RequirePath("ratio"), 0.25))
	assert.Equal(t, true, applied)
	assert.Equal(t, 0.75, tree["ratio"])

	// a non-number target skips without failing
	applied = applyOperation(tree, IncrementOp(RequirePath("name"), 1))
	assert.Equal(t, false, applied)
	assert.Equal(t, "x", tree["name"])

	// a missing target skips
	applied = applyOperation(tree, IncrementOp(RequirePath("missing"), 1))
	assert.Equal(t, false, applied)
}

func TestApplyListOps(t *testing.T) {
	tree := map[string]any{
		"items": []any{"a", "b"},
		"gold":  0,
	}

	applied := applyOperation(tree, ListInsertOp(RequirePath("items"), 0, "sword"))
	assert.Equal(t, true, applied)
	assert.Equal(t, []any{"sword", "a", "b"}, tree["items"])

	applied = applyOperation(tree, ListRemoveAtOp(RequirePath("items"), 1))
	assert.Equal(t, true, applied)
	assert.Equal(t, []any{"sword", "b"}, tree["items"])

	applied = applyOperation(tree, ListPushOp(RequirePath("items"), "shield"))
	assert.Equal(t, true, applied)
	assert.Equal(t, []any{"sword", "b", "shield"}, tree["items"])

	// out of range inserts clamp to the end
	applied = applyOperation(tree, ListInsertOp(RequirePath("items"), 100, "helm"))
	assert.Equal(t, true, applied)
	assert.Equal(t, []any{"sword", "b", "shield", "helm"}, tree["items"])

	// out of range removes are a no-op
	applied = applyOperation(tree, ListRemoveAtOp(RequirePath("items"), 100))
	assert.Equal(t, false, applied)
	assert.Equal(t, []any{"sword", "b", "shield", "helm"}, tree["items"])

	// a non-sequence target skips
	applied = applyOperation(tree, ListPushOp(RequirePath("gold"), "x"))
	assert.Equal(t, false, applied)
	applied = applyOperation(tree, ListPushOp(RequirePath("missing"), "x"))
	assert.Equal(t, false, applied)
}

func TestApplyMapOps(t *testing.T) {
	tree := map[string]any{
		"p":    map[string]any{},
		"gold": 0,
	}

	applied := applyOperation(tree, MapSetOp(RequirePath("p"), "k", 5))
	assert.Equal(t, true, applied)
	value, ok := PathGet(tree, RequirePath("p", "k"))
	assert.Equal(t, true, ok)
	assert.Equal(t, 5, value)

	applied = applyOperation(tree, MapDeleteOp(RequirePath("p"), "k"))
	assert.Equal(t, true, applied)
	_, ok = PathGet(tree, RequirePath("p", "k"))
	assert.Equal(t, false, ok)

	// a non-keyed-container target skips
	applied = applyOperation(tree, MapSetOp(RequirePath("gold"), "k", 5))
	assert.Equal(t, false, applied)
}

func TestApplyOperationsIsolation(t *testing.T) {
	tree := map[string]any{
		"gold": 0,
		"name": "x",
	}

	// a shape mismatch in the middle does not abort later operations
	applyOperations(tree, []*PatchOperation{
		SetOp(RequirePath("a"), 1),
		IncrementOp(RequirePath("name"), 1),
		SetOp(RequirePath("b"), 2),
	})
	assert.Equal(t, 1, tree["a"])
	assert.Equal(t, 2, tree["b"])
	assert.Equal(t, "x", tree["name"])
}

func TestValidateOperations(t *testing.T) {
	err := validateOperations(nil)
	assert.NotEqual(t, err, nil)

	err = validateOperations([]*PatchOperation{
		SetOp(RequirePath("a"), 1),
	})
	assert.Equal(t, err, nil)

	// invalid path
	err = validateOperations([]*PatchOperation{
		SetOp(Path{}, 1),
	})
	assert.NotEqual(t, err, nil)

	// negative index
	err = validateOperations([]*PatchOperation{
		{Type: OpTypeListInsert, Path: RequirePath("a"), Index: -1},
	})
	assert.NotEqual(t, err, nil)

	// empty map key
	err = validateOperations([]*PatchOperation{
		{Type: OpTypeMapSet, Path: RequirePath("a")},
	})
	assert.NotEqual(t, err, nil)

	// unknown type
	err = validateOperations([]*PatchOperation{
		{Type: OpType("bad"), Path: RequirePath("a")},
	})
	assert.NotEqual(t, err, nil)

	// mixed reliability in one batch
	err = validateOperations([]*PatchOperation{
		SetOp(RequirePath("a"), 1),
		SetOp(RequirePath("b"), 2).Unreliable(),
	})
	assert.NotEqual(t, err, nil)

	err = validateOperations([]*PatchOperation{
		SetOp(RequirePath("a"), 1).Unreliable(),
		SetOp(RequirePath("b"), 2).Unreliable(),
	})
	assert.Equal(t, err, nil)
}

func TestTouchedPath(t *testing.T) {
	assert.Equal(t, RequirePath("a", "b"), SetOp(RequirePath("a", "b"), 1).TouchedPath())
	assert.Equal(t, RequirePath("p", "k"), MapSetOp(RequirePath("p"), "k", 1).TouchedPath())
	assert.Equal(t, RequirePath("p", "k"), MapDeleteOp(RequirePath("p"), "k").TouchedPath())
}

func TestOperationValueIsolation(t *testing.T) {
	// an inserted value never shares structure with the operation
	value := map[string]any{"hp": 10}
	op := SetOp(RequirePath("pet"), value)

	tree1 := map[string]any{}
	tree2 := map[string]any{}
	applyOperation(tree1, op)
	applyOperation(tree2, op)

	PathSet(tree1, RequirePath("pet", "hp"), 99)
	hp, _ := PathGet(tree2, RequirePath("pet", "hp"))
	assert.Equal(t, 10, hp)
	assert.Equal(t, 10, value["hp"])
}
