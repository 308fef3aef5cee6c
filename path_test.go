package replicate

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPathValidate(t *testing.T) {
	_, err := NewPath()
	assert.NotEqual(t, err, nil)

	_, err = NewPath("a", -1)
	assert.NotEqual(t, err, nil)

	_, err = NewPath("")
	assert.NotEqual(t, err, nil)

	_, err = NewPath("a", 1.5)
	assert.NotEqual(t, err, nil)

	_, err = NewPath("a", true)
	assert.NotEqual(t, err, nil)

	path, err := NewPath("a", 0, "b")
	assert.Equal(t, err, nil)
	assert.Equal(t, nil, path.Validate())

	// json numbers normalize to int keys
	path, err = NewPath("a", float64(2))
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, path[1])
}

func TestPathSetGet(t *testing.T) {
	tree := map[string]any{}

	// set then get returns the value
	paths := []Path{
		RequirePath("a"),
		RequirePath("a2", "b"),
		RequirePath("c", 0, "d"),
		RequirePath("c", 2, "d"),
	}
	for i, path := range paths {
		ok := PathSet(tree, path, i)
		assert.Equal(t, true, ok)
		value, ok := PathGet(tree, path)
		assert.Equal(t, true, ok)
		assert.Equal(t, i, value)
	}

	// intermediate containers are created by the next key type
	_, ok := tree["c"].([]any)
	assert.Equal(t, true, ok)
	_, ok = tree["a2"].(map[string]any)
	assert.Equal(t, true, ok)

	// the sequence grew to include the index, padding with nil
	c := tree["c"].([]any)
	assert.Equal(t, 3, len(c))
	assert.Equal(t, nil, c[1])

	// a non-container intermediate is overwritten by set
	ok = PathSet(tree, RequirePath("a", "x"), "deep")
	assert.Equal(t, true, ok)
	value, ok := PathGet(tree, RequirePath("a", "x"))
	assert.Equal(t, true, ok)
	assert.Equal(t, "deep", value)
}

func TestPathGetAbsent(t *testing.T) {
	tree := map[string]any{
		"a": 1,
		"list": []any{"x"},
	}

	_, ok := PathGet(tree, RequirePath("missing"))
	assert.Equal(t, false, ok)

	// traversal through a non-container is absent, not an error
	_, ok = PathGet(tree, RequirePath("a", "b"))
	assert.Equal(t, false, ok)

	// an index key does not address a keyed container
	_, ok = PathGet(tree, RequirePath(0))
	assert.Equal(t, false, ok)

	_, ok = PathGet(tree, RequirePath("list", 1))
	assert.Equal(t, false, ok)
}

func TestPathDelete(t *testing.T) {
	tree := map[string]any{
		"a": map[string]any{
			"b": 1,
		},
		"list": []any{"x", "y", "z"},
	}

	ok := PathDelete(tree, RequirePath("a", "b"))
	assert.Equal(t, true, ok)
	_, ok = PathGet(tree, RequirePath("a", "b"))
	assert.Equal(t, false, ok)

	// deleting a sequence index splices
	ok = PathDelete(tree, RequirePath("list", 1))
	assert.Equal(t, true, ok)
	assert.Equal(t, []any{"x", "z"}, tree["list"])

	// absent is a no-op
	ok = PathDelete(tree, RequirePath("a", "missing"))
	assert.Equal(t, true, ok)
	ok = PathDelete(tree, RequirePath("missing", "b"))
	assert.Equal(t, true, ok)
}

func TestPathString(t *testing.T) {
	assert.Equal(t, "a.b", RequirePath("a", "b").String())
	assert.Equal(t, "a[0].b", RequirePath("a", 0, "b").String())
	assert.Equal(t, "[2]", RequirePath(2).String())
}

func TestPathJson(t *testing.T) {
	path := RequirePath("a", 0, "b")
	b, err := json.Marshal(path)
	assert.Equal(t, err, nil)

	var decoded Path
	err = json.Unmarshal(b, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, path, decoded)

	err = json.Unmarshal([]byte(`["a", -1]`), &decoded)
	assert.NotEqual(t, err, nil)
}

func TestCopyTree(t *testing.T) {
	tree := map[string]any{
		"a": map[string]any{
			"b": []any{1, 2, map[string]any{"c": 3}},
		},
	}
	c := copyTree(tree)
	assert.Equal(t, tree, c)

	// deep, no shared structure
	PathSet(c, RequirePath("a", "b", 2, "c"), 100)
	value, _ := PathGet(tree, RequirePath("a", "b", 2, "c"))
	assert.Equal(t, 3, value)
}
