package replicate

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestId(t *testing.T) {
	id := NewId()
	assert.NotEqual(t, id, Id{})

	idFromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, idFromBytes)

	_, err = IdFromBytes([]byte{0x00})
	assert.NotEqual(t, err, nil)

	parsedId, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsedId)

	_, err = ParseId("not a uuid")
	assert.NotEqual(t, err, nil)

	idJson, err := id.MarshalJSON()
	assert.Equal(t, err, nil)
	var unmarshaledId Id
	err = unmarshaledId.UnmarshalJSON(idJson)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, unmarshaledId)
}

func TestReplicationEndToEnd(t *testing.T) {
	ctx := context.Background()

	transport := NewLocalTransportWithDefaults()
	authority := NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authority.Close()
	transport.SetInitialDataFunction(authority.HandleInitialDataRequest)

	clientIdA := NewId()
	clientIdB := NewId()
	observerA := NewReplicaRegistry(ctx)
	defer observerA.Close()
	observerB := NewReplicaRegistry(ctx)
	defer observerB.Close()
	disconnectA := transport.Connect(clientIdA, observerA)
	defer disconnectA()
	disconnectB := transport.Connect(clientIdB, observerB)
	defer disconnectB()

	_, err := authority.CreateNode("n", map[string]any{"gold": 0}, ScopeAll())
	assert.Equal(t, err, nil)

	replicaA := observerA.GetNode("n")
	replicaB := observerB.GetNode("n")
	assert.NotEqual(t, replicaA, nil)
	assert.NotEqual(t, replicaB, nil)
	gold, _ := replicaA.Value(RequirePath("gold"))
	assert.Equal(t, 0, gold)

	err = authority.PatchNode("n", IncrementOp(RequirePath("gold"), 100))
	assert.Equal(t, err, nil)
	gold, _ = replicaA.Value(RequirePath("gold"))
	assert.Equal(t, 100, gold)
	assert.Equal(t, uint64(1), replicaA.Version())

	err = authority.PatchNode("n", SetOp(RequirePath("gold"), 50))
	assert.Equal(t, err, nil)
	gold, _ = replicaB.Value(RequirePath("gold"))
	assert.Equal(t, 50, gold)
	assert.Equal(t, uint64(2), replicaB.Version())

	// a stale redelivery of version 1 leaves the observer at version 2
	replicaA.ApplyPatch(&Patch{
		NodeId:     "n",
		Version:    1,
		Operations: []*PatchOperation{IncrementOp(RequirePath("gold"), 100)},
	})
	gold, _ = replicaA.Value(RequirePath("gold"))
	assert.Equal(t, 50, gold)
	assert.Equal(t, uint64(2), replicaA.Version())

	authority.DestroyNode("n")
	assert.Equal(t, observerA.GetNode("n"), nil)
	assert.Equal(t, true, replicaA.IsDestroyed())
}

func TestReplicationScopedNodes(t *testing.T) {
	ctx := context.Background()

	transport := NewLocalTransportWithDefaults()
	authority := NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authority.Close()

	clientIdA := NewId()
	clientIdB := NewId()
	observerA := NewReplicaRegistry(ctx)
	defer observerA.Close()
	observerB := NewReplicaRegistry(ctx)
	defer observerB.Close()
	transport.Connect(clientIdA, observerA)
	transport.Connect(clientIdB, observerB)

	_, err := authority.CreateNode("private", map[string]any{"secret": 1}, ScopeSingle(clientIdA))
	assert.Equal(t, err, nil)

	// the scoped node never reaches the other identity
	assert.NotEqual(t, observerA.GetNode("private"), nil)
	assert.Equal(t, observerB.GetNode("private"), nil)

	err = authority.PatchNode("private", SetOp(RequirePath("secret"), 2))
	assert.Equal(t, err, nil)
	secret, _ := observerA.GetNode("private").Value(RequirePath("secret"))
	assert.Equal(t, 2, secret)
	assert.Equal(t, observerB.GetNode("private"), nil)
}

func TestReplicationLateJoin(t *testing.T) {
	ctx := context.Background()

	transport := NewLocalTransportWithDefaults()
	authority := NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authority.Close()
	transport.SetInitialDataFunction(authority.HandleInitialDataRequest)

	_, err := authority.CreateNode("n", map[string]any{"gold": 0}, ScopeAll())
	assert.Equal(t, err, nil)
	err = authority.PatchNode("n", IncrementOp(RequirePath("gold"), 100))
	assert.Equal(t, err, nil)

	// an observer joining after the history bootstraps from a snapshot
	clientId := NewId()
	observer := NewReplicaRegistry(ctx)
	defer observer.Close()
	transport.Connect(clientId, observer)

	messages := transport.RequestInitialData(clientId)
	assert.Equal(t, 1, len(messages))

	replica := observer.GetNode("n")
	assert.NotEqual(t, replica, nil)
	assert.Equal(t, uint64(1), replica.Version())
	gold, _ := replica.Value(RequirePath("gold"))
	assert.Equal(t, 100, gold)

	// and then follows the live channel
	err = authority.PatchNode("n", SetOp(RequirePath("gold"), 50))
	assert.Equal(t, err, nil)
	gold, _ = replica.Value(RequirePath("gold"))
	assert.Equal(t, 50, gold)
}

func TestReplicationUnreliableLoss(t *testing.T) {
	ctx := context.Background()

	dropAll := false
	transport := NewLocalTransport(&LocalTransportSettings{
		UnreliableLoss: func(clientId Id, message *Message) bool {
			return dropAll
		},
	})
	authority := NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authority.Close()

	clientId := NewId()
	observer := NewReplicaRegistry(ctx)
	defer observer.Close()
	transport.Connect(clientId, observer)

	_, err := authority.CreateNode("n", map[string]any{"x": 0}, ScopeAll())
	assert.Equal(t, err, nil)
	replica := observer.GetNode("n")

	// lost unreliable patches leave a version gap
	dropAll = true
	err = authority.PatchNode("n", SetOp(RequirePath("x"), 1).Unreliable())
	assert.Equal(t, err, nil)
	err = authority.PatchNode("n", SetOp(RequirePath("x"), 2).Unreliable())
	assert.Equal(t, err, nil)
	x, _ := replica.Value(RequirePath("x"))
	assert.Equal(t, 0, x)
	assert.Equal(t, uint64(0), replica.Version())

	// a later delivered patch jumps the gap. unreliable state must be
	// independently refreshed, so intermediate loss is tolerable.
	dropAll = false
	err = authority.PatchNode("n", SetOp(RequirePath("x"), 3).Unreliable())
	assert.Equal(t, err, nil)
	x, _ = replica.Value(RequirePath("x"))
	assert.Equal(t, 3, x)
	assert.Equal(t, uint64(3), replica.Version())
}

func TestReplicationReentrantCallback(t *testing.T) {
	ctx := context.Background()

	transport := NewLocalTransportWithDefaults()
	authority := NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authority.Close()

	clientId := NewId()
	observer := NewReplicaRegistry(ctx)
	defer observer.Close()
	transport.Connect(clientId, observer)

	_, err := authority.CreateNode("n", map[string]any{"gold": 0}, ScopeAll())
	assert.Equal(t, err, nil)
	_, err = authority.CreateNode("mirror", map[string]any{"gold": 0}, ScopeAll())
	assert.Equal(t, err, nil)

	goldPath := RequirePath("gold")
	replica := observer.GetNode("n")
	// a delivery callback that calls back into the authority registry.
	// with synchronous delivery this must neither deadlock nor stall
	// mutation.
	replica.AddChangeCallback(goldPath, func(oldValue any, newValue any) {
		assert.NotEqual(t, authority.GetNode("n"), nil)
		err := authority.PatchNode("mirror", SetOp(goldPath, newValue))
		assert.Equal(t, err, nil)
	})

	err = authority.PatchNode("n", IncrementOp(goldPath, 100))
	assert.Equal(t, err, nil)

	// the reentrant patch was delivered by the active drain, in order
	mirror := authority.GetNode("mirror")
	gold, _ := mirror.Value(goldPath)
	assert.Equal(t, 100, gold)
	mirrorReplica := observer.GetNode("mirror")
	gold, _ = mirrorReplica.Value(goldPath)
	assert.Equal(t, 100, gold)
	assert.Equal(t, uint64(1), mirrorReplica.Version())
}

func TestReplicationValueIsolation(t *testing.T) {
	ctx := context.Background()

	transport := NewLocalTransportWithDefaults()
	authority := NewAuthorityRegistryWithDefaults(ctx, transport)
	defer authority.Close()

	clientIdA := NewId()
	clientIdB := NewId()
	observerA := NewReplicaRegistry(ctx)
	defer observerA.Close()
	observerB := NewReplicaRegistry(ctx)
	defer observerB.Close()
	transport.Connect(clientIdA, observerA)
	transport.Connect(clientIdB, observerB)

	node, err := authority.CreateNode("n", map[string]any{}, ScopeAll())
	assert.Equal(t, err, nil)

	// a nested value fans out without sharing structure between trees
	err = authority.PatchNode("n", SetOp(RequirePath("inventory"), map[string]any{"items": []any{"sword"}}))
	assert.Equal(t, err, nil)

	stateA := observerA.GetNode("n").State()
	stateA["inventory"].(map[string]any)["items"] = []any{"axe"}

	itemsB, _ := observerB.GetNode("n").Value(RequirePath("inventory", "items"))
	assert.Equal(t, []any{"sword"}, itemsB)
	itemsAuthority, _ := node.Value(RequirePath("inventory", "items"))
	assert.Equal(t, []any{"sword"}, itemsAuthority)
}
