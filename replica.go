package replicate

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the observer side. replica nodes are read only mirrors reconstructed from
// snapshots and patches, kept convergent with the authority by the version
// gate.

// fired when the value at a subscribed path changes. after a snapshot reset
// both values are nil, which means "re-read your value", not a literal
// before/after.
type ChangeFunction = func(oldValue any, newValue any)

// fired once per applied patch or snapshot with the new version
type AnyChangeFunction = func(version uint64)

type ReplicaNode struct {
	nodeId string

	stateLock sync.Mutex
	state     map[string]any
	version   uint64
	destroyed bool

	// canonical path -> subscriptions
	pathChangeCallbacks map[string]*CallbackList[ChangeFunction]
	anyChangeCallbacks  *CallbackList[AnyChangeFunction]

	cleanupList *CleanupList
}

func newReplicaNode(snapshot *Snapshot) *ReplicaNode {
	return &ReplicaNode{
		nodeId:              snapshot.NodeId,
		state:               copyTree(snapshot.Data),
		version:             snapshot.Version,
		pathChangeCallbacks: map[string]*CallbackList[ChangeFunction]{},
		anyChangeCallbacks:  NewCallbackList[AnyChangeFunction](),
		cleanupList:         NewCleanupList(),
	}
}

func (self *ReplicaNode) NodeId() string {
	return self.nodeId
}

func (self *ReplicaNode) Version() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.version
}

// a deep copy. the caller can freely mutate the returned tree.
func (self *ReplicaNode) State() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return copyTree(self.state)
}

func (self *ReplicaNode) Value(path Path) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := PathGet(self.state, path)
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

func (self *ReplicaNode) IsDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.destroyed
}

// subscribes to value changes at the path. returns a disconnect.
// the subscription fires only when the old and new values differ
// structurally.
func (self *ReplicaNode) AddChangeCallback(path Path, changeCallback ChangeFunction) func() {
	if err := path.Validate(); err != nil {
		panic(err)
	}
	pathKey := path.String()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks, ok := self.pathChangeCallbacks[pathKey]
	if !ok {
		callbacks = NewCallbackList[ChangeFunction]()
		self.pathChangeCallbacks[pathKey] = callbacks
	}
	callbackId := callbacks.Add(changeCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// subscribes to all changes, fired once per applied patch or snapshot.
// returns a disconnect.
func (self *ReplicaNode) AddAnyChangeCallback(anyChangeCallback AnyChangeFunction) func() {
	callbackId := self.anyChangeCallbacks.Add(anyChangeCallback)
	return func() {
		self.anyChangeCallbacks.Remove(callbackId)
	}
}

// registers a teardown to run when the node is destroyed
func (self *ReplicaNode) AddCleanup(cleanup func()) {
	self.cleanupList.Add(cleanup)
}

type pathChange struct {
	callbacks []ChangeFunction
	oldValue  any
	newValue  any
}

// applies the patch if its version exceeds the current version, else rejects.
// redelivered and out of order patches are an expected, silent, idempotent
// no-op. returns whether the patch was applied.
func (self *ReplicaNode) ApplyPatch(patch *Patch) bool {
	var changes []*pathChange
	var anyChangeCallbacks []AnyChangeFunction
	var version uint64

	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.destroyed {
			return false
		}
		if patch.Version <= self.version {
			// the version gate
			glog.V(2).Infof("[replica]%s stale patch %d <= %d. rejected.\n", self.nodeId, patch.Version, self.version)
			return false
		}

		// old values for subscribed touched paths, before any mutation
		touchedPathKeys := []string{}
		touchedPaths := map[string]Path{}
		for _, op := range patch.Operations {
			touchedPath := op.TouchedPath()
			pathKey := touchedPath.String()
			if _, ok := touchedPaths[pathKey]; !ok {
				touchedPaths[pathKey] = touchedPath
				touchedPathKeys = append(touchedPathKeys, pathKey)
			}
		}
		oldValues := map[string]any{}
		for pathKey, touchedPath := range touchedPaths {
			if callbacks, ok := self.pathChangeCallbacks[pathKey]; ok && 0 < callbacks.Len() {
				oldValue, _ := PathGet(self.state, touchedPath)
				oldValues[pathKey] = copyValue(oldValue)
			}
		}

		applyOperations(self.state, patch.Operations)
		self.version = patch.Version
		version = self.version

		for _, pathKey := range touchedPathKeys {
			callbacks, ok := self.pathChangeCallbacks[pathKey]
			if !ok || callbacks.Len() == 0 {
				continue
			}
			newValue, _ := PathGet(self.state, touchedPaths[pathKey])
			newValue = copyValue(newValue)
			oldValue := oldValues[pathKey]
			if reflect.DeepEqual(oldValue, newValue) {
				continue
			}
			changes = append(changes, &pathChange{
				callbacks: callbacks.Get(),
				oldValue:  oldValue,
				newValue:  newValue,
			})
		}
		anyChangeCallbacks = self.anyChangeCallbacks.Get()
		return true
	}()
	if !applied {
		return false
	}

	for _, change := range changes {
		for _, callback := range change.callbacks {
			callback := callback
			change := change
			handleCallbackPanic(func() {
				callback(change.oldValue, change.newValue)
			})
		}
	}
	for _, callback := range anyChangeCallbacks {
		callback := callback
		handleCallbackPanic(func() {
			callback(version)
		})
	}
	return true
}

// unconditional reset of state and version. a snapshot always supersedes any
// patch of lower or equal version, even delivered out of order.
// every path subscription fires with (nil, nil) so observers re-read.
func (self *ReplicaNode) ApplySnapshot(snapshot *Snapshot) {
	var changeCallbacks [][]ChangeFunction
	var anyChangeCallbacks []AnyChangeFunction
	var version uint64

	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.destroyed {
			return false
		}
		self.state = copyTree(snapshot.Data)
		self.version = snapshot.Version
		version = self.version

		for _, callbacks := range self.pathChangeCallbacks {
			if 0 < callbacks.Len() {
				changeCallbacks = append(changeCallbacks, callbacks.Get())
			}
		}
		anyChangeCallbacks = self.anyChangeCallbacks.Get()
		return true
	}()
	if !applied {
		return
	}

	for _, callbacks := range changeCallbacks {
		for _, callback := range callbacks {
			callback := callback
			handleCallbackPanic(func() {
				callback(nil, nil)
			})
		}
	}
	for _, callback := range anyChangeCallbacks {
		callback := callback
		handleCallbackPanic(func() {
			callback(version)
		})
	}
}

// disconnects every subscription and runs the cleanups. idempotent.
func (self *ReplicaNode) Destroy() {
	destroyed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.destroyed {
			return false
		}
		self.destroyed = true
		for _, callbacks := range self.pathChangeCallbacks {
			callbacks.Clear()
		}
		maps.Clear(self.pathChangeCallbacks)
		self.anyChangeCallbacks.Clear()
		return true
	}()
	if !destroyed {
		return
	}
	self.cleanupList.Close()
}

type NodeCreatedFunction = func(node *ReplicaNode)

// receives replication messages, materializes and updates replica nodes,
// resolves pending waiters, and supports prefix subscriptions for
// dynamically named nodes.
type ReplicaRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	nodes     map[string]*ReplicaNode
	// node id -> pending waiters, each resolved exactly once
	waiters map[string][]chan *ReplicaNode
	// class prefix -> subscriptions
	classCallbacks map[string]*CallbackList[NodeCreatedFunction]
}

func NewReplicaRegistry(ctx context.Context) *ReplicaRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ReplicaRegistry{
		ctx:            cancelCtx,
		cancel:         cancel,
		nodes:          map[string]*ReplicaNode{},
		waiters:        map[string][]chan *ReplicaNode{},
		classCallbacks: map[string]*CallbackList[NodeCreatedFunction]{},
	}
}

// routes one replication message. formatting issues degrade to logged
// warnings and best effort partial state, never an abort.
func (self *ReplicaRegistry) HandleMessage(message *Message) {
	if err := message.Validate(); err != nil {
		glog.Warningf("[replica]bad message: %s. dropped.\n", err)
		return
	}

	switch message.Type {
	case MessageTypeCreate:
		self.handleCreate(message.Snapshot)
	case MessageTypePatch:
		node := self.GetNode(message.NodeId)
		if node == nil {
			// a patch can outrun its create on the unreliable channel,
			// or trail its destroy. expected loss.
			glog.V(2).Infof("[replica]patch for unknown node %s. dropped.\n", message.NodeId)
			return
		}
		node.ApplyPatch(message.Patch)
	case MessageTypeDestroy:
		self.handleDestroy(message.NodeId)
	}
}

func (self *ReplicaRegistry) handleCreate(snapshot *Snapshot) {
	var node *ReplicaNode
	var resolvedWaiters []chan *ReplicaNode
	var createdCallbacks []NodeCreatedFunction

	existing := func() *ReplicaNode {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if existing, ok := self.nodes[snapshot.NodeId]; ok {
			return existing
		}

		node = newReplicaNode(snapshot)
		self.nodes[snapshot.NodeId] = node

		resolvedWaiters = self.waiters[snapshot.NodeId]
		delete(self.waiters, snapshot.NodeId)

		for classPrefix, callbacks := range self.classCallbacks {
			if strings.HasPrefix(snapshot.NodeId, classPrefix) {
				createdCallbacks = append(createdCallbacks, callbacks.Get()...)
			}
		}
		return nil
	}()

	if existing != nil {
		// a duplicate create keeps the existing node so that subscriber
		// identity continues, and lands as a snapshot reset
		glog.Infof("[replica]duplicate create for %s. applied as snapshot.\n", snapshot.NodeId)
		existing.ApplySnapshot(snapshot)
		return
	}

	// all waiters resolve from the same create
	for _, waiter := range resolvedWaiters {
		waiter <- node
	}
	for _, callback := range createdCallbacks {
		callback := callback
		handleCallbackPanic(func() {
			callback(node)
		})
	}
	glog.V(2).Infof("[replica]create %s@%d\n", snapshot.NodeId, snapshot.Version)
}

func (self *ReplicaRegistry) handleDestroy(nodeId string) {
	node := func() *ReplicaNode {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return nil
		}
		delete(self.nodes, nodeId)
		return node
	}()
	if node == nil {
		return
	}
	node.Destroy()
	glog.V(2).Infof("[replica]destroy %s\n", nodeId)
}

func (self *ReplicaRegistry) GetNode(nodeId string) *ReplicaNode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.nodes[nodeId]
}

func (self *ReplicaRegistry) NodeIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodeIds := maps.Keys(self.nodes)
	slices.Sort(nodeIds)
	return nodeIds
}

// returns the node immediately if already materialized, else blocks until a
// matching create message arrives or the context ends
func (self *ReplicaRegistry) WaitForNode(ctx context.Context, nodeId string) (*ReplicaNode, error) {
	waiter := func() chan *ReplicaNode {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.nodes[nodeId]; ok {
			return nil
		}
		waiter := make(chan *ReplicaNode, 1)
		self.waiters[nodeId] = append(self.waiters[nodeId], waiter)
		return waiter
	}()
	if waiter == nil {
		return self.GetNode(nodeId), nil
	}

	select {
	case node := <-waiter:
		return node, nil
	case <-ctx.Done():
		self.removeWaiter(nodeId, waiter)
		return nil, ctx.Err()
	case <-self.ctx.Done():
		self.removeWaiter(nodeId, waiter)
		return nil, fmt.Errorf("registry closed")
	}
}

func (self *ReplicaRegistry) removeWaiter(nodeId string, waiter chan *ReplicaNode) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	waiters := self.waiters[nodeId]
	if i := slices.Index(waiters, waiter); 0 <= i {
		self.waiters[nodeId] = slices.Delete(waiters, i, i+1)
	}
}

// subscribes to nodes whose id starts with the class prefix. the callback is
// invoked for every already existing matching node at subscribe time, then
// for every newly created matching node until the returned cancel runs.
// cancel removes exactly this callback.
func (self *ReplicaRegistry) OnNodeOfClassCreated(classPrefix string, nodeCreatedCallback NodeCreatedFunction) func() {
	var existingNodes []*ReplicaNode
	callbacks := func() *CallbackList[NodeCreatedFunction] {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		callbacks, ok := self.classCallbacks[classPrefix]
		if !ok {
			callbacks = NewCallbackList[NodeCreatedFunction]()
			self.classCallbacks[classPrefix] = callbacks
		}

		nodeIds := maps.Keys(self.nodes)
		slices.Sort(nodeIds)
		for _, nodeId := range nodeIds {
			if strings.HasPrefix(nodeId, classPrefix) {
				existingNodes = append(existingNodes, self.nodes[nodeId])
			}
		}
		return callbacks
	}()

	callbackId := callbacks.Add(nodeCreatedCallback)

	for _, node := range existingNodes {
		node := node
		handleCallbackPanic(func() {
			nodeCreatedCallback(node)
		})
	}

	return func() {
		callbacks.Remove(callbackId)
	}
}

// destroys all nodes and releases all waiters
func (self *ReplicaRegistry) Close() {
	self.cancel()

	nodes := func() []*ReplicaNode {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		nodes := maps.Values(self.nodes)
		maps.Clear(self.nodes)
		maps.Clear(self.waiters)
		return nodes
	}()
	for _, node := range nodes {
		node.Destroy()
	}
}
