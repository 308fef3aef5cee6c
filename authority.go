package replicate

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	lru "github.com/hashicorp/golang-lru"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the authoritative side owns all node state. exactly one authoritative
// process writes a node. observers mirror it through the registry broadcast.

// one independently versioned, independently scoped unit of replicated state.
// mutated only through patch operation application via the owning registry.
type AuthorityNode struct {
	nodeId string
	// unique per incarnation of the node id
	instanceId Id
	scope      Scope

	stateLock sync.Mutex
	state     map[string]any
	version   uint64
}

func newAuthorityNode(nodeId string, initialState map[string]any, scope Scope) (*AuthorityNode, error) {
	if nodeId == "" {
		return nil, fmt.Errorf("node id must be non-empty")
	}
	if initialState == nil {
		return nil, fmt.Errorf("initial state must be present")
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	return &AuthorityNode{
		nodeId:     nodeId,
		instanceId: NewId(),
		scope:      scope.clone(),
		state:      copyTree(initialState),
	}, nil
}

func (self *AuthorityNode) NodeId() string {
	return self.nodeId
}

// a copy. mutating the returned scope does not change the node's fan-out.
func (self *AuthorityNode) Scope() Scope {
	return self.scope.clone()
}

func (self *AuthorityNode) Version() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.version
}

// a deep copy. the caller can freely mutate the returned tree.
func (self *AuthorityNode) State() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return copyTree(self.state)
}

func (self *AuthorityNode) Value(path Path) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := PathGet(self.state, path)
	if !ok {
		return nil, false
	}
	return copyValue(value), true
}

func (self *AuthorityNode) ShouldReplicateTo(clientId Id) bool {
	return self.scope.Matches(clientId)
}

// one batch is one state transition. the version advances by exactly 1
// however many operations the batch carries, and the patch reports the
// version after the batch.
// the operations are assumed to be already validated.
func (self *AuthorityNode) applyOperations(operations []*PatchOperation) *Patch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	applyOperations(self.state, operations)
	self.version += 1
	return &Patch{
		NodeId:     self.nodeId,
		Version:    self.version,
		Operations: operations,
	}
}

// a transport safe deep copy of the current tree
func (self *AuthorityNode) snapshot() *Snapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &Snapshot{
		NodeId:  self.nodeId,
		Version: self.version,
		Data:    copyTree(self.state),
	}
}

// the transport collaborator on the authoritative side.
// sends are fire and forget. the registry invokes them outside its own
// locks, so a transport may enqueue or deliver synchronously, and delivery
// callbacks may call back into the registry. a failed or dropped send is
// the transport's concern: the reliable channel guarantees at-least-once
// to a connected observer, the unreliable channel accepts silent loss.
type AuthorityTransport interface {
	SendReliable(clientId Id, message *Message) bool
	SendUnreliable(clientId Id, message *Message) bool
	ConnectedClientIds() []Id
}

type NodeEventType string

const (
	NodeEventTypeCreated   NodeEventType = "created"
	NodeEventTypeDestroyed NodeEventType = "destroyed"
)

type NodeEvent struct {
	Type   NodeEventType
	NodeId string
	Scope  Scope
}

type NodeEventFunction = func(event *NodeEvent)

func DefaultAuthorityRegistrySettings() *AuthorityRegistrySettings {
	return &AuthorityRegistrySettings{
		RequestLimiterSettings: DefaultRequestLimiterSettings(),
		SnapshotCacheSize:      128,
	}
}

type AuthorityRegistrySettings struct {
	RequestLimiterSettings *RequestLimiterSettings
	// bounded cache of bootstrap snapshots, keyed by node incarnation and
	// version. a burst of initial data requests reuses one snapshot per node.
	SnapshotCacheSize int
}

// creates and destroys authority nodes, fans patches out to eligible
// observer identities, and serves bootstrap snapshot requests under
// admission control.
//
// node lifecycle per id: absent -> created -> (patched)* -> destroyed.
// destroy removes the id from the registry, after which the id may be
// created again as a new node.
type AuthorityRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport AuthorityTransport
	settings  *AuthorityRegistrySettings

	requestLimiter *RequestLimiter
	snapshotCache  *lru.ARCCache

	stateLock sync.Mutex
	nodes     map[string]*AuthorityNode
	// sends in mutation order, run outside `stateLock` by the active drain
	sendQueue []func()
	sending   bool

	nodeEventCallbacks *CallbackList[NodeEventFunction]
}

func NewAuthorityRegistryWithDefaults(ctx context.Context, transport AuthorityTransport) *AuthorityRegistry {
	return NewAuthorityRegistry(ctx, transport, DefaultAuthorityRegistrySettings())
}

func NewAuthorityRegistry(ctx context.Context, transport AuthorityTransport, settings *AuthorityRegistrySettings) *AuthorityRegistry {
	if transport == nil {
		panic(fmt.Errorf("transport required"))
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	snapshotCache, err := lru.NewARC(settings.SnapshotCacheSize)
	if err != nil {
		panic(err)
	}
	return &AuthorityRegistry{
		ctx:                cancelCtx,
		cancel:             cancel,
		transport:          transport,
		settings:           settings,
		requestLimiter:     NewRequestLimiter(settings.RequestLimiterSettings),
		snapshotCache:      snapshotCache,
		nodes:              map[string]*AuthorityNode{},
		nodeEventCallbacks: NewCallbackList[NodeEventFunction](),
	}
}

func (self *AuthorityRegistry) AddNodeEventCallback(nodeEventCallback NodeEventFunction) func() {
	callbackId := self.nodeEventCallbacks.Add(nodeEventCallback)
	return func() {
		self.nodeEventCallbacks.Remove(callbackId)
	}
}

// creation with a duplicate id is an error
func (self *AuthorityRegistry) CreateNode(nodeId string, initialState map[string]any, scope Scope) (*AuthorityNode, error) {
	node, err := newAuthorityNode(nodeId, initialState, scope)
	if err != nil {
		return nil, err
	}

	err = func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.nodes[nodeId]; ok {
			return fmt.Errorf("node %s already exists", nodeId)
		}
		self.nodes[nodeId] = node

		self.sendToScope(node, NewCreateMessage(node.snapshot()), false)
		return nil
	}()
	if err != nil {
		return nil, err
	}
	self.drainSends()

	self.nodeEvent(&NodeEvent{
		Type:   NodeEventTypeCreated,
		NodeId: nodeId,
		Scope:  node.Scope(),
	})
	glog.V(2).Infof("[authority]create %s scope=%s\n", nodeId, scope)
	return node, nil
}

func (self *AuthorityRegistry) GetNode(nodeId string) *AuthorityNode {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.nodes[nodeId]
}

func (self *AuthorityRegistry) NodeIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodeIds := maps.Keys(self.nodes)
	slices.Sort(nodeIds)
	return nodeIds
}

func (self *AuthorityRegistry) PatchNode(nodeId string, op *PatchOperation) error {
	return self.PatchNodeMultiple(nodeId, []*PatchOperation{op})
}

// applies the batch as one state transition and broadcasts the resulting
// patch to the node's scope. the batch reliability is the reliability of its
// operations, which must all agree.
func (self *AuthorityRegistry) PatchNodeMultiple(nodeId string, operations []*PatchOperation) error {
	// reject eagerly, before any mutation
	if err := validateOperations(operations); err != nil {
		return err
	}

	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return fmt.Errorf("node %s does not exist", nodeId)
		}

		patch := node.applyOperations(operations)
		self.sendToScope(node, NewPatchMessage(patch), patch.IsUnreliable())
		return nil
	}()
	if err != nil {
		return err
	}
	self.drainSends()
	return nil
}

// destroy on an absent node is a silent no-op
func (self *AuthorityRegistry) DestroyNode(nodeId string) {
	var scope Scope
	destroyed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		node, ok := self.nodes[nodeId]
		if !ok {
			return false
		}
		delete(self.nodes, nodeId)
		scope = node.Scope()

		self.sendToScope(node, NewDestroyMessage(nodeId), false)
		return true
	}()
	if !destroyed {
		return
	}
	self.drainSends()

	self.nodeEvent(&NodeEvent{
		Type:   NodeEventTypeDestroyed,
		NodeId: nodeId,
		Scope:  scope,
	})
	glog.V(2).Infof("[authority]destroy %s\n", nodeId)
}

// must be called with `stateLock`.
// recipients are computed at mutation time, so per node message order per
// identity follows mutation order. the sends themselves run outside the
// lock via `drainSends`, so delivery never blocks node mutation.
func (self *AuthorityRegistry) sendToScope(node *AuthorityNode, message *Message, unreliable bool) {
	send := func(clientId Id) {
		self.sendQueue = append(self.sendQueue, func() {
			var ok bool
			if unreliable {
				ok = self.transport.SendUnreliable(clientId, message)
			} else {
				ok = self.transport.SendReliable(clientId, message)
			}
			if !ok && !unreliable {
				// the mutation is already committed locally. do not roll back or retry.
				glog.Warningf("[authority]send %s to %s failed. dropped.\n", message, clientId)
			}
		})
	}

	switch node.scope.Kind {
	case ScopeKindSingle:
		send(node.scope.ClientId)
	default:
		// no batching across identities
		for _, clientId := range self.transport.ConnectedClientIds() {
			if node.scope.Matches(clientId) {
				send(clientId)
			}
		}
	}
}

// runs queued sends in order with `stateLock` released. one drain is active
// at a time. a send that reenters the registry enqueues onto the same queue
// and returns, and the active drain delivers it.
func (self *AuthorityRegistry) drainSends() {
	self.stateLock.Lock()
	if self.sending {
		self.stateLock.Unlock()
		return
	}
	self.sending = true
	for 0 < len(self.sendQueue) {
		send := self.sendQueue[0]
		self.sendQueue = self.sendQueue[1:]
		self.stateLock.Unlock()
		send()
		self.stateLock.Lock()
	}
	self.sending = false
	self.stateLock.Unlock()
}

// serves one bootstrap request. if the identity is over quota the result is
// an empty array, which callers must treat as "try again later", not as "no
// state exists".
//
// the scan snapshots each eligible node at call time. nodes created or
// destroyed concurrently with the scan may or may not be included, which is
// acceptable because their create/destroy messages still arrive on the
// ongoing broadcast channel.
func (self *AuthorityRegistry) HandleInitialDataRequest(clientId Id) []*Message {
	if !self.requestLimiter.CanRequest(clientId) {
		glog.V(2).Infof("[authority]initial data request from %s over quota\n", clientId)
		return []*Message{}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nodeIds := maps.Keys(self.nodes)
	slices.Sort(nodeIds)

	messages := []*Message{}
	for _, nodeId := range nodeIds {
		node := self.nodes[nodeId]
		if !node.ShouldReplicateTo(clientId) {
			continue
		}
		messages = append(messages, NewCreateMessage(self.cachedSnapshot(node)))
	}
	return messages
}

// must be called with `stateLock`.
// the cached snapshot is shared between requesters and must not be mutated.
// the key includes the node's incarnation so that a destroyed and recreated
// id never serves the previous incarnation's state.
func (self *AuthorityRegistry) cachedSnapshot(node *AuthorityNode) *Snapshot {
	cacheKey := fmt.Sprintf("%s.%s@%d", node.nodeId, node.instanceId, node.Version())
	if cached, ok := self.snapshotCache.Get(cacheKey); ok {
		return cached.(*Snapshot)
	}
	snapshot := node.snapshot()
	self.snapshotCache.Add(cacheKey, snapshot)
	return snapshot
}

func (self *AuthorityRegistry) nodeEvent(event *NodeEvent) {
	for _, callback := range self.nodeEventCallbacks.Get() {
		callback := callback
		handleCallbackPanic(func() {
			callback(event)
		})
	}
}

func (self *AuthorityRegistry) RequestLimiter() *RequestLimiter {
	return self.requestLimiter
}

// destroys all nodes, broadcasting the destroys
func (self *AuthorityRegistry) Close() {
	for _, nodeId := range self.NodeIds() {
		self.DestroyNode(nodeId)
	}
	self.cancel()
}
