package replicate

import (
	"sync"

	"golang.org/x/exp/maps"
)

// in process transport that couples one authority registry directly to
// replica registries. used by tests and single process hosts. delivery is
// synchronous, and the registry runs sends outside its own locks, so an
// observer callback may call back into the authority registry. the
// unreliable channel can be given a loss function to exercise silent loss.
//
// trees never leak between the two sides: snapshots are copied on apply and
// operation values are copied on insert, the same isolation a serializing
// transport gives for free.

// returns whether to drop this unreliable send
type LossFunction = func(clientId Id, message *Message) bool

func DefaultLocalTransportSettings() *LocalTransportSettings {
	return &LocalTransportSettings{}
}

type LocalTransportSettings struct {
	UnreliableLoss LossFunction
}

type LocalTransport struct {
	settings *LocalTransportSettings

	stateLock           sync.Mutex
	observers           map[Id]*ReplicaRegistry
	initialDataFunction func(clientId Id) []*Message
}

func NewLocalTransportWithDefaults() *LocalTransport {
	return NewLocalTransport(DefaultLocalTransportSettings())
}

func NewLocalTransport(settings *LocalTransportSettings) *LocalTransport {
	return &LocalTransport{
		settings:  settings,
		observers: map[Id]*ReplicaRegistry{},
	}
}

// wire to `AuthorityRegistry.HandleInitialDataRequest`
func (self *LocalTransport) SetInitialDataFunction(initialDataFunction func(clientId Id) []*Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.initialDataFunction = initialDataFunction
}

// connects one observer identity. returns a disconnect.
func (self *LocalTransport) Connect(clientId Id, registry *ReplicaRegistry) func() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.observers[clientId] = registry
	}()
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.observers[clientId] == registry {
			delete(self.observers, clientId)
		}
	}
}

// the synchronous bootstrap request. the returned messages are already
// applied to the connected observer's registry.
func (self *LocalTransport) RequestInitialData(clientId Id) []*Message {
	initialDataFunction, registry := func() (func(clientId Id) []*Message, *ReplicaRegistry) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return self.initialDataFunction, self.observers[clientId]
	}()

	if initialDataFunction == nil {
		return []*Message{}
	}
	messages := initialDataFunction(clientId)
	if registry != nil {
		for _, message := range messages {
			registry.HandleMessage(message)
		}
	}
	return messages
}

// AuthorityTransport

func (self *LocalTransport) SendReliable(clientId Id, message *Message) bool {
	registry := func() *ReplicaRegistry {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		return self.observers[clientId]
	}()
	if registry == nil {
		return false
	}
	registry.HandleMessage(message)
	return true
}

func (self *LocalTransport) SendUnreliable(clientId Id, message *Message) bool {
	if self.settings.UnreliableLoss != nil && self.settings.UnreliableLoss(clientId, message) {
		// accepted, silent loss
		return true
	}
	return self.SendReliable(clientId, message)
}

func (self *LocalTransport) ConnectedClientIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.observers)
}
