package replicate

import (
	"fmt"

	"golang.org/x/exp/maps"
)

// which observer identities are eligible to receive a node's messages.
// immutable after node creation.
type ScopeKind string

const (
	// every connected identity at time of send
	ScopeKindAll ScopeKind = "all"
	// exactly one identity
	ScopeKindSingle ScopeKind = "single"
	// an explicit identity set
	ScopeKindSet ScopeKind = "set"
)

type Scope struct {
	Kind      ScopeKind
	ClientId  Id
	ClientIds map[Id]bool
}

func ScopeAll() Scope {
	return Scope{
		Kind: ScopeKindAll,
	}
}

func ScopeSingle(clientId Id) Scope {
	return Scope{
		Kind:     ScopeKindSingle,
		ClientId: clientId,
	}
}

func ScopeSet(clientIds ...Id) Scope {
	clientIdSet := map[Id]bool{}
	for _, clientId := range clientIds {
		clientIdSet[clientId] = true
	}
	return Scope{
		Kind:      ScopeKindSet,
		ClientIds: clientIdSet,
	}
}

// the identity set is copied so that the holder and the caller never share
// a live map
func (self Scope) clone() Scope {
	c := self
	if self.ClientIds != nil {
		c.ClientIds = maps.Clone(self.ClientIds)
	}
	return c
}

// kind-specific required fields, checked eagerly at node creation
func (self Scope) Validate() error {
	switch self.Kind {
	case ScopeKindAll:
		return nil
	case ScopeKindSingle:
		if self.ClientId == (Id{}) {
			return fmt.Errorf("single scope requires a client id")
		}
		return nil
	case ScopeKindSet:
		if self.ClientIds == nil {
			return fmt.Errorf("set scope requires a client id set")
		}
		return nil
	default:
		return fmt.Errorf("unknown scope kind: %s", self.Kind)
	}
}

// pure function of the scope kind and identity membership
func (self Scope) Matches(clientId Id) bool {
	switch self.Kind {
	case ScopeKindAll:
		return true
	case ScopeKindSingle:
		return self.ClientId == clientId
	case ScopeKindSet:
		return self.ClientIds[clientId]
	default:
		return false
	}
}

func (self Scope) String() string {
	switch self.Kind {
	case ScopeKindSingle:
		return fmt.Sprintf("single(%s)", self.ClientId)
	case ScopeKindSet:
		return fmt.Sprintf("set(%v)", maps.Keys(self.ClientIds))
	default:
		return string(self.Kind)
	}
}
