package auth

import (
	"context"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Aidin1998/cashspend/internal/spend/interfaces"
)

// Authorize fails with ErrUnauthorized unless caller holds capability.
func Authorize(ctx context.Context, registry interfaces.RoleRegistry, caller common.Address, capability interfaces.Capability) error {
	if registry == nil || !registry.HasCapability(ctx, caller, capability) {
		return interfaces.ErrUnauthorized.Explain("%s lacks capability %s", caller.Hex(), capability)
	}
	return nil
}

// StaticRoleRegistry is a role registry loaded from configuration.
type StaticRoleRegistry struct {
	mu    sync.RWMutex
	roles map[common.Address]map[interfaces.Capability]bool
}

// NewStaticRoleRegistry builds a registry from address -> capability names.
func NewStaticRoleRegistry(roles map[string][]string) *StaticRoleRegistry {
	r := &StaticRoleRegistry{roles: make(map[common.Address]map[interfaces.Capability]bool)}
	for holder, caps := range roles {
		for _, c := range caps {
			r.Grant(common.HexToAddress(holder), interfaces.Capability(strings.ToLower(c)))
		}
	}
	return r
}

func (r *StaticRoleRegistry) Grant(holder common.Address, capability interfaces.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles[holder] == nil {
		r.roles[holder] = make(map[interfaces.Capability]bool)
	}
	r.roles[holder][capability] = true
}

func (r *StaticRoleRegistry) Revoke(holder common.Address, capability interfaces.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[holder], capability)
}

func (r *StaticRoleRegistry) HasCapability(_ context.Context, caller common.Address, capability interfaces.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[caller][capability]
}
