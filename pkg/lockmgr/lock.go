// Package lockmgr implements the distributed lock manager of spec §4.2:
// hierarchical SYSTEM/SERVICE/INCIDENT/DEPLOYMENT locks with deadlock
// prevention via strict ordering, backed by an interchangeable central-store
// (Redis) or filesystem backend.
package lockmgr

import (
	"fmt"
	"time"
)

// Scope is lock granularity, ordered for deadlock prevention (spec §4.2,
// §9 "Global mutable state"): SYSTEM first, DEPLOYMENT last.
type Scope string

const (
	ScopeSystem     Scope = "SYSTEM"
	ScopeService    Scope = "SERVICE"
	ScopeIncident   Scope = "INCIDENT"
	ScopeDeployment Scope = "DEPLOYMENT"
)

// order gives the deadlock-prevention priority of each scope; lower acquires
// first. A holder may only acquire a lock whose order is >= every order it
// already holds.
var order = map[Scope]int{
	ScopeSystem:     1,
	ScopeService:    2,
	ScopeIncident:   3,
	ScopeDeployment: 4,
}

func (s Scope) valid() bool {
	_, ok := order[s]
	return ok
}

// Info describes an acquired lock, mirroring the original's LockInfo.to_dict.
type Info struct {
	LockID     string         `json:"lock_id"`
	Scope      Scope          `json:"scope"`
	ResourceID string         `json:"resource_id"`
	Owner      string         `json:"owner"`
	Token      string         `json:"token"`
	AcquiredAt time.Time      `json:"acquired_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the lock's TTL has already elapsed.
func (i Info) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

func lockID(scope Scope, resourceID string) string {
	return fmt.Sprintf("%s:%s", scope, resourceID)
}
