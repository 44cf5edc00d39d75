package model

import (
	"fmt"
	"time"
)

type Family struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// Location resolves the family's IANA time zone, falling back to fallback
// when the zone is empty or unknown.
func (f *Family) Location(fallback *time.Location) *time.Location {
	if f == nil || f.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleParent, RoleChild:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type Member struct {
	ID        int64     `json:"id"`
	FamilyID  int64     `json:"family_id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Points    int       `json:"points"`
	HasPIN    bool      `json:"has_pin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type LedgerReason string

const (
	LedgerAward      LedgerReason = "award"
	LedgerSplitAward LedgerReason = "split_award"
	LedgerPenalty    LedgerReason = "penalty"
)

// LedgerEntry records one applied change to a member's point balance.
// Delta is the change actually applied after flooring at zero.
type LedgerEntry struct {
	ID        int64        `json:"id"`
	MemberID  int64        `json:"member_id"`
	TaskID    *int64       `json:"task_id"`
	Delta     int          `json:"delta"`
	Reason    LedgerReason `json:"reason"`
	CreatedAt time.Time    `json:"created_at"`
}
