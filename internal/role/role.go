// Package role defines the fixed set of roles a profile can hold on an activity.
package role

import (
	"fmt"
	"strings"
)

type Type string

const (
	Creator     Type = "Creator"
	Organiser   Type = "Organiser"
	Participant Type = "Participant"
	Access      Type = "Access"
	Follower    Type = "Follower"
)

// All lists every role type in bucket order for member listings.
var All = []Type{Organiser, Participant, Access, Follower, Creator}

var byName = map[string]Type{
	"creator":     Creator,
	"organiser":   Organiser,
	"participant": Participant,
	"access":      Access,
	"follower":    Follower,
}

// Parse resolves a role name case-insensitively against the fixed enumeration.
func Parse(name string) (Type, error) {
	if t, ok := byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown activity role %q", name)
}

// Member filter keys accepted by the members endpoint. The Access bucket is
// filtered as "accessor" while the stored role type stays "Access".
var memberFilters = map[string]Type{
	"organiser":   Organiser,
	"participant": Participant,
	"accessor":    Access,
	"follower":    Follower,
	"creator":     Creator,
}

// ParseMemberFilter resolves a members?type= query value.
func ParseMemberFilter(filter string) (Type, error) {
	if t, ok := memberFilters[filter]; ok {
		return t, nil
	}
	return "", fmt.Errorf("invalid member type %q", filter)
}
