package domain

import "slices"

// Identity is the authenticated caller handed to the core by the
// authentication layer.
type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}
