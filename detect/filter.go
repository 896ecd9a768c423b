package detect

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// FilterByPrefix returns the variables whose name contains at least one of prefixes, in their
// original order. Filtering the result again with the same prefixes returns it unchanged.
//
// An empty result is an ErrNoVariables error, since training it would be a no-op.
func FilterByPrefix(vars []*Variable, prefixes []string) ([]*Variable, error) {
	var selected []*Variable
	for _, v := range vars {
		for _, p := range prefixes {
			if strings.Contains(v.Name, p) {
				selected = append(selected, v)
				break
			}
		}
	}
	if len(selected) == 0 {
		return nil, errors.Wrapf(cvlab.ErrNoVariables, "no variable name contains any of %q",
			prefixes)
	}
	return selected, nil
}

// FilterByRole returns the variables with one of the given roles, in their original order.
//
// An empty result is an ErrNoVariables error.
func FilterByRole(vars []*Variable, roles ...Role) ([]*Variable, error) {
	var selected []*Variable
	for _, v := range vars {
		for _, r := range roles {
			if v.Role == r {
				selected = append(selected, v)
				break
			}
		}
	}
	if len(selected) == 0 {
		return nil, errors.Wrapf(cvlab.ErrNoVariables, "no variable has any of the roles %v", roles)
	}
	return selected, nil
}
