package scenario

import (
	"fmt"
	"sort"
	"strings"
)

// Resolution maps logical roles to concrete sandbox identity IDs. A
// resolution is total for its document: every referenced role has an
// entry before execution begins.
type Resolution map[Role]string

// UnresolvedRolesError lists every role referenced by the document but
// absent from the supplied mapping. It is raised before the interpreter
// starts, never step-by-step.
type UnresolvedRolesError struct {
	Missing []Role
}

func (e *UnresolvedRolesError) Error() string {
	names := make([]string, len(e.Missing))
	for i, r := range e.Missing {
		names[i] = string(r)
	}
	return fmt.Sprintf("unresolved roles: %s", strings.Join(names, ", "))
}

// Resolve produces a total resolution for doc from a caller-supplied
// partial mapping. The caller's authenticated identity is always
// injected as the admin role, overriding any supplied value; an
// identity cannot impersonate a different admin.
func Resolve(doc *Document, callerID string, supplied Resolution) (Resolution, error) {
	if callerID == "" {
		return nil, fmt.Errorf("caller identity is empty")
	}

	resolved := make(Resolution, len(supplied)+1)
	for role, id := range supplied {
		resolved[role] = id
	}
	resolved[RoleAdmin] = callerID

	var missing []Role
	for _, role := range doc.Roles() {
		if id, ok := resolved[role]; !ok || id == "" {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return nil, &UnresolvedRolesError{Missing: missing}
	}

	return resolved, nil
}

// ResolvePositional assigns a flat list of identity IDs to the roles
// employee_1, employee_2, ... in order, then resolves as usual.
func ResolvePositional(doc *Document, callerID string, ids []string) (Resolution, error) {
	supplied := make(Resolution, len(ids))
	for i, id := range ids {
		supplied[Role(fmt.Sprintf("employee_%d", i+1))] = id
	}
	return Resolve(doc, callerID, supplied)
}

// Verify checks that an existing resolution covers every role in doc.
// Used on the replay path, where the resolution is loaded verbatim from
// a stored run instead of being freshly built.
func (r Resolution) Verify(doc *Document) error {
	var missing []Role
	for _, role := range doc.Roles() {
		if id, ok := r[role]; !ok || id == "" {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
		return &UnresolvedRolesError{Missing: missing}
	}
	return nil
}
