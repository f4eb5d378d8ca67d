// Package security provides the principal model and Unix-style permission
// triples used for access control on collections and resources.
//
// Every storage operation that enforces access control takes the acting
// Principal as an explicit argument. There is no ambient "current user":
// privileged internal operations (for example temp-fragment maintenance)
// pass SystemPrincipal() explicitly.
package security

// Access bits for a single permission class (owner, group or other).
// They follow the Unix convention so a full mode is an octal triple,
// e.g. 0754.
const (
	// Read allows reading a resource or listing a collection
	Read = 0o4

	// Write allows modifying a resource or a collection's contents
	Write = 0o2

	// Execute allows traversing a collection
	Execute = 0o1
)

// Well-known identities. The system principal owns reserved collections
// and bypasses all permission checks.
const (
	SystemUser  = "SYSTEM"
	GuestUser   = "guest"
	AdminGroup  = "dba"
	SystemGroup = "system"
)

// DefaultCollectionMode is applied to collections materialized implicitly,
// for example ancestors created by a recursive create.
const DefaultCollectionMode uint16 = 0o777

// DefaultResourceMode is applied to newly stored resources when the caller
// does not specify a mode.
const DefaultResourceMode uint16 = 0o644

// Principal identifies the actor performing a storage operation.
//
// Principals are plain values: the storage layer never mutates them and a
// single Principal may be shared across goroutines.
type Principal struct {
	// Name is the unique account name
	Name string

	// Groups lists every group the account belongs to, including the
	// primary group
	Groups []string
}

// SystemPrincipal returns the built-in privileged principal. It bypasses
// all permission checks and owns reserved collections such as the
// temp-fragment collection.
func SystemPrincipal() *Principal {
	return &Principal{
		Name:   SystemUser,
		Groups: []string{AdminGroup, SystemGroup},
	}
}

// GuestPrincipal returns the unprivileged anonymous principal.
func GuestPrincipal() *Principal {
	return &Principal{
		Name:   GuestUser,
		Groups: []string{GuestUser},
	}
}

// IsSystem reports whether the principal is the built-in system account.
func (p *Principal) IsSystem() bool {
	return p != nil && p.Name == SystemUser
}

// HasAdminRole reports whether the principal belongs to the administrator
// group. Administrators bypass permission checks the same way the system
// principal does.
func (p *Principal) HasAdminRole() bool {
	if p == nil {
		return false
	}
	if p.Name == SystemUser {
		return true
	}
	for _, g := range p.Groups {
		if g == AdminGroup {
			return true
		}
	}
	return false
}

// InGroup reports whether the principal belongs to the named group.
func (p *Principal) InGroup(name string) bool {
	if p == nil {
		return false
	}
	for _, g := range p.Groups {
		if g == name {
			return true
		}
	}
	return false
}

// Permission is a Unix-style owner/group/mode triple attached to every
// collection and resource.
type Permission struct {
	// Owner is the account name of the owning user
	Owner string `json:"owner"`

	// Group is the owning group name
	Group string `json:"group"`

	// Mode is the octal permission triple (e.g. 0o755)
	Mode uint16 `json:"mode"`
}

// NewPermission builds a permission triple owned by the given principal.
func NewPermission(owner *Principal, mode uint16) Permission {
	group := ""
	if len(owner.Groups) > 0 {
		group = owner.Groups[0]
	}
	return Permission{
		Owner: owner.Name,
		Group: group,
		Mode:  mode & 0o777,
	}
}

// Validate reports whether the principal holds the requested access bits.
//
// The check walks the classes in owner, group, other order and uses the
// first class that matches the principal, mirroring Unix semantics. The
// system principal and administrators always pass.
//
// Parameters:
//   - p: the acting principal (nil is treated as no access)
//   - access: a bitwise OR of Read, Write and Execute
//
// Returns:
//   - bool: true when every requested bit is granted
func (perm Permission) Validate(p *Principal, access int) bool {
	if p == nil {
		return false
	}
	if p.HasAdminRole() {
		return true
	}

	var granted int
	switch {
	case p.Name == perm.Owner:
		granted = int(perm.Mode>>6) & 0o7
	case p.InGroup(perm.Group):
		granted = int(perm.Mode>>3) & 0o7
	default:
		granted = int(perm.Mode) & 0o7
	}

	return granted&access == access
}
