package domain

// TenantContext identifies who is calling and which organization the call operates on.
// It is resolved per request and passed explicitly.
type TenantContext struct {
	UserID         string
	OrganizationID string
}

func (t TenantContext) validate() error {
	if t.UserID == "" {
		return ErrNotAuthenticated
	}
	if t.OrganizationID == "" {
		return ErrNoActiveScope
	}
	return nil
}

// Scope narrows a column to a single project. The zero value spans the organization.
type Scope struct {
	ProjectID string
}

// ProjectScope returns a scope limited to projectID.
func ProjectScope(projectID string) Scope { return Scope{ProjectID: projectID} }

// OrganizationWide reports whether the scope spans every project.
func (s Scope) OrganizationWide() bool { return s.ProjectID == "" }

// Contains reports whether t falls inside the scope.
func (s Scope) Contains(t Task) bool {
	return s.OrganizationWide() || t.ProjectID == s.ProjectID
}

// Key identifies the scope inside an organization, e.g. for cache fields.
func (s Scope) Key() string {
	if s.OrganizationWide() {
		return "*"
	}
	return "p:" + s.ProjectID
}

// ScopeOf is the column partition a task is appended to on creation.
func ScopeOf(t Task) Scope {
	return Scope{ProjectID: t.ProjectID}
}
