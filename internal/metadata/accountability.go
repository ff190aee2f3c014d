package metadata

// Accountability describes the caller of a request, set by the auth middleware.
// Roles holds the caller's role followed by its ancestors; Policies is filled
// once the caller's policies were resolved.
type Accountability struct {
	User     string   `json:"user,omitempty"`
	Role     string   `json:"role,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Policies []string `json:"policies,omitempty"`
	Admin    bool     `json:"admin"`
	App      bool     `json:"app"`
	IP       string   `json:"ip,omitempty"`
}

// IsAdmin reports whether all permission checks are bypassed. A nil
// accountability is the system itself.
func (a *Accountability) IsAdmin() bool {
	return a == nil || a.Admin
}
