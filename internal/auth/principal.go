package auth

// Method identifies how a principal authenticated.
type Method string

const (
	MethodAPIKey Method = "API_KEY"
	MethodJWT    Method = "JWT"
	MethodBasic  Method = "BASIC"
)

// Known permissions. Admin implies all others.
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermDelete = "delete"
	PermAdmin  = "admin"
)

// Principal is the authenticated identity attached to a request. It is
// built per request from the credential and never cached.
type Principal struct {
	ID          string   `json:"id"`
	Method      Method   `json:"method"`
	Permissions []string `json:"permissions"`
	// APIKey is set when the principal authenticated with an API key.
	APIKey *APIKeyRecord `json:"-"`
}

// Has reports whether the principal holds the permission.
func (p *Principal) Has(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm || have == PermAdmin {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal holds the admin permission.
func (p *Principal) IsAdmin() bool {
	return p.Has(PermAdmin)
}

// QuotaKey is the rate-limit bucket key for this principal.
func (p *Principal) QuotaKey() string {
	if p.Method == MethodAPIKey && p.APIKey != nil {
		return "apikey:" + p.APIKey.Key
	}
	return "user:" + p.ID
}
