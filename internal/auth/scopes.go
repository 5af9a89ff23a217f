package auth

// Known OAuth scopes used by the presence service.
const (
	ScopeStatusWrite = "status:write"
	ScopeStatusRead  = "status:read"
)
