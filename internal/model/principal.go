package model

// Role is the RBAC role of an authenticated principal.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReviewer  Role = "reviewer"
	RoleRequester Role = "requester"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleReviewer:
		return 2
	case RoleRequester:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Principal is a human or agent identity that can call the API.
// APIKeyHash is an argon2id encoded hash, never the key itself.
type Principal struct {
	ID         string `json:"id" yaml:"id"`
	Role       Role   `json:"role" yaml:"role"`
	APIKeyHash string `json:"-" yaml:"api_key_hash"`
}
