package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/sekimon/internal/model"
)

// ErrInvalidCredentials is returned for an unknown principal or a wrong key.
// The two cases are deliberately indistinguishable to callers.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Directory is the fixed set of principals allowed to call the API. It is
// built once from configuration and never mutated.
type Directory struct {
	principals map[string]model.Principal
}

// NewDirectory validates ps and indexes them by id.
func NewDirectory(ps []model.Principal) (*Directory, error) {
	d := &Directory{principals: make(map[string]model.Principal, len(ps))}
	for i, p := range ps {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("auth: principal %d: id is required", i)
		}
		if model.RoleRank(p.Role) == 0 {
			return nil, fmt.Errorf("auth: principal %s: unknown role %q", p.ID, p.Role)
		}
		if err := ValidateHash(p.APIKeyHash); err != nil {
			return nil, fmt.Errorf("auth: principal %s: %w", p.ID, err)
		}
		if _, dup := d.principals[p.ID]; dup {
			return nil, fmt.Errorf("auth: principal %s: duplicate id", p.ID)
		}
		d.principals[p.ID] = p
	}
	return d, nil
}

// Authenticate checks apiKey for principal id.
func (d *Directory) Authenticate(id, apiKey string) (model.Principal, error) {
	p, ok := d.principals[id]
	if !ok {
		DummyVerify()
		return model.Principal{}, ErrInvalidCredentials
	}
	valid, err := VerifyAPIKey(apiKey, p.APIKeyHash)
	if err != nil || !valid {
		return model.Principal{}, ErrInvalidCredentials
	}
	return p, nil
}

// Lookup returns the principal with the given id.
func (d *Directory) Lookup(id string) (model.Principal, bool) {
	p, ok := d.principals[id]
	return p, ok
}

// IDs returns every principal id, sorted.
func (d *Directory) IDs() []string {
	ids := make([]string, 0, len(d.principals))
	for id := range d.principals {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
