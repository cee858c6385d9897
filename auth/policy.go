package auth

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Role names a role in the policy.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Permissions referenced by the services.
const (
	PermCreateUser    = "create_user"
	PermReadUser      = "read_user"
	PermUpdateUser    = "update_user"
	PermDeleteUser    = "delete_user"
	PermCreateProduct = "create_product"
	PermReadProduct   = "read_product"
	PermUpdateProduct = "update_product"
	PermDeleteProduct = "delete_product"
	PermCreateOrder   = "create_order"
	PermReadOrder     = "read_order"
	PermUpdateOrder   = "update_order"
	PermDeleteOrder   = "delete_order"
)

// PolicyVersion is the only artifact version understood.
const PolicyVersion = 1

//go:embed policy.yaml
var embeddedPolicy []byte

// RolePolicy is the level and permission set granted to a role.
type RolePolicy struct {
	Level       int      `yaml:"level"`
	Permissions []string `yaml:"permissions"`
}

// Policy is the shared role table.
type Policy struct {
	Version int                 `yaml:"version"`
	Roles   map[Role]RolePolicy `yaml:"roles"`
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() *Policy {
	p, err := LoadPolicy(bytes.NewReader(embeddedPolicy))
	if err != nil {
		panic(fmt.Sprintf("auth: embedded policy: %v", err))
	}
	return p
}

// LoadPolicy decodes and validates a policy artifact. Unknown keys are
// rejected.
func LoadPolicy(r io.Reader) (*Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicyFile loads a policy artifact from path.
func LoadPolicyFile(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	defer f.Close()
	return LoadPolicy(f)
}

// Validate checks the artifact version and the admin and user rows.
func (p *Policy) Validate() error {
	var errs []error

	if p.Version != PolicyVersion {
		errs = append(errs, fmt.Errorf("unsupported policy version %d", p.Version))
	}

	admin, ok := p.Roles[RoleAdmin]
	switch {
	case !ok:
		errs = append(errs, errors.New("role admin is not defined"))
	case admin.Level < 95 || admin.Level > 100:
		errs = append(errs, fmt.Errorf("role admin level %d outside 95..100", admin.Level))
	}

	user, ok := p.Roles[RoleUser]
	switch {
	case !ok:
		errs = append(errs, errors.New("role user is not defined"))
	case user.Level != 10:
		errs = append(errs, fmt.Errorf("role user level %d, want 10", user.Level))
	}

	for role, rp := range p.Roles {
		for _, perm := range rp.Permissions {
			if perm == "" {
				errs = append(errs, fmt.Errorf("role %s has an empty permission", role))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// Grant returns the level and permissions of role.
func (p *Policy) Grant(role Role) (RolePolicy, bool) {
	rp, ok := p.Roles[role]
	if !ok {
		return RolePolicy{}, false
	}
	return RolePolicy{Level: rp.Level, Permissions: slices.Clone(rp.Permissions)}, true
}

// ContextFor derives the full authorization context of a subject from its
// role.
func (p *Policy) ContextFor(subjectID, email string, role Role) (Context, error) {
	rp, ok := p.Grant(role)
	if !ok {
		return Context{}, fmt.Errorf("%w: unknown role %q", ErrForbidden, role)
	}
	return Context{
		SubjectID:   subjectID,
		Email:       email,
		Role:        role,
		RoleLevel:   rp.Level,
		Permissions: rp.Permissions,
	}, nil
}
