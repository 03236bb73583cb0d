package studio

import (
	"crypto/subtle"
	"os"

	"github.com/sce-dev/sce/infrastructure/config"
	"github.com/sce-dev/sce/infrastructure/errors"
	"github.com/sce-dev/sce/internal/store"
)

// DefaultPasswordEnv names the environment variable holding the shared
// secret when the policy does not override it.
const DefaultPasswordEnv = "SCE_STUDIO_AUTH_PASSWORD"

// ForceAuthEnv forces authorization on regardless of the policy file.
const ForceAuthEnv = "SCE_STUDIO_AUTH_REQUIRED"

// SecurityPolicy is the persisted studio security policy.
type SecurityPolicy struct {
	Enabled        bool     `json:"enabled"`
	RequireAuthFor []string `json:"require_auth_for"`
	PasswordEnv    string   `json:"password_env"`
}

// DefaultSecurityPolicy is materialized on first read.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		Enabled:        false,
		RequireAuthFor: []string{StageApply, StageRelease, "rollback"},
		PasswordEnv:    DefaultPasswordEnv,
	}
}

// LoadSecurityPolicy reads the policy, materializing the default
// document on first read and applying the force-enable env flag.
func LoadSecurityPolicy(st *store.Store) (SecurityPolicy, error) {
	var policy SecurityPolicy
	err := st.ReadJSONOrDefault(st.Layout().StudioSecurityPolicy(), &policy, DefaultSecurityPolicy())
	if err != nil {
		return SecurityPolicy{}, err
	}
	if policy.PasswordEnv == "" {
		policy.PasswordEnv = DefaultPasswordEnv
	}
	if config.GetEnvBool(ForceAuthEnv, false) {
		policy.Enabled = true
	}
	return policy, nil
}

// Requires reports whether the transition needs authorization.
func (p SecurityPolicy) Requires(transition string) bool {
	if !p.Enabled {
		return false
	}
	for _, t := range p.RequireAuthFor {
		if t == transition {
			return true
		}
	}
	return false
}

// Authorize checks the caller's password against the policy's shared
// secret. The comparison is constant time. Failure never mutates state;
// the caller records the failed event.
func (p SecurityPolicy) Authorize(transition, password string) error {
	if !p.Requires(transition) {
		return nil
	}
	secret := os.Getenv(p.PasswordEnv)
	if secret == "" {
		return errors.AuthorizationFailed(transition).
			WithDetails("reason", "shared secret is not configured").
			WithDetails("password_env", p.PasswordEnv)
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(secret)) != 1 {
		return errors.AuthorizationFailed(transition)
	}
	return nil
}
