package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "Abcdefghijklmnop12!?"

func hmacIssuer(t *testing.T) func(sub, username string, groups []string) string {
	return func(sub, username string, groups []string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
			TokenUse:         "id",
			Username:         username,
			Groups:           groups,
		})
		signed, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)
		return signed
	}
}

func newTestProvisioner(api IdentityProvider, passwords ...string) *Provisioner {
	if len(passwords) == 0 {
		passwords = []string{testPassword}
	}
	return &Provisioner{
		API:         api,
		Passwords:   &SecretsManagerPasswords{API: &fakePasswords{passwords: passwords}},
		Policy:      DefaultConfig().PasswordPolicy,
		UserPoolID:  "eu-west-1_abc",
		ClientID:    "client",
		EmailDomain: "example.com",
	}
}

func TestProvisionerEnsureAbsent(t *testing.T) {
	t.Run("deletes an existing user", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		api.users["harness-user"] = &fakeUser{}
		deleted, err := newTestProvisioner(api).EnsureAbsent(context.Background(), "harness-user")
		require.NoError(t, err)
		assert.True(t, deleted)
		_, ok := api.user("harness-user")
		assert.False(t, ok)
	})

	t.Run("missing user is not an error", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		deleted, err := newTestProvisioner(api).EnsureAbsent(context.Background(), "harness-user")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("other failures are reported", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		api.deleteErr = errors.New("throttled")
		_, err := newTestProvisioner(api).EnsureAbsent(context.Background(), "harness-user")
		require.ErrorContains(t, err, `error deleting user "harness-user": throttled`)
	})
}

func TestProvisionerProvision(t *testing.T) {
	t.Run("standard identity", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		identity, err := newTestProvisioner(api).Provision(context.Background(), IdentitySpec{
			Username: "harness-user",
			Role:     RoleStandard,
		})
		require.NoError(t, err)
		assert.Equal(t, "harness-user", identity.Username)
		assert.Equal(t, testPassword, identity.Password)
		assert.NotEmpty(t, identity.IDToken)
		assert.NotEmpty(t, identity.AccessToken)
		assert.Empty(t, identity.Groups)

		u, ok := api.user("harness-user")
		require.True(t, ok)
		assert.True(t, u.confirmed)
		assert.Equal(t, u.sub, identity.Subject)
		assert.NotContains(t, identity.String(), testPassword)
		assert.NotContains(t, identity.String(), identity.IDToken)
	})

	t.Run("privileged identity joins the admin group", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		identity, err := newTestProvisioner(api).Provision(context.Background(), IdentitySpec{
			Username:   "harness-admin",
			Role:       RolePrivileged,
			AdminGroup: "apiAdmins",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"apiAdmins"}, identity.Groups)

		claims, err := ParseClaims(identity.IDToken)
		require.NoError(t, err)
		assert.Equal(t, []string{"apiAdmins"}, claims.Groups)
	})

	t.Run("privileged identity needs a group", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		_, err := newTestProvisioner(api).Provision(context.Background(), IdentitySpec{
			Username: "harness-admin",
			Role:     RolePrivileged,
		})
		require.ErrorContains(t, err, "needs an admin group")
	})

	t.Run("token without the group is rejected", func(t *testing.T) {
		api := newFakeCognito(func(sub, username string, _ []string) string {
			return hmacIssuer(t)(sub, username, nil)
		})
		_, err := newTestProvisioner(api).Provision(context.Background(), IdentitySpec{
			Username:   "harness-admin",
			Role:       RolePrivileged,
			AdminGroup: "apiAdmins",
		})
		require.ErrorContains(t, err, `does not carry group "apiAdmins"`)
	})

	t.Run("existing identity is recreated with a new password", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		p := newTestProvisioner(api, testPassword, "Zyxwvutsrqponmlk98#%")
		spec := IdentitySpec{Username: "harness-user", Role: RoleStandard}

		first, err := p.Provision(context.Background(), spec)
		require.NoError(t, err)
		second, err := p.Provision(context.Background(), spec)
		require.NoError(t, err)

		assert.NotEqual(t, first.Subject, second.Subject)
		assert.Equal(t, "Zyxwvutsrqponmlk98#%", second.Password)
		assert.Equal(t, 1, api.deletes)
	})

	t.Run("delete failure aborts before sign up", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		api.deleteErr = errors.New("access denied")
		_, err := newTestProvisioner(api).Provision(context.Background(), IdentitySpec{Username: "harness-user", Role: RoleStandard})
		require.ErrorContains(t, err, "access denied")
		assert.Empty(t, api.users)
	})

	t.Run("sign up failure", func(t *testing.T) {
		api := newFakeCognito(hmacIssuer(t))
		api.signUpErr = errors.New("invalid password")
		_, err := newTestProvisioner(api).Provision(context.Background(), IdentitySpec{Username: "harness-user", Role: RoleStandard})
		require.ErrorContains(t, err, `error signing up "harness-user": invalid password`)
	})
}

func TestProvisionerAuthenticate(t *testing.T) {
	api := newFakeCognito(hmacIssuer(t))
	p := newTestProvisioner(api)
	identity, err := p.Provision(context.Background(), IdentitySpec{Username: "harness-user", Role: RoleStandard})
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		wrong := *identity
		wrong.Password = "nope"
		require.ErrorContains(t, p.Authenticate(context.Background(), &wrong), "Incorrect username or password")
	})

	t.Run("subject mismatch", func(t *testing.T) {
		other := *identity
		other.Subject = "someone-else"
		require.ErrorContains(t, p.Authenticate(context.Background(), &other), "has subject")
	})
}
