package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPasswordPolicy(t *testing.T) {
	policy := PasswordPolicy{ExcludeCharacters: `/@"'\`, RequireEachIncludedType: true}

	for _, tc := range []struct {
		name     string
		password string
		err      string
	}{
		{name: "valid", password: "Abcdef1!"},
		{name: "excluded character", password: "Abcd@ef1!", err: "excluded character at position 4"},
		{name: "missing classes", password: "abcdefgh", err: "uppercase, digit, punctuation"},
		{name: "symbol counts as punctuation", password: "Abcdef1+"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPasswordPolicy(tc.password, policy)
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.err)
		})
	}

	t.Run("classes not required", func(t *testing.T) {
		require.NoError(t, CheckPasswordPolicy("abcdefgh", PasswordPolicy{}))
	})
}

func TestSecretsManagerPasswords(t *testing.T) {
	policy := PasswordPolicy{ExcludeCharacters: `/@"'\`, RequireEachIncludedType: true, Length: 20}

	t.Run("forwards the policy", func(t *testing.T) {
		api := &fakePasswords{passwords: []string{"Abcdefghijklmnop12!?"}}
		gen := &SecretsManagerPasswords{API: api}

		pw, err := gen.Generate(context.Background(), policy)
		require.NoError(t, err)
		assert.Equal(t, "Abcdefghijklmnop12!?", pw)

		require.Len(t, api.inputs, 1)
		in := api.inputs[0]
		assert.Equal(t, `/@"'\`, aws.ToString(in.ExcludeCharacters))
		assert.True(t, aws.ToBool(in.RequireEachIncludedType))
		assert.Equal(t, int64(20), aws.ToInt64(in.PasswordLength))
	})

	t.Run("rejects passwords violating the policy", func(t *testing.T) {
		gen := &SecretsManagerPasswords{API: &fakePasswords{passwords: []string{"abc@DEF1!"}}}
		_, err := gen.Generate(context.Background(), policy)
		require.ErrorContains(t, err, "excluded character")
	})

	t.Run("empty password", func(t *testing.T) {
		gen := &SecretsManagerPasswords{API: &fakePasswords{passwords: []string{""}}}
		_, err := gen.Generate(context.Background(), policy)
		require.ErrorContains(t, err, "empty password")
	})

	t.Run("api error", func(t *testing.T) {
		gen := &SecretsManagerPasswords{API: &fakePasswords{err: errors.New("boom")}}
		_, err := gen.Generate(context.Background(), policy)
		require.ErrorContains(t, err, "error generating password: boom")
	})
}
