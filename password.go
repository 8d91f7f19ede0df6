package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// PasswordPolicy is the complexity policy of generated passwords.
type PasswordPolicy struct {
	ExcludeCharacters       string `json:"exclude-characters"`
	RequireEachIncludedType bool   `json:"require-each-included-type"`
	// Length is left to the generator default when zero.
	Length int64 `json:"length"`
}

// PasswordGenerator returns random passwords satisfying a policy.
type PasswordGenerator interface {
	Generate(ctx context.Context, policy PasswordPolicy) (string, error)
}

// RandomPasswordAPI is the subset of the Secrets Manager client used to
// generate passwords.
type RandomPasswordAPI interface {
	GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error)
}

// SecretsManagerPasswords generates passwords with Secrets Manager.
type SecretsManagerPasswords struct {
	API RandomPasswordAPI
}

// Generate implements PasswordGenerator.
func (s *SecretsManagerPasswords) Generate(ctx context.Context, policy PasswordPolicy) (string, error) {
	input := &secretsmanager.GetRandomPasswordInput{
		RequireEachIncludedType: aws.Bool(policy.RequireEachIncludedType),
	}
	if policy.ExcludeCharacters != "" {
		input.ExcludeCharacters = aws.String(policy.ExcludeCharacters)
	}
	if policy.Length > 0 {
		input.PasswordLength = aws.Int64(policy.Length)
	}

	out, err := s.API.GetRandomPassword(ctx, input)
	if err != nil {
		return "", fmt.Errorf("error generating password: %w", err)
	}
	password := aws.ToString(out.RandomPassword)
	if password == "" {
		return "", errors.New("error generating password: empty password returned")
	}
	if err := CheckPasswordPolicy(password, policy); err != nil {
		return "", err
	}
	return password, nil
}

// CheckPasswordPolicy verifies a password against the policy: no excluded
// character and, when required, at least one character of each class.
func CheckPasswordPolicy(password string, policy PasswordPolicy) error {
	if i := strings.IndexAny(password, policy.ExcludeCharacters); policy.ExcludeCharacters != "" && i >= 0 {
		return fmt.Errorf("password contains excluded character at position %d", i)
	}
	if !policy.RequireEachIncludedType {
		return nil
	}

	var lower, upper, digit, punct bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			punct = true
		}
	}

	var missing []string
	if !lower {
		missing = append(missing, "lowercase")
	}
	if !upper {
		missing = append(missing, "uppercase")
	}
	if !digit {
		missing = append(missing, "digit")
	}
	if !punct {
		missing = append(missing, "punctuation")
	}
	if len(missing) > 0 {
		return fmt.Errorf("password is missing character classes: %s", strings.Join(missing, ", "))
	}
	return nil
}
