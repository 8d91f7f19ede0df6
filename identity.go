package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	log "github.com/sirupsen/logrus"
)

// Role is the access level of an ephemeral identity.
type Role string

const (
	RoleStandard   Role = "standard"
	RolePrivileged Role = "privileged"
)

// Identity is an ephemeral, authenticated user of the API under test.
type Identity struct {
	Username     string
	Password     string
	Subject      string
	Role         Role
	Groups       []string
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// String does not include the password or the tokens.
func (i *Identity) String() string {
	return fmt.Sprintf("%s (%s, sub=%s)", i.Username, i.Role, i.Subject)
}

// IdentitySpec describes an identity to provision.
type IdentitySpec struct {
	Username string
	Role     Role
	// AdminGroup is joined by privileged identities.
	AdminGroup string
}

// IdentityProvider is the subset of the Cognito user pool client used to
// manage ephemeral identities.
type IdentityProvider interface {
	AdminDeleteUser(ctx context.Context, params *cip.AdminDeleteUserInput, optFns ...func(*cip.Options)) (*cip.AdminDeleteUserOutput, error)
	SignUp(ctx context.Context, params *cip.SignUpInput, optFns ...func(*cip.Options)) (*cip.SignUpOutput, error)
	AdminConfirmSignUp(ctx context.Context, params *cip.AdminConfirmSignUpInput, optFns ...func(*cip.Options)) (*cip.AdminConfirmSignUpOutput, error)
	AdminAddUserToGroup(ctx context.Context, params *cip.AdminAddUserToGroupInput, optFns ...func(*cip.Options)) (*cip.AdminAddUserToGroupOutput, error)
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

// Provisioner creates ephemeral identities in a user pool.
type Provisioner struct {
	API         IdentityProvider
	Passwords   PasswordGenerator
	Policy      PasswordPolicy
	UserPoolID  string
	ClientID    string
	EmailDomain string
	// Verifier checks the ID token signature when set.
	Verifier *TokenVerifier
}

// EnsureAbsent deletes the user if it exists. It returns true if a user was
// deleted and false if there was none; any other failure is an error.
func (p *Provisioner) EnsureAbsent(ctx context.Context, username string) (bool, error) {
	_, err := p.API.AdminDeleteUser(ctx, &cip.AdminDeleteUserInput{
		UserPoolId: aws.String(p.UserPoolID),
		Username:   aws.String(username),
	})
	var notFound *types.UserNotFoundException
	switch {
	case err == nil:
		log.WithField("username", username).Debug("deleted existing identity")
		return true, nil
	case errors.As(err, &notFound):
		return false, nil
	default:
		return false, fmt.Errorf("error deleting user %q: %w", username, err)
	}
}

// Provision recreates the identity from scratch and authenticates it.
func (p *Provisioner) Provision(ctx context.Context, spec IdentitySpec) (*Identity, error) {
	password, err := p.Passwords.Generate(ctx, p.Policy)
	if err != nil {
		return nil, err
	}

	if _, err := p.EnsureAbsent(ctx, spec.Username); err != nil {
		return nil, err
	}

	signUp, err := p.API.SignUp(ctx, &cip.SignUpInput{
		ClientId: aws.String(p.ClientID),
		Username: aws.String(spec.Username),
		Password: aws.String(password),
		UserAttributes: []types.AttributeType{
			{Name: aws.String("email"), Value: aws.String(spec.Username + "@" + p.EmailDomain)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error signing up %q: %w", spec.Username, err)
	}

	if !signUp.UserConfirmed {
		_, err = p.API.AdminConfirmSignUp(ctx, &cip.AdminConfirmSignUpInput{
			UserPoolId: aws.String(p.UserPoolID),
			Username:   aws.String(spec.Username),
		})
		if err != nil {
			return nil, fmt.Errorf("error confirming %q: %w", spec.Username, err)
		}
	}

	identity := &Identity{
		Username: spec.Username,
		Password: password,
		Subject:  aws.ToString(signUp.UserSub),
		Role:     spec.Role,
	}

	if spec.Role == RolePrivileged {
		if spec.AdminGroup == "" {
			return nil, fmt.Errorf("privileged identity %q needs an admin group", spec.Username)
		}
		_, err = p.API.AdminAddUserToGroup(ctx, &cip.AdminAddUserToGroupInput{
			UserPoolId: aws.String(p.UserPoolID),
			Username:   aws.String(spec.Username),
			GroupName:  aws.String(spec.AdminGroup),
		})
		if err != nil {
			return nil, fmt.Errorf("error adding %q to group %q: %w", spec.Username, spec.AdminGroup, err)
		}
	}

	if err := p.Authenticate(ctx, identity); err != nil {
		return nil, err
	}

	if spec.Role == RolePrivileged && !slices.Contains(identity.Groups, spec.AdminGroup) {
		return nil, fmt.Errorf("token of %q does not carry group %q", spec.Username, spec.AdminGroup)
	}

	AddField(ctx, string(spec.Role), spec.Username)
	return identity, nil
}

// Authenticate signs the identity in with its username and password and
// stores the returned tokens on it.
func (p *Provisioner) Authenticate(ctx context.Context, identity *Identity) error {
	res, err := p.API.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(p.ClientID),
		AuthParameters: map[string]string{
			"USERNAME": identity.Username,
			"PASSWORD": identity.Password,
		},
	})
	if err != nil {
		return fmt.Errorf("error authenticating %q: %w", identity.Username, err)
	}
	if res.AuthenticationResult == nil {
		return fmt.Errorf("error authenticating %q: unexpected challenge %q", identity.Username, res.ChallengeName)
	}

	identity.IDToken = aws.ToString(res.AuthenticationResult.IdToken)
	identity.AccessToken = aws.ToString(res.AuthenticationResult.AccessToken)
	identity.RefreshToken = aws.ToString(res.AuthenticationResult.RefreshToken)
	if identity.IDToken == "" || identity.AccessToken == "" {
		return fmt.Errorf("error authenticating %q: missing tokens", identity.Username)
	}

	var claims *TokenClaims
	if p.Verifier != nil {
		claims, err = p.Verifier.Verify(ctx, identity.IDToken)
	} else {
		claims, err = ParseClaims(identity.IDToken)
	}
	if err != nil {
		return fmt.Errorf("id token of %q: %w", identity.Username, err)
	}
	if identity.Subject == "" {
		identity.Subject = claims.Subject
	} else if claims.Subject != identity.Subject {
		return fmt.Errorf("id token of %q has subject %q, expected %q", identity.Username, claims.Subject, identity.Subject)
	}
	identity.Groups = claims.Groups
	return nil
}
