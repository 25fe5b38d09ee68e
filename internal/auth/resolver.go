// Package auth turns the Authorization header of a chat request into a user
// identity. Resolution never fails: anything that cannot be verified is
// treated as an anonymous caller.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrNoVerifier is returned by NoVerifier for every token.
var ErrNoVerifier = errors.New("no identity provider configured")

// Verifier checks a bearer token with the identity provider and returns the
// subject's user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// NoVerifier rejects every token. Used when no identity provider is configured.
var NoVerifier = VerifierFunc(func(context.Context, string) (string, error) {
	return "", ErrNoVerifier
})

type Source string

const (
	SourceAnonymous Source = "anonymous"
	SourceAsserted  Source = "asserted"
	SourceToken     Source = "token"
)

type Identity struct {
	UserID string
	Source Source
}

func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

var anonymous = Identity{Source: SourceAnonymous}

type Options struct {
	// AnonKey is the public API key browsers send when nobody is signed in.
	AnonKey string
	// TrustAsserted lets a userId from the request body win without checking it
	// against the token.
	TrustAsserted bool
}

type Resolver struct {
	verifier Verifier
	opts     Options
	logger   *zap.Logger
}

func NewResolver(verifier Verifier, opts Options, logger *zap.Logger) *Resolver {
	if verifier == nil {
		verifier = NoVerifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{verifier: verifier, opts: opts, logger: logger}
}

// Resolve returns the caller's identity from the raw Authorization header and
// the client-asserted user id.
func (r *Resolver) Resolve(ctx context.Context, authHeader, assertedUserID string) Identity {
	if asserted := strings.TrimSpace(assertedUserID); asserted != "" {
		if r.opts.TrustAsserted {
			return Identity{UserID: asserted, Source: SourceAsserted}
		}
		r.logger.Debug("ignoring asserted user id", zap.String("asserted", asserted))
	}
	return r.fromToken(ctx, authHeader)
}

func (r *Resolver) fromToken(ctx context.Context, authHeader string) (id Identity) {
	token := BearerToken(authHeader)
	if token == "" || (r.opts.AnonKey != "" && token == r.opts.AnonKey) {
		return anonymous
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("token verification panicked", zap.Any("panic", p))
			id = anonymous
		}
	}()

	userID, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.logger.Warn("failed to resolve user from token", zap.Error(err))
		return anonymous
	}
	if userID == "" {
		r.logger.Warn("identity provider returned an empty subject")
		return anonymous
	}
	return Identity{UserID: userID, Source: SourceToken}
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively; an empty string means no token.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (i Identity) String() string {
	if i.Anonymous() {
		return string(SourceAnonymous)
	}
	return fmt.Sprintf("%s (%s)", i.UserID, i.Source)
}
