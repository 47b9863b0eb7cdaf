// Package auth provides the identity of the caller to the chat core.
package auth

import (
	"context"

	"github.com/ccbrown/chat-fu/model"
)

// Provider exposes the authenticated caller. A nil user with a nil error means nobody is signed in.
type Provider interface {
	User(ctx context.Context) (*model.User, error)
}

// Static always returns the same user.
type Static struct {
	Identity *model.User
}

func (s *Static) User(ctx context.Context) (*model.User, error) {
	if s == nil || s.Identity == nil {
		return nil, nil
	}
	ret := *s.Identity
	return &ret, nil
}
