package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/chat-fu/model"
)

var testSecret = []byte("super-secret-jwt-token-with-at-least-32-characters")

func TestStatic(t *testing.T) {
	user, err := (&Static{}).User(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, user)

	provider := &Static{Identity: &model.User{Id: "u1"}}
	user, err = provider.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Id("u1"), user.Id)

	user.Id = "mutated"
	user, err = provider.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Id("u1"), user.Id)
}

func TestToken(t *testing.T) {
	user := &model.User{
		Id:    "7f0c",
		Email: "alice@example.com",
		Metadata: model.UserMetadata{
			Name: "Alice",
			Role: model.AdminRole,
		},
	}

	token, err := GenerateToken(user, testSecret, time.Hour)
	require.NoError(t, err)

	parsed, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, user, parsed)
	assert.True(t, parsed.IsAdmin())

	_, err = ParseToken(token, []byte("wrong secret"))
	assert.Error(t, err)

	expired, err := GenerateToken(user, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, testSecret)
	assert.Error(t, err)

	_, err = ParseToken("not a token", testSecret)
	assert.Error(t, err)
}

func TestTokenProvider(t *testing.T) {
	token, err := GenerateToken(&model.User{Id: "u1", Email: "bob@example.com"}, testSecret, time.Hour)
	require.NoError(t, err)

	provider := NewTokenProvider(token, testSecret)
	assert.Equal(t, token, provider.Token())
	user, err := provider.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", user.DisplayName())

	provider.SetToken("")
	user, err = provider.User(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, user)

	provider.SetToken("garbage")
	_, err = provider.User(context.Background())
	assert.Error(t, err)
}
