package model

import "strings"

const AdminRole = "admin"

// User is the authenticated caller as described by the authentication provider.
type User struct {
	Id       Id           `json:"id"`
	Email    string       `json:"email,omitempty"`
	Metadata UserMetadata `json:"user_metadata"`
}

// UserMetadata is the free-form profile data attached to a user.
type UserMetadata struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role,omitempty"`
}

// DisplayName returns the profile name, falling back to the local part of the email address and
// then to "Anonymous".
func (u *User) DisplayName() string {
	if u.Metadata.Name != "" {
		return u.Metadata.Name
	}
	if local := strings.SplitN(u.Email, "@", 2)[0]; local != "" {
		return local
	}
	return "Anonymous"
}

func (u *User) IsAdmin() bool {
	return u.Metadata.Role == AdminRole
}
