package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
)

// deviceDisplayName names the device created by Login in the user's session
// list.
const deviceDisplayName = "kotoba"

// Credentials is the outcome of a password login.
type Credentials struct {
	// Homeserver is the client-server API base URL to use from now on. It is
	// the well-known base_url when the server advertised one.
	Homeserver  string
	UserID      string
	DeviceID    string
	AccessToken string
}

// Login performs an m.login.password login as username and returns the
// session credentials. username may be a bare localpart or a full user id.
func Login(ctx context.Context, homeserver, username, password string) (*Credentials, error) {
	if homeserver == "" || username == "" || password == "" {
		return nil, errors.New("homeserver, username and password are required")
	}
	mxc, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	resp, err := mxc.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: deviceDisplayName,
	})
	if err != nil {
		return nil, fmt.Errorf("login as %s: %w", username, err)
	}

	creds := &Credentials{
		Homeserver:  homeserver,
		UserID:      resp.UserID.String(),
		DeviceID:    string(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}
	if resp.WellKnown != nil && resp.WellKnown.Homeserver.BaseURL != "" {
		creds.Homeserver = strings.TrimRight(resp.WellKnown.Homeserver.BaseURL, "/")
	}
	return creds, nil
}
