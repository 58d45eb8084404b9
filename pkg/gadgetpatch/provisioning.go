package gadgetpatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// EmbeddedProfileName is the provisioning profile file inside an app bundle
const EmbeddedProfileName = "embedded.mobileprovision"

// EmbeddedProfile describes who signed the app before it was patched
type EmbeddedProfile struct {
	Name     string
	TeamID   string
	TeamName string
	Expires  time.Time
}

// profilePayload is the plist carried inside the CMS envelope
type profilePayload struct {
	Name        string    `plist:"Name"`
	TeamName    string    `plist:"TeamName"`
	TeamIDs     []string  `plist:"TeamIdentifier"`
	AppIDPrefix []string  `plist:"ApplicationIdentifierPrefix"`
	Expiration  time.Time `plist:"ExpirationDate"`
}

// ParseEmbeddedProfile decodes a .mobileprovision file: a CMS (PKCS#7)
// signed container around an XML plist
func ParseEmbeddedProfile(data []byte) (*EmbeddedProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s is not a CMS container: %w", EmbeddedProfileName, err)
	}

	var payload profilePayload
	if _, err := plist.Unmarshal(p7.Content, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", EmbeddedProfileName, err)
	}

	profile := &EmbeddedProfile{
		Name:     payload.Name,
		TeamName: payload.TeamName,
		Expires:  payload.Expiration,
	}
	// older profiles only carry the app identifier prefix
	switch {
	case len(payload.TeamIDs) > 0:
		profile.TeamID = payload.TeamIDs[0]
	case len(payload.AppIDPrefix) > 0:
		profile.TeamID = payload.AppIDPrefix[0]
	}
	return profile, nil
}

// ReadEmbeddedProfile reads the provisioning profile of an app bundle.
// A bundle without one yields a nil profile and no error.
func ReadEmbeddedProfile(appPath string) (*EmbeddedProfile, error) {
	data, err := os.ReadFile(filepath.Join(appPath, EmbeddedProfileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseEmbeddedProfile(data)
}

// Expired reports whether the profile was no longer valid at t
func (p *EmbeddedProfile) Expired(t time.Time) bool {
	return !p.Expires.IsZero() && t.After(p.Expires)
}
