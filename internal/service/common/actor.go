//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
)

// rootUID is the effective user id of the superuser.
const rootUID = 0

// Actor describes who runs the packager, for the log trail.
type Actor struct {
	// Hostname is the machine name the packager runs on.
	Hostname string
	// Username is the name of the effective user.
	Username string
	// UID is the effective user id.
	UID int
}

// DetectActor gathers host and user information for the process.
func DetectActor() (*Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	uid := os.Geteuid()

	username := strconv.Itoa(uid)
	if currentUser, lookupErr := user.LookupId(username); lookupErr == nil {
		username = currentUser.Username
	}

	return &Actor{
		Hostname: hostname,
		Username: username,
		UID:      uid,
	}, nil
}

// IsPrivileged reports whether the actor runs as root.
func (a *Actor) IsPrivileged() bool {
	return a != nil && a.UID == rootUID
}

// RequirePrivilege returns script.ErrPrivilege unless euid is root.
func RequirePrivilege(euid int) error {
	if euid != rootUID {
		return fmt.Errorf("%w: running with effective uid %d", script.ErrPrivilege, euid)
	}

	return nil
}
