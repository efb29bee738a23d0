package remote

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// CheckCompatible returns an error when client and server are
// both release builds with different major versions. Dev and
// otherwise unparseable versions are always accepted.
func CheckCompatible(client, server string) error {
	cv, sv := canonical(client), canonical(server)
	if cv == "" || sv == "" {
		return nil
	}
	if semver.Major(cv) != semver.Major(sv) {
		return fmt.Errorf(
			"client %s is not compatible with server %s",
			cv, sv,
		)
	}
	return nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
