package versions

import "github.com/Masterminds/semver/v3"

// IsNewerFormat reports whether data written with format stored cannot be
// safely rewritten by a build that understands format supported.
//
// Patch level differences are compatible. A newer major or minor version is
// not, and neither is a stored version that does not parse as semver.
func IsNewerFormat(stored, supported string) bool {
	storedVer, err := semver.NewVersion(stored)
	if err != nil {
		return true
	}
	supportedVer, err := semver.NewVersion(supported)
	if err != nil {
		return true
	}

	if storedVer.Major() != supportedVer.Major() {
		return storedVer.Major() > supportedVer.Major()
	}
	return storedVer.Minor() > supportedVer.Minor()
}
