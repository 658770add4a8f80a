package registry

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// LatestVersion is accepted in identifiers as an explicit "no pin".
const LatestVersion = "latest"

// Identifier is a parsed agent reference.
type Identifier struct {
	Publisher string
	Name      string
	// Version is the canonical semver string of the pin, or empty when unpinned.
	Version string
	Raw     string
}

// Pinned reports whether the identifier carries a usable version pin.
func (id Identifier) Pinned() bool {
	return id.Version != ""
}

// String formats the identifier as publisher/name@version.
func (id Identifier) String() string {
	s := id.Name
	if id.Publisher != "" {
		s = id.Publisher + "/" + s
	}
	if id.Version != "" {
		s += "@" + id.Version
	}
	return s
}

// ParseIdentifier splits an agent reference. It never fails: a version that is not
// valid semver (including "latest") leaves the identifier unpinned. A reference
// with a slash but an empty publisher or name gets an empty Name and never resolves.
func ParseIdentifier(raw string) Identifier {
	id := Identifier{Raw: raw}
	ref := strings.TrimSpace(raw)

	if at := strings.LastIndex(ref, "@"); at >= 0 {
		id.Version = canonicalVersion(ref[at+1:])
		ref = ref[:at]
	}

	if slash := strings.Index(ref, "/"); slash >= 0 {
		id.Publisher = ref[:slash]
		id.Name = ref[slash+1:]
		if id.Publisher == "" || id.Name == "" {
			id.Publisher, id.Name = "", ""
		}
	} else {
		id.Name = ref
	}
	return id
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, LatestVersion) {
		return ""
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return ""
	}
	return parsed.String()
}
