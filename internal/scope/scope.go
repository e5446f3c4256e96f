// Package scope decides whether a spec may write a path. Specs carry allowed
// and forbidden path lists; entries are exact paths, directory prefixes or
// glob patterns with ** support.
package scope

import (
	"fmt"
	"path"
	"strings"
)

// Allowed reports whether p may be written under the given lists.
func Allowed(p string, allowed, forbidden []string) bool {
	ok, _ := Check(p, allowed, forbidden)
	return ok
}

// Check is Allowed with the reason for the decision. Forbidden entries are
// checked first. An empty allowed list permits anything not forbidden.
func Check(p string, allowed, forbidden []string) (bool, string) {
	p = Normalize(p)

	for _, f := range forbidden {
		if Match(p, f) {
			return false, fmt.Sprintf("path matches forbidden entry %q", f)
		}
	}
	if len(allowed) == 0 {
		return true, "no path restrictions"
	}
	for _, a := range allowed {
		if Match(p, a) {
			return true, fmt.Sprintf("path matches allowed entry %q", a)
		}
	}
	return false, fmt.Sprintf("path not under any of %s", strings.Join(allowed, ", "))
}

// Match reports whether p equals entry, lies under the directory entry, or
// matches entry as a glob.
func Match(p, entry string) bool {
	p = Normalize(p)
	entry = Normalize(entry)
	switch entry {
	case "":
		return false
	case ".":
		return true
	}
	if strings.Contains(entry, "*") {
		return matchGlob(p, entry)
	}
	return p == entry || strings.HasPrefix(p, entry+"/")
}

// Normalize converts a path to the slash-separated relative form used for
// matching.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}
