package reconcile

import "strings"

const (
	datasourcesMarker = "/datasources/"
	siteMarker        = "/t/"
)

// Path rules, in the order they are attempted.
const (
	RuleMarker    = "marker"
	RuleSitePath  = "site-path"
	RuleSession   = "session-site"
	RuleBarePath  = "bare"
	RuleUnchanged = ""
)

// rewritePath points a repository path at newKey. The text before the
// datasources marker is kept byte for byte. Without the marker the site is
// recovered from a /t/<site> segment, then from the signed-in site, and
// finally a bare path is produced.
func rewritePath(path, newKey, site string) (string, string) {
	if i := strings.Index(path, datasourcesMarker); i >= 0 {
		return path[:i] + datasourcesMarker + newKey, RuleMarker
	}
	if i := strings.Index(path, siteMarker); i >= 0 {
		sitePart := path[:i]
		siteName, _, _ := strings.Cut(path[i+len(siteMarker):], "/")
		return sitePart + siteMarker + siteName + datasourcesMarker + newKey, RuleSitePath
	}
	if site != "" {
		return siteMarker + site + datasourcesMarker + newKey, RuleSession
	}
	return datasourcesMarker + newKey, RuleBarePath
}
