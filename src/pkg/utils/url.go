package utils

import (
	"net/url"
	"strings"
)

// PublicURL builds the address a client uses to reach the viewer page for
// key.
func PublicURL(https bool, host, key string) string {
	u := url.URL{
		Scheme: "http",
		Host:   host,
		Path:   "/" + key,
	}
	if https {
		u.Scheme = "https"
	}
	return u.String()
}

// SanitizeKey strips every path separator from a candidate key.
func SanitizeKey(candidate string) string {
	return strings.NewReplacer("/", "", `\`, "").Replace(candidate)
}
