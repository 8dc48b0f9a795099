package util

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

var urlRegex = regexp.MustCompile(`^https?://[^\s]+$`)

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent on every outbound federation request
func UserAgent(domain string) string {
	return fmt.Sprintf("%s/%s (+https://%s)", Name, GetVersion(), domain)
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// IsURL checks if a given string is a valid HTTP or HTTPS URL
func IsURL(text string) bool {
	return urlRegex.MatchString(strings.TrimSpace(text))
}

// Truncate cuts s to at most max runes, appending "..." when shortened
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
