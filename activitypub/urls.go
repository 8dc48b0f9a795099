package activitypub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"
	ActivityJSONType       = "application/activity+json"
)

// URLs builds the local IRIs for one domain
type URLs struct {
	Domain string
}

func (u URLs) base() string {
	return "https://" + u.Domain
}

func (u URLs) Actor(name string) string {
	return fmt.Sprintf("%s/activitypub/actors/%s", u.base(), url.PathEscape(name))
}

func (u URLs) Inbox(name string) string     { return u.Actor(name) + "/inbox" }
func (u URLs) Outbox(name string) string    { return u.Actor(name) + "/outbox" }
func (u URLs) Followers(name string) string { return u.Actor(name) + "/followers" }
func (u URLs) Following(name string) string { return u.Actor(name) + "/following" }
func (u URLs) KeyId(name string) string     { return KeyIdFor(u.Actor(name)) }

// SharedInbox accepts activities for every local actor
func (u URLs) SharedInbox() string {
	return u.base() + "/activitypub/inbox"
}

// NewActivity mints a fresh activity id
func (u URLs) NewActivity() string {
	return fmt.Sprintf("%s/activitypub/activities/%s", u.base(), uuid.New())
}

func (u URLs) Post(id uuid.UUID) string {
	return fmt.Sprintf("%s/posts/%s", u.base(), id)
}

// Asset is where an uploaded attachment without its own URL is served
func (u URLs) Asset(id uuid.UUID) string {
	return fmt.Sprintf("%s/assets/%s", u.base(), id)
}

func (u URLs) Profile(name string) string {
	return fmt.Sprintf("%s/@%s", u.base(), url.PathEscape(name))
}

// ActorName returns the local actor name in uri, or "" if uri is not a local actor IRI
func (u URLs) ActorName(uri string) string {
	prefix := u.base() + "/activitypub/actors/"
	if !strings.HasPrefix(uri, prefix) {
		return ""
	}
	name := strings.TrimPrefix(uri, prefix)
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

// KeyIdFor returns the public key id of an actor IRI
func KeyIdFor(actorURI string) string {
	return actorURI + "#main-key"
}

// ActorFromKeyId strips the fragment from a key id
func ActorFromKeyId(keyId string) string {
	if i := strings.Index(keyId, "#"); i >= 0 {
		return keyId[:i]
	}
	return keyId
}

// extractDomain returns the lowercased host of an IRI
func extractDomain(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("no host in %q", uri)
	}
	return strings.ToLower(parsed.Host), nil
}
