package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/stegofed/domain"
	"github.com/patrickmn/go-cache"
)

// SignedHeaders is the fixed header list of every outbound signature
var SignedHeaders = []string{"(request-target)", "host", "date", "digest"}

const (
	publicKeyTTL = 24 * time.Hour

	// MaxClockSkew bounds how far a signed Date may drift from local time
	MaxClockSkew = 12 * time.Hour
)

// actorResolver loads remote actors for key lookup
type actorResolver interface {
	FetchActor(ctx context.Context, actorURI string) (*domain.Actor, error)
	RefreshActor(ctx context.Context, actorURI string) (*domain.Actor, error)
}

// SignatureFields are the parameters of a Signature header
type SignatureFields struct {
	KeyId     string
	Algorithm string
	Headers   string
	Signature string
}

// SignatureService signs outbound requests and verifies inbound ones
type SignatureService struct {
	db              Database
	keys            KeyService
	resolver        actorResolver
	urls            URLs
	keyCache        *cache.Cache
	keyFetchTimeout time.Duration

	// serializes fetch-or-generate of publisher keys
	keyMu sync.Mutex
}

// NewSignatureService creates a SignatureService for the given local domain
func NewSignatureService(db Database, resolver actorResolver, localDomain string, keyFetchTimeout time.Duration) *SignatureService {
	return &SignatureService{
		db:              db,
		resolver:        resolver,
		urls:            URLs{Domain: localDomain},
		keyCache:        cache.New(publicKeyTTL, time.Hour),
		keyFetchTimeout: keyFetchTimeout,
	}
}

type signatureParam struct {
	Key   string
	Value string
}

type signatureParams []signatureParam

func (p signatureParams) get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// parseSignatureHeader splits `k1="v1",k2="v2"` into ordered pairs.
// Unquoted values (as used by created/expires) are accepted.
func parseSignatureHeader(header string) (signatureParams, error) {
	var params signatureParams
	s := strings.TrimSpace(header)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter near %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		if key == "" || strings.ContainsAny(key, `", `) {
			return nil, fmt.Errorf("malformed signature key %q", key)
		}
		s = strings.TrimLeft(s[eq+1:], " ")

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %q", key)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		params = append(params, signatureParam{Key: key, Value: value})

		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("expected ',' after %q", key)
		}
		s = strings.TrimLeft(s[1:], " ")
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("empty signature header")
	}
	return params, nil
}

func requestTarget(method string, r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return strings.ToLower(method) + " " + path
}

// buildSigningString joins the listed headers as "name: value" lines.
// host is always taken from the argument and content-type is never included.
func buildSigningString(headers []string, r *http.Request, host string, params signatureParams) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h)
		switch name {
		case "(request-target)":
			lines = append(lines, "(request-target): "+requestTarget(r.Method, r))
		case "(created)", "(expires)":
			v := params.get(strings.Trim(name, "()"))
			if v == "" {
				return "", fmt.Errorf("signature lists %s without a value", name)
			}
			lines = append(lines, name+": "+v)
		case "host":
			lines = append(lines, "host: "+host)
		case "content-type":
			continue
		default:
			values := r.Header.Values(h)
			if len(values) == 0 {
				return "", fmt.Errorf("signed header %q missing from request", name)
			}
			lines = append(lines, name+": "+strings.Join(values, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Digest returns the SHA-256 Digest header value for body
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// VerifyIncoming checks the Signature header of an inbound request and
// returns the signing actor's URI. Every failure wraps ErrInvalidSignature.
func (s *SignatureService) VerifyIncoming(ctx context.Context, r *http.Request, body []byte) (string, error) {
	header := r.Header.Get("Signature")
	if header == "" {
		return "", fmt.Errorf("%w: missing Signature header", ErrInvalidSignature)
	}
	params, err := parseSignatureHeader(header)
	if err != nil {
		log.Printf("Signature: Malformed header %q: %v", header, err)
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	keyId := params.get("keyId")
	signature := params.get("signature")
	headerList := strings.Fields(params.get("headers"))
	if keyId == "" || signature == "" || len(headerList) == 0 {
		return "", fmt.Errorf("%w: keyId, headers and signature are required", ErrInvalidSignature)
	}
	switch strings.ToLower(params.get("algorithm")) {
	case "", "rsa-sha256", "hs2019":
	default:
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, params.get("algorithm"))
	}

	for _, h := range headerList {
		switch strings.ToLower(h) {
		case "digest":
			if got, want := r.Header.Get("Digest"), Digest(body); got != want {
				log.Printf("Signature: Digest mismatch for %s (got %q, want %q)", keyId, got, want)
				return "", fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
			}
		case "date":
			if err := checkDate(r.Header.Get("Date"), time.Now()); err != nil {
				log.Printf("Signature: Rejected date for %s: %v", keyId, err)
				return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
			}
		}
	}

	signingString, err := buildSigningString(headerList, r, s.urls.Domain, params)
	if err != nil {
		log.Printf("Signature: Cannot rebuild signing string for %s: %v", keyId, err)
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	actorURI := ActorFromKeyId(keyId)
	publicKey, err := s.publicKey(ctx, actorURI)
	if err != nil {
		log.Printf("Signature: No public key for %s: %v", actorURI, err)
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !s.keys.Verify(publicKey, []byte(signingString), signature) {
		log.Printf("Signature: Verification failed for keyId %s, signing string:\n%s", keyId, signingString)
		return "", fmt.Errorf("%w: verification failed for %s", ErrInvalidSignature, keyId)
	}
	return actorURI, nil
}

// checkDate rejects a signed Date further than MaxClockSkew from now
func checkDate(value string, now time.Time) error {
	date, err := http.ParseTime(value)
	if err != nil {
		return fmt.Errorf("unparsable date %q", value)
	}
	skew := now.Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return fmt.Errorf("date %q is %s off", value, skew.Round(time.Second))
	}
	return nil
}

// publicKey resolves the PEM key of actorURI through cache, repository and discovery
func (s *SignatureService) publicKey(ctx context.Context, actorURI string) (string, error) {
	if cached, found := s.keyCache.Get(actorURI); found {
		return cached.(string), nil
	}

	actor, err := s.db.ReadActorByURI(actorURI)
	if err != nil {
		return "", err
	}

	if actor == nil || actor.PublicKeyPem == "" {
		fetchCtx, cancel := context.WithTimeout(ctx, s.keyFetchTimeout)
		defer cancel()
		if actor == nil {
			actor, err = s.resolver.FetchActor(fetchCtx, actorURI)
		} else {
			actor, err = s.resolver.RefreshActor(fetchCtx, actorURI)
		}
		if err != nil {
			return "", err
		}
	}
	if actor == nil || actor.PublicKeyPem == "" {
		return "", fmt.Errorf("actor %s has no public key", actorURI)
	}

	s.keyCache.Set(actorURI, actor.PublicKeyPem, cache.DefaultExpiration)
	return actor.PublicKeyPem, nil
}

// ForgetKey drops a cached public key, e.g. after a profile update
func (s *SignatureService) ForgetKey(actorURI string) {
	s.keyCache.Delete(actorURI)
}

// SignOutgoing signs req on behalf of the local actor actorURI and sets its
// Signature header. The request must already carry Date and Digest headers.
func (s *SignatureService) SignOutgoing(ctx context.Context, req *http.Request, actorURI string) (SignatureFields, error) {
	publisher, err := s.publisherKeys(actorURI)
	if err != nil {
		return SignatureFields{}, err
	}
	key, err := ParsePrivateKey(publisher.PrivateKeyPem)
	if err != nil {
		return SignatureFields{}, err
	}

	if req.Header.Get("Host") == "" {
		host := req.Host
		if host == "" {
			host = req.URL.Host
		}
		req.Header.Set("Host", host)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		SignedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return SignatureFields{}, fmt.Errorf("failed to create signer: %w", err)
	}
	// Digest is set by the caller, so the body is not handed to the signer
	if err := signer.SignRequest(key, KeyIdFor(actorURI), req, nil); err != nil {
		return SignatureFields{}, fmt.Errorf("failed to sign request: %w", err)
	}

	params, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return SignatureFields{}, fmt.Errorf("signer produced a malformed header: %w", err)
	}
	return SignatureFields{
		KeyId:     params.get("keyId"),
		Algorithm: params.get("algorithm"),
		Headers:   params.get("headers"),
		Signature: params.get("signature"),
	}, nil
}

// publisherKeys returns the publisher behind a local actor, generating and
// persisting its keypair on first use.
func (s *SignatureService) publisherKeys(actorURI string) (*domain.Publisher, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()

	actor, err := s.db.ReadActorByURI(actorURI)
	if err != nil {
		return nil, err
	}

	var publisher *domain.Publisher
	if actor != nil && actor.IsLocal() {
		publisher, err = s.db.ReadPublisherById(actor.PublisherId)
	} else if name := s.urls.ActorName(actorURI); name != "" {
		publisher, err = s.db.ReadPublisherByName(name)
	}
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalPublisher, actorURI)
	}

	if publisher.PrivateKeyPem != "" && publisher.PublicKeyPem != "" {
		return publisher, nil
	}

	priv, pub, err := s.keys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.db.UpdatePublisherKeys(publisher.Id, priv, pub); err != nil {
		return nil, fmt.Errorf("failed to persist keys for %s: %w", publisher.Name, err)
	}
	publisher.PrivateKeyPem = priv
	publisher.PublicKeyPem = pub
	log.Printf("Signature: Generated keypair for publisher %s", publisher.Name)

	if actor != nil {
		actor.PublicKeyPem = pub
		actor.PublicKeyId = KeyIdFor(actor.URI)
		if err := s.db.UpdateActor(actor); err != nil {
			log.Printf("Signature: Failed to store public key on actor %s: %v", actor.URI, err)
		}
	}
	return publisher, nil
}

// EnsurePublisherKeys returns publisher with a usable keypair, generating one if missing
func (s *SignatureService) EnsurePublisherKeys(publisher *domain.Publisher) (*domain.Publisher, error) {
	if publisher.PrivateKeyPem != "" && publisher.PublicKeyPem != "" {
		return publisher, nil
	}
	return s.publisherKeys(s.urls.Actor(publisher.Name))
}
