package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/util"
)

const maxResponseBody = 16 << 10

// outgoingSigner signs a prepared request for a local actor
type outgoingSigner interface {
	SignOutgoing(ctx context.Context, req *http.Request, actorURI string) (SignatureFields, error)
}

// Transport performs signed activity POSTs to remote inboxes
type Transport struct {
	signer    outgoingSigner
	client    HTTPClient
	userAgent string
}

// NewTransport creates a Transport that identifies itself with localDomain
func NewTransport(signer outgoingSigner, client HTTPClient, localDomain string) *Transport {
	return &Transport{signer: signer, client: client, userAgent: util.UserAgent(localDomain)}
}

// DeliveryResponse is what an inbox answered
type DeliveryResponse struct {
	StatusCode int
	Body       string
}

// OK reports a 2xx answer
func (r DeliveryResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Post sends body to inboxURI signed as actorURI. A non-2xx answer is not an
// error; errors are reserved for requests that never got an answer.
func (t *Transport) Post(ctx context.Context, inboxURI, actorURI string, body []byte) (DeliveryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(body))
	if err != nil {
		return DeliveryResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Content-Type", ActivityJSONType)
	req.Header.Set("Accept", ActivityJSONType)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Digest", Digest(body))

	if _, err := t.signer.SignOutgoing(ctx, req, actorURI); err != nil {
		return DeliveryResponse{}, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return DeliveryResponse{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return DeliveryResponse{StatusCode: resp.StatusCode, Body: string(respBody)}, nil
}
