package credentials

import (
	"net/http"
)

// bearerTransport injects the client's current token into every request.
// It holds the Client, so the slot stays live while the transport is used.
type bearerTransport struct {
	client *Client
	base   http.RoundTripper
}

// Transport wraps base so requests carry "Authorization: Bearer <token>".
// A nil base uses http.DefaultTransport.
func (c *Client) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &bearerTransport{client: c, base: base}
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.client.Token()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+tok)
	return t.base.RoundTrip(r)
}
