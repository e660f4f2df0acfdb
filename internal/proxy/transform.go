package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/router"
)

// forwardableHeaders is the fixed set of inbound headers that survive the
// hop to the upstream. Everything else, notably Authorization, Cookie and
// x-goog-api-key, is dropped so client identity never leaks upstream.
var forwardableHeaders = map[string]bool{
	"content-type":        true,
	"accept":              true,
	"accept-encoding":     true,
	"accept-language":     true,
	"user-agent":          true,
	"x-goog-user-project": true,
}

// buildUpstreamRequest produces the outgoing request for one attempt. It is
// a pure transformation: calling it twice with the same inputs yields the
// same request, so a retry never sees residue from the previous attempt.
func buildUpstreamRequest(
	ctx context.Context,
	route router.Route,
	cred *credential.Credential,
	bearer string,
	base string,
	method, path, rawQuery string,
	inbound http.Header,
	body []byte,
) (*http.Request, error) {
	upstreamPath := path
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}
	// Clients sometimes send their own key; it must never reach upstream.
	query.Del("key")

	switch route.Provider {
	case credential.ProviderVertex:
		upstreamPath = router.SubstituteProject(path, cred.ProjectID)
	case credential.ProviderGemini:
		query.Set("key", cred.APIKey)
	}

	u := base + upstreamPath
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	var reader *bytes.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(body))

	for name, values := range inbound {
		if !forwardableHeaders[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	if route.Provider == credential.ProviderVertex {
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("X-Goog-User-Project", cred.ProjectID)
	}
	return req, nil
}
