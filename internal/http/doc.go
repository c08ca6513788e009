// Package http provides the authenticated client used to pull report
// extracts from the report server.
//
// This package handles:
//   - NTLM negotiation (with basic-auth fallback) via go-ntlmssp
//   - Per-request credential lookup from a [CredentialSource]
//   - Browser-like User-Agent and keep-alive headers
//   - Classification of non-2xx responses into sentinel errors
//
// Retrying is left to the caller so that the backoff policy can tell
// permanent failures (401) from transient ones (5xx, transport errors).
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions(), creds)
//
//	resp, err := client.Get(ctx, url)
//	if errors.Is(err, http.ErrUnauthorized) {
//	    // fix credentials, do not retry
//	}
//	defer resp.Body.Close()
package http
