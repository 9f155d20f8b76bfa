// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"net/http"

	"github.com/Azure/go-ntlmssp"
)

// NTLMTransport wraps base with NTLM authentication, answering both NTLM
// and Negotiate challenges. Servers that only ask for Basic get Basic.
func NTLMTransport(base http.RoundTripper, creds Credentials) http.RoundTripper {
	return &ntlmTransport{
		negotiator: ntlmssp.Negotiator{RoundTripper: orDefault(base)},
		creds:      creds,
	}
}

type ntlmTransport struct {
	negotiator ntlmssp.Negotiator
	creds      Credentials
}

func (t *ntlmTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the negotiator reads the credentials from Basic auth and rewrites headers
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.creds.QualifiedUsername(), t.creds.Password)
	return t.negotiator.RoundTrip(r)
}
