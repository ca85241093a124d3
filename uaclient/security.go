// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaclient

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"slices"

	"github.com/gopcua/opcua/ua"

	publisher "github.com/edgeo-scada/publisher"
)

// selectEndpoint returns the endpoint with the highest security level that
// matches the requested policy and mode and accepts the requested identity
// token. It never falls back to a weaker endpoint or another token type.
func selectEndpoint(endpoints []*ua.EndpointDescription, d publisher.ConnectionDescriptor) (*ua.EndpointDescription, error) {
	policy := toUASecurityPolicy(d.SecurityPolicy)
	mode := toUASecurityMode(d.SecurityMode)
	token := toUATokenType(d.Credential.Type)

	candidates := make([]*ua.EndpointDescription, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep != nil && ep.SecurityPolicyURI == policy && ep.SecurityMode == mode {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no endpoint offers %s with mode %s",
			publisher.StatusBadConfigurationError, policy, mode)
	}

	slices.SortStableFunc(candidates, func(a, b *ua.EndpointDescription) int {
		return int(b.SecurityLevel) - int(a.SecurityLevel)
	})
	for _, ep := range candidates {
		if acceptsToken(ep, token) {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s endpoint with mode %s accepts %s identity tokens",
		publisher.StatusBadUserAccessDenied, policy, mode, d.Credential.Type)
}

func acceptsToken(ep *ua.EndpointDescription, t ua.UserTokenType) bool {
	for _, p := range ep.UserIdentityTokens {
		if p != nil && p.TokenType == t {
			return true
		}
	}
	return false
}

func toUATokenType(t publisher.UserTokenType) ua.UserTokenType {
	switch t {
	case publisher.UserTokenTypeUserName:
		return ua.UserTokenTypeUserName
	case publisher.UserTokenTypeCertificate:
		return ua.UserTokenTypeCertificate
	case publisher.UserTokenTypeIssuedToken:
		return ua.UserTokenTypeIssuedToken
	default:
		return ua.UserTokenTypeAnonymous
	}
}

// loadCertificate reads a DER or PEM encoded X.509 certificate and returns
// its DER bytes.
func loadCertificate(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	der := b
	if block, _ := pem.Decode(b); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("load certificate %s: unexpected PEM block %q", path, block.Type)
		}
		der = block.Bytes
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, fmt.Errorf("load certificate %s: %w", path, err)
	}
	return der, nil
}

// loadPrivateKey reads a DER or PEM encoded RSA key in PKCS #1 or PKCS #8 form.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	der := b
	if block, _ := pem.Decode(b); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("load private key %s: %w", path, err)
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("load private key %s: %T is not an RSA key", path, k)
	}
	return key, nil
}
