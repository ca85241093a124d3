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

package publisher

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DiagnosticsLevel selects how much diagnostic information is requested from a server.
type DiagnosticsLevel uint8

// Diagnostics levels.
const (
	DiagnosticsNone DiagnosticsLevel = iota
	DiagnosticsStatus
	DiagnosticsOperation
	DiagnosticsVerbose
)

// String returns the string representation of a DiagnosticsLevel.
func (d DiagnosticsLevel) String() string {
	switch d {
	case DiagnosticsNone:
		return "None"
	case DiagnosticsStatus:
		return "Status"
	case DiagnosticsOperation:
		return "Operation"
	case DiagnosticsVerbose:
		return "Verbose"
	default:
		return "Unknown"
	}
}

// ReturnDiagnostics returns the request header ReturnDiagnostics mask for the level.
func (d DiagnosticsLevel) ReturnDiagnostics() uint32 {
	switch d {
	case DiagnosticsStatus:
		return 0x0004 | 0x0080
	case DiagnosticsOperation:
		return 0x0004 | 0x0008 | 0x0010 | 0x0020
	case DiagnosticsVerbose:
		return 0x03FF
	default:
		return 0
	}
}

// Credential describes the user identity presented when activating a session.
type Credential struct {
	Type            UserTokenType
	Username        string
	Password        string
	CertificateFile string
	PrivateKeyFile  string
}

// ConnectionDescriptor describes an endpoint connection.
type ConnectionDescriptor struct {
	EndpointURL     string
	AlternativeURLs []string
	SecurityMode    MessageSecurityMode
	SecurityPolicy  SecurityPolicy
	Credential      Credential
	Diagnostics     DiagnosticsLevel
}

// ConnectionKey is the immutable identity of a connection descriptor.
//
// Keys are comparable and can be used directly as map keys. Two keys built
// from descriptors that differ only in URL case, a trailing slash or the order
// of alternative URLs are equal and carry the same hash.
type ConnectionKey struct {
	endpoint   string
	alternates string // sorted, newline separated
	mode       MessageSecurityMode
	policy     SecurityPolicy
	credType   UserTokenType
	username   string
	password   string
	certFile   string
	keyFile    string
	diag       DiagnosticsLevel
	hash       uint64
}

// NewConnectionKey normalizes and copies the descriptor into a key.
func NewConnectionKey(d ConnectionDescriptor) (ConnectionKey, error) {
	endpoint, err := normalizeEndpoint(d.EndpointURL)
	if err != nil {
		return ConnectionKey{}, err
	}

	seen := make(map[string]struct{}, len(d.AlternativeURLs))
	alts := make([]string, 0, len(d.AlternativeURLs))
	for _, u := range d.AlternativeURLs {
		n, err := normalizeEndpoint(u)
		if err != nil {
			return ConnectionKey{}, err
		}
		if n == endpoint {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		alts = append(alts, n)
	}
	sort.Strings(alts)

	mode := d.SecurityMode
	if mode == MessageSecurityModeInvalid {
		mode = MessageSecurityModeNone
	}
	policy := d.SecurityPolicy
	if policy == "" {
		policy = SecurityPolicyNone
	}

	k := ConnectionKey{
		endpoint:   endpoint,
		alternates: strings.Join(alts, "\n"),
		mode:       mode,
		policy:     policy,
		credType:   d.Credential.Type,
		username:   d.Credential.Username,
		password:   d.Credential.Password,
		certFile:   d.Credential.CertificateFile,
		keyFile:    d.Credential.PrivateKeyFile,
		diag:       d.Diagnostics,
	}
	k.hash = k.computeHash()
	return k, nil
}

// MustConnectionKey is like NewConnectionKey but panics on error.
func MustConnectionKey(d ConnectionDescriptor) ConnectionKey {
	k, err := NewConnectionKey(d)
	if err != nil {
		panic(err)
	}
	return k
}

func normalizeEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty endpoint url", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not an absolute url", ErrInvalidEndpoint, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String(), nil
}

func (k ConnectionKey) computeHash() uint64 {
	e := newCanonicalEncoder()
	e.WriteString(k.endpoint)
	e.WriteString(k.alternates)
	e.WriteUInt32(uint32(k.mode))
	e.WriteString(string(k.policy))
	e.WriteUInt32(uint32(k.credType))
	e.WriteString(k.username)
	e.WriteString(k.password)
	e.WriteString(k.certFile)
	e.WriteString(k.keyFile)
	e.WriteUInt8(byte(k.diag))
	return e.Sum64()
}

// IsZero reports whether the key was never initialized.
func (k ConnectionKey) IsZero() bool {
	return k.endpoint == ""
}

// Hash returns the precomputed hash of the key.
func (k ConnectionKey) Hash() uint64 {
	return k.hash
}

// EndpointURL returns the normalized endpoint url.
func (k ConnectionKey) EndpointURL() string {
	return k.endpoint
}

// Descriptor returns a copy of the normalized descriptor.
func (k ConnectionKey) Descriptor() ConnectionDescriptor {
	var alts []string
	if k.alternates != "" {
		alts = strings.Split(k.alternates, "\n")
	}
	return ConnectionDescriptor{
		EndpointURL:     k.endpoint,
		AlternativeURLs: alts,
		SecurityMode:    k.mode,
		SecurityPolicy:  k.policy,
		Credential: Credential{
			Type:            k.credType,
			Username:        k.username,
			Password:        k.password,
			CertificateFile: k.certFile,
			PrivateKeyFile:  k.keyFile,
		},
		Diagnostics: k.diag,
	}
}

// Equal reports whether both keys describe the same connection.
func (k ConnectionKey) Equal(o ConnectionKey) bool {
	return k.hash == o.hash && k == o
}

// EqualString reports whether s is the rendered form of the key.
func (k ConnectionKey) EqualString(s string) bool {
	return s == k.String()
}

// String renders the canonical connection identifier. Secrets never appear in
// the output; they are folded into the trailing hash.
func (k ConnectionKey) String() string {
	if k.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(k.endpoint)
	b.WriteByte('_')
	b.WriteString(k.mode.String())
	b.WriteByte('_')
	b.WriteString(policyName(k.policy))
	b.WriteByte('_')
	b.WriteString(k.credType.String())
	if k.username != "" {
		b.WriteByte(':')
		b.WriteString(k.username)
	}
	fmt.Fprintf(&b, "_%016x", k.hash)
	return b.String()
}

func policyName(p SecurityPolicy) string {
	s := string(p)
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		return s[i+1:]
	}
	return s
}
