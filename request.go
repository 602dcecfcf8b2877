/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package muscle

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

//------------------------------------------------------------------------------
// method

// Method is the request method after classification. SHUTDOWN and RELOAD are
// control-plane methods, reachable only from the local address.
type Method int

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPatch
	MethodDelete
	MethodShutdown
	MethodReload
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodPatch:
		return "PATCH"
	case MethodDelete:
		return "DELETE"
	case MethodShutdown:
		return "SHUTDOWN"
	case MethodReload:
		return "RELOAD"
	}
	return "UNKNOWN"
}

// docKey is the lowercased method name used for routing-document lookups.
func (m Method) docKey() string {
	return strings.ToLower(m.String())
}

const (
	shutdownURI = "pg_api_muscle:knockout"
	reloadURI   = "pg_api_muscle:reload"
)

//------------------------------------------------------------------------------
// request

// Request is one parsed client request. Query parameters and the JSON
// payload are parsed lazily and at most once.
type Request struct {
	Method      Method
	URL         string // path without leading slash and without query
	RawQuery    string
	ContentType string
	Bearer      string
	ClientIP    string
	LocalIP     string

	// Control is set for SHUTDOWN/RELOAD requests; it implies the client
	// address equals the local address.
	Control bool

	// ServicePrefix is stamped in by the dispatcher once the tenant is known.
	ServicePrefix string

	claims      map[string]any
	queryParams [][2]string
	queryParsed bool

	payloadRaw    string
	payload       gjson.Result
	payloadParsed bool

	prefix    string
	prefixSet bool
}

// ParseRequest splits a raw HTTP/1.1 request into a Request. The parser is
// deliberately minimal: first line `METHOD SP URI SP VERSION`, headers up to
// the blank line, payload in the last non-empty line.
//
// A DELETE for the shutdown or reload URI is classified as SHUTDOWN/RELOAD
// only when clientIP equals localIP; any other caller sees an ordinary
// DELETE (and, downstream, an ordinary not-found response).
func ParseRequest(raw []byte, clientIP, localIP string) *Request {
	s := string(raw)
	lines := strings.Split(s, "\n")
	firstLine := strings.TrimRight(lines[0], "\r")

	uri := requestURI(firstLine)
	path, rawQuery := splitURI(uri)

	req := &Request{
		Method:   parseMethod(firstLine),
		URL:      strings.TrimPrefix(path, "/"),
		RawQuery: rawQuery,
		ClientIP: clientIP,
		LocalIP:  localIP,
	}

	// headers and the trailing payload line
	var last string
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if ct, ok := strings.CutPrefix(line, "Content-Type: "); ok {
			req.ContentType = strings.TrimSpace(ct)
		}
		if tok, ok := strings.CutPrefix(line, "Authorization: Bearer "); ok {
			req.Bearer = strings.TrimSpace(tok)
		}
		if trimmed := strings.Trim(line, "\x00"); trimmed != "" {
			last = trimmed
		}
	}
	// the last non-empty line is the payload, unless it is a header leftover
	// of a body-less request
	if req.Method == MethodPost || req.Method == MethodPatch {
		req.payloadRaw = last
	}

	// control requests come only from the machine itself
	if req.Method == MethodShutdown || req.Method == MethodReload {
		if clientIP == localIP {
			req.Control = true
		} else {
			req.Method = MethodDelete
		}
	}

	return req
}

// requestURI extracts the URI from the request line, dropping the version.
func requestURI(firstLine string) string {
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// splitURI separates path from query string; fragments are dropped.
func splitURI(uri string) (path, rawQuery string) {
	if pos := strings.IndexByte(uri, '#'); pos >= 0 {
		uri = uri[:pos]
	}
	if pos := strings.IndexByte(uri, '?'); pos >= 0 {
		return uri[:pos], uri[pos+1:]
	}
	return uri, ""
}

func parseMethod(firstLine string) Method {
	lower := strings.ToLower(firstLine)
	if strings.HasPrefix(lower, "delete /"+shutdownURI) {
		return MethodShutdown
	}
	if strings.HasPrefix(lower, "delete /"+reloadURI) {
		return MethodReload
	}
	verb, _, _ := strings.Cut(lower, " ")
	switch verb {
	case "get":
		return MethodGet
	case "post":
		return MethodPost
	case "patch":
		return MethodPatch
	case "delete":
		return MethodDelete
	}
	return MethodUnknown
}

//------------------------------------------------------------------------------
// query parameters

// QueryParams returns the query parameters in request order. Parsing happens
// once; malformed pairs are skipped.
func (r *Request) QueryParams() [][2]string {
	if !r.queryParsed {
		r.queryParsed = true
		if r.RawQuery == "" {
			return nil
		}
		for _, pair := range strings.Split(r.RawQuery, "&") {
			if pair == "" {
				continue
			}
			name, value, _ := strings.Cut(pair, "=")
			n, err := url.QueryUnescape(name)
			if err != nil {
				continue
			}
			v, err := url.QueryUnescape(value)
			if err != nil {
				continue
			}
			r.queryParams = append(r.queryParams, [2]string{n, v})
		}
	}
	return r.queryParams
}

// QueryParam returns the value of the named query parameter.
func (r *Request) QueryParam(name string) (string, bool) {
	for _, p := range r.QueryParams() {
		if p[0] == name {
			return p[1], true
		}
	}
	return "", false
}

//------------------------------------------------------------------------------
// payload

// Payload returns the parsed JSON payload. An unparseable or absent payload
// yields a null result, never an error.
func (r *Request) Payload() gjson.Result {
	if !r.payloadParsed {
		r.payloadParsed = true
		if gjson.Valid(r.payloadRaw) {
			r.payload = gjson.Parse(r.payloadRaw)
		}
	}
	return r.payload
}

// PayloadParam returns the named top-level payload property.
func (r *Request) PayloadParam(name string) (gjson.Result, bool) {
	v := r.Payload().Get(name)
	return v, v.Exists()
}

// PayloadAbbrev returns up to 80 characters of the raw payload for logging.
func (r *Request) PayloadAbbrev() string {
	if len(r.payloadRaw) > 80 {
		return r.payloadRaw[:80]
	}
	return r.payloadRaw
}

//------------------------------------------------------------------------------
// tenant prefix and static/dynamic split

// Prefix returns the leading path segment, which selects the tenant.
func (r *Request) Prefix() string {
	if !r.prefixSet {
		r.prefixSet = true
		if pos := strings.IndexByte(r.URL, '/'); pos > 0 {
			r.prefix = r.URL[:pos]
		}
	}
	return r.prefix
}

// URLSansPrefix returns the path below the tenant prefix, without a leading
// slash.
func (r *Request) URLSansPrefix() string {
	p := r.Prefix()
	if p == "" {
		return ""
	}
	return r.URL[len(p)+1:]
}

// IsDynamic reports whether the request addresses the database rather than a
// static file. The dispatcher must have set ServicePrefix first.
func (r *Request) IsDynamic() bool {
	return r.ServicePrefix != "" && strings.HasPrefix(r.URLSansPrefix(), r.ServicePrefix)
}

// RouteKey is the path this request looks up in the tenant's routing
// document: the URL below the tenant prefix, with its leading slash, the way
// OpenAPI writes path keys.
func (r *Request) RouteKey() string {
	return "/" + r.URLSansPrefix()
}

// Fingerprint is the response-cache key: URL plus query string, fragment
// excluded. Requests carrying a bearer token get the token's hash folded
// in, so a cached response can never cross an authentication scope.
func (r *Request) Fingerprint() string {
	key := r.URL
	if r.RawQuery != "" {
		key += "?" + r.RawQuery
	}
	if r.Bearer != "" {
		key += "#" + strconv.FormatUint(xxhash.Sum64String(r.Bearer), 16)
	}
	return key
}

//------------------------------------------------------------------------------
// bearer claims

// VerifyClaims verifies the bearer token against the tenant's shared HS256
// secret and retains the claim set. Absent or unverifiable tokens leave the
// claims nil; the validator turns that into an authentication deviation when
// the route demands one.
func (r *Request) VerifyClaims(secret string) {
	r.claims = nil
	if r.Bearer == "" {
		return
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(r.Bearer, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return
	}
	r.claims = map[string]any(claims)
}

// HasClaims reports whether a verified claim set is attached.
func (r *Request) HasClaims() bool {
	return r.claims != nil
}

// Claim returns the named claim from the verified set.
func (r *Request) Claim(name string) (any, bool) {
	if r.claims == nil {
		return nil, false
	}
	v, ok := r.claims[name]
	return v, ok
}
