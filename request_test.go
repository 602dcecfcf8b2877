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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestParseRequestGet(t *testing.T) {
	r := require.New(t)

	raw := "GET /shop/api/items?id=4&name=Ham%20Sandwich HTTP/1.1\r\n" +
		"Host: localhost\r\n" +
		"Content-Type: application/json\r\n" +
		"Authorization: Bearer abc.def.ghi\r\n" +
		"\r\n"
	req := ParseRequest([]byte(raw), "10.0.0.5", "127.0.0.1")

	r.Equal(MethodGet, req.Method)
	r.Equal("shop/api/items", req.URL)
	r.Equal("id=4&name=Ham%20Sandwich", req.RawQuery)
	r.Equal("application/json", req.ContentType)
	r.Equal("abc.def.ghi", req.Bearer)
	r.False(req.Control)

	// query parameters keep request order and are URL-decoded
	qp := req.QueryParams()
	r.Len(qp, 2)
	r.Equal([2]string{"id", "4"}, qp[0])
	r.Equal([2]string{"name", "Ham Sandwich"}, qp[1])

	v, ok := req.QueryParam("id")
	r.True(ok)
	r.Equal("4", v)
	_, ok = req.QueryParam("nope")
	r.False(ok)

	// tenant prefix and path below it
	r.Equal("shop", req.Prefix())
	r.Equal("api/items", req.URLSansPrefix())
	req.ServicePrefix = "api"
	r.True(req.IsDynamic())
	r.Equal("/api/items", req.RouteKey())
}

func TestParseRequestPost(t *testing.T) {
	r := require.New(t)

	raw := "POST /shop/api/student_note HTTP/1.1\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" +
		`{"student_id":7,"note":"ok"}`
	req := ParseRequest([]byte(raw), "10.0.0.5", "127.0.0.1")

	r.Equal(MethodPost, req.Method)
	v, ok := req.PayloadParam("student_id")
	r.True(ok)
	r.Equal(int64(7), v.Int())
	v, ok = req.PayloadParam("note")
	r.True(ok)
	r.Equal("ok", v.String())
	_, ok = req.PayloadParam("absent")
	r.False(ok)
}

func TestParseRequestStatic(t *testing.T) {
	r := require.New(t)

	req := ParseRequest([]byte("GET /shop/img/logo.png HTTP/1.1\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	req.ServicePrefix = "api"
	r.False(req.IsDynamic())
}

func TestParseRequestControl(t *testing.T) {
	r := require.New(t)

	// from the local address: classified as control
	req := ParseRequest([]byte("DELETE /pg_api_muscle:knockout HTTP/1.1\r\n\r\n"),
		"127.0.0.1", "127.0.0.1")
	r.Equal(MethodShutdown, req.Method)
	r.True(req.Control)

	req = ParseRequest([]byte("DELETE /pg_api_muscle:reload HTTP/1.1\r\n\r\n"),
		"127.0.0.1", "127.0.0.1")
	r.Equal(MethodReload, req.Method)
	r.True(req.Control)

	// from anywhere else: an ordinary DELETE, headed for a 404
	req = ParseRequest([]byte("DELETE /pg_api_muscle:knockout HTTP/1.1\r\n\r\n"),
		"10.1.2.3", "127.0.0.1")
	r.Equal(MethodDelete, req.Method)
	r.False(req.Control)
	r.Equal("", req.Prefix())
}

func TestParseRequestUnknownMethod(t *testing.T) {
	r := require.New(t)

	req := ParseRequest([]byte("BREW /shop/api/coffee HTTP/1.1\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	r.Equal(MethodUnknown, req.Method)
}

func TestFingerprint(t *testing.T) {
	r := require.New(t)

	req := ParseRequest([]byte("GET /shop/api/items?id=4 HTTP/1.1\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	r.Equal("shop/api/items?id=4", req.Fingerprint())

	// a bearer scopes the fingerprint so cached responses cannot cross
	// authentication boundaries
	authed := ParseRequest([]byte("GET /shop/api/items?id=4 HTTP/1.1\r\n"+
		"Authorization: Bearer tok1\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	r.NotEqual(req.Fingerprint(), authed.Fingerprint())

	other := ParseRequest([]byte("GET /shop/api/items?id=4 HTTP/1.1\r\n"+
		"Authorization: Bearer tok2\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	r.NotEqual(authed.Fingerprint(), other.Fingerprint())
}

func signToken(r *require.Assertions, secret string, claims jwt.MapClaims) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	r.Nil(err)
	return tok
}

func TestVerifyClaims(t *testing.T) {
	r := require.New(t)

	secret := "5JkCkNsRw7Iww16OILugtNso8UCzXluo"
	tok := signToken(r, secret, jwt.MapClaims{
		"role": "sf_editor",
		"uid":  float64(17),
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	req := ParseRequest([]byte("GET /shop/api/items HTTP/1.1\r\n"+
		"Authorization: Bearer "+tok+"\r\n\r\n"), "1.2.3.4", "127.0.0.1")

	req.VerifyClaims(secret)
	r.True(req.HasClaims())
	role, ok := req.Claim("role")
	r.True(ok)
	r.Equal("sf_editor", role)

	// wrong secret: no claims
	req.VerifyClaims("some-other-secret")
	r.False(req.HasClaims())

	// expired token: no claims
	expired := signToken(r, secret, jwt.MapClaims{
		"role": "sf_editor",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	req2 := ParseRequest([]byte("GET /x/y HTTP/1.1\r\n"+
		"Authorization: Bearer "+expired+"\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	req2.VerifyClaims(secret)
	r.False(req2.HasClaims())

	// no bearer at all
	req3 := ParseRequest([]byte("GET /x/y HTTP/1.1\r\n\r\n"), "1.2.3.4", "127.0.0.1")
	req3.VerifyClaims(secret)
	r.False(req3.HasClaims())
}
