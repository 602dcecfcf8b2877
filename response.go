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
	"encoding/json"
	"fmt"
	"strings"
)

const contentTypeJSON = "application/json;charset=UTF-8"

// Response is a to-be-framed HTTP response.
type Response struct {
	Status      int
	ContentType string // empty means: no Content-Type header
	Body        []byte
	Static      bool
}

func statusLine(code int) string {
	switch code {
	case 200:
		return "HTTP/1.1 200 OK"
	case 400:
		return "HTTP/1.1 400 BAD REQUEST"
	case 404:
		return "HTTP/1.1 404 NOT FOUND"
	}
	return "HTTP/1.1 500 INTERNAL SERVER ERROR"
}

// Frame renders the response into the bytes written to the stream. Dynamic
// responses carry the fixed JSON content type plus a permissive CORS
// header. Static responses get one extra newline between headers and body;
// some clients reject binary bodies without it.
func (r *Response) Frame() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\r\nContent-Length: %d\r\n", statusLine(r.Status), len(r.Body))
	if r.ContentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", r.ContentType)
	}
	if !r.Static {
		b.WriteString("Access-Control-Allow-Origin: *\r\n")
	}
	b.WriteString("\r\n")
	if r.Static {
		b.WriteByte('\n')
	}
	out := make([]byte, 0, b.Len()+len(r.Body))
	out = append(out, b.String()...)
	return append(out, r.Body...)
}

// jsonResponse is a dynamic 200 carrying a database result.
func jsonResponse(body string) *Response {
	return &Response{Status: 200, ContentType: contentTypeJSON, Body: []byte(body)}
}

// errorResponse is a dynamic error with the standard message/hint body.
func errorResponse(status int, message string) *Response {
	return &Response{Status: status, ContentType: contentTypeJSON, Body: errorBody(message)}
}

func errorBody(message string) []byte {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
		Hint    string `json:"hint"`
	}{Message: message, Hint: "No hint"})
	return body
}

// notFoundResponse is the canned response for requests outside any tenant.
func notFoundResponse() *Response {
	return &Response{
		Status:      404,
		ContentType: "text/html;charset=UTF-8",
		Body:        []byte("<html><body>Not found</body></html>"),
		Static:      true,
	}
}

// staticContentType is the trivial extension-to-mime map for static assets.
func staticContentType(url string) string {
	if strings.HasSuffix(url, ".png") {
		return "image/png"
	}
	return ""
}
