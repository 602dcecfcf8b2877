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
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// deviation messages that select the response status downstream
const (
	devNoRoute        = "No route for this request."
	devNoSuchRoute    = "No such route"
	devNotImplemented = "This request method is not implemented; please use PATCH, POST, GET, or DELETE"
	devAuthMissing    = "API requires valid authentication for this request, but none was found"
	devAuthInvalid    = "Invalid authentication, check token or API"
)

// Outcome is the result of validating a conforming request: everything the
// SQL synthesizer and the database adapter need.
type Outcome struct {
	Route       *Route
	QueryParams []CheckedParam // Q, in routing-document order
	BodyParams  []CheckedParam // P, in schema property order
	Preamble    string         // SET LOCAL statements derived from claims
	NeedsAuth   bool
}

// Validator checks requests against a tenant's routing document. One
// validator exists per tenant; the tenant's mutex serializes Validate with
// reloads of the document.
type Validator struct {
	mu sync.Mutex

	doc            *RoutingDoc
	tokenSecret    string
	setvarPrefix   string
	extendedSyntax bool
	logger         zerolog.Logger
}

// NewValidator creates a validator over the given routing document store.
func NewValidator(doc *RoutingDoc, tokenSecret, setvarPrefix string,
	extendedSyntax bool, logger zerolog.Logger) *Validator {
	return &Validator{
		doc:            doc,
		tokenSecret:    tokenSecret,
		setvarPrefix:   setvarPrefix,
		extendedSyntax: extendedSyntax,
		logger:         logger,
	}
}

// Lock acquires the validator for the validation + synthesis critical
// section. Callers must release before the database round-trip.
func (v *Validator) Lock()   { v.mu.Lock() }
func (v *Validator) Unlock() { v.mu.Unlock() }

// MarkDirty schedules a routing-document reload for the next request.
func (v *Validator) MarkDirty() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.doc.MarkDirty()
}

// Validate checks the request against the routing document and returns
// either an Outcome or a non-empty deviation describing every way the
// request fails to conform. The caller holds the validator lock.
func (v *Validator) Validate(req *Request) (*Outcome, string) {
	switch req.Method {
	case MethodGet, MethodPost, MethodPatch, MethodDelete:
	default:
		return nil, devNotImplemented
	}

	route, err := v.doc.Lookup(req.RouteKey(), req.Method.docKey())
	if err != nil {
		v.logger.Error().Err(err).Msg("routing document unavailable")
		return nil, devNoRoute
	}

	out := &Outcome{Route: route}

	// authentication first: an unauthenticated caller learns nothing about
	// parameter shapes
	if route != nil && route.NeedsAuth() {
		out.NeedsAuth = true
		req.VerifyClaims(v.tokenSecret)
		if !req.HasClaims() {
			return nil, devAuthMissing
		}
		preamble, dev := v.checkClaims(req, route)
		if dev != "" {
			return nil, dev
		}
		out.Preamble = preamble
	}

	if route == nil {
		return nil, devNoRoute
	}

	switch req.Method {
	case MethodGet, MethodDelete:
		q, problems := v.checkQuery(req, route)
		if problems != "" {
			return nil, problems
		}
		out.QueryParams = q

	case MethodPost:
		p, problems := v.checkBody(req, route)
		if problems != "" {
			return nil, problems
		}
		out.BodyParams = p

	case MethodPatch:
		q, qproblems := v.checkQuery(req, route)
		p, pproblems := v.checkBody(req, route)
		if qproblems != "" || pproblems != "" {
			return nil, qproblems + pproblems
		}
		out.QueryParams = q
		out.BodyParams = p

	default:
		return nil, devNotImplemented
	}

	return out, ""
}

// checkClaims enforces checkval equality and collects the SET LOCAL
// preamble, both in document order.
func (v *Validator) checkClaims(req *Request, route *Route) (string, string) {
	var preamble strings.Builder
	for _, rule := range route.Claims {
		val, ok := req.Claim(rule.Name)
		if rule.HasCheck {
			s, isStr := val.(string)
			if !ok || !isStr || s != rule.CheckVal {
				v.logger.Debug().Str("claim", rule.Name).Msg("claim check failed")
				return "", devAuthInvalid
			}
		}
		if rule.PgSetAs != "" && ok {
			if s := claimAsString(val); s != "" {
				fmt.Fprintf(&preamble, "SET LOCAL %s.%s='%s'; ",
					v.setvarPrefix, rule.PgSetAs, escapeLiteral(s))
			}
		}
	}
	return strings.TrimRight(preamble.String(), " "), ""
}

// checkQuery validates every query parameter the route declares.
func (v *Validator) checkQuery(req *Request, route *Route) ([]CheckedParam, string) {
	unchecked := make([]UncheckedParam, 0, len(route.Params))
	for _, par := range route.Params {
		raw, present := req.QueryParam(par.Name)
		unchecked = append(unchecked,
			validateQuery(par.Name, raw, par.Kind, present, par.Required, v.extendedSyntax))
	}
	return splitProblems(unchecked)
}

// checkBody validates every payload property of the dereferenced schema.
func (v *Validator) checkBody(req *Request, route *Route) ([]CheckedParam, string) {
	if !route.BodyOK {
		return nil, devNoSuchRoute
	}
	unchecked := make([]UncheckedParam, 0, len(route.BodyProps))
	for _, par := range route.BodyProps {
		val, present := req.PayloadParam(par.Name)
		unchecked = append(unchecked,
			validatePayload(par.Name, val, present, par.Kind, par.Required))
	}
	return splitProblems(unchecked)
}

// claimAsString renders a claim value for a session variable. Verified
// claims are strings, numbers or booleans; anything else is skipped.
func claimAsString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// escapeLiteral doubles single quotes for embedding in a SQL literal.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// deviationStatus maps a deviation to the HTTP status of its error
// response: unknown routes and unsupported methods are 404, everything else
// (parameter and authentication trouble) is 400.
func deviationStatus(dev string) int {
	switch dev {
	case devNoRoute, devNoSuchRoute, devNotImplemented:
		return 404
	}
	return 400
}
