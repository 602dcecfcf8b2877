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
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"
)

//------------------------------------------------------------------------------
// typed projection of the routing document

// RouteParam is one declared parameter of a route.
type RouteParam struct {
	Name     string
	Required bool
	Kind     ParamKind
	In       string // query or path; body for payload properties
}

// ClaimRule is one x-claim-custom entry: either a value the claim must carry
// (CheckVal) or a session variable the claim is forwarded into (PgSetAs), or
// both.
type ClaimRule struct {
	Name     string
	CheckVal string
	HasCheck bool
	PgSetAs  string
}

// Route is the projection of one `paths.<url>.<method>` subtree.
type Route struct {
	Path        string
	Method      string
	OperationID string
	Params      []RouteParam

	// BodyProps holds the dereferenced payload schema in document order.
	// BodyOK is false when the route has no usable requestBody ($ref,
	// properties or required missing), which renders POST/PATCH unroutable.
	BodyProps []RouteParam
	BodyOK    bool

	QuerySyntax string // x-query-syntax-of-method
	AuthMethod  string // x-auth-method
	Claims      []ClaimRule
}

// NeedsAuth reports whether the route demands a verified bearer.
func (r *Route) NeedsAuth() bool {
	return r.AuthMethod == "forward_jwt_bearer"
}

//------------------------------------------------------------------------------
// routing document store

var rxSetvarName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

var docMethods = []string{"get", "post", "patch", "delete"}

// RoutingDoc loads an OpenAPI document (JSON, or YAML converted at load) and
// projects the subset this gateway honours into typed routes. The document
// is loaded lazily and re-loaded after MarkDirty. Callers serialize access
// through the tenant's validator lock.
type RoutingDoc struct {
	path   string
	logger zerolog.Logger
	routes map[string]*Route
	loaded bool
}

// NewRoutingDoc creates a store for the document at path. Nothing is read
// until the first Load or Lookup.
func NewRoutingDoc(path string, logger zerolog.Logger) *RoutingDoc {
	return &RoutingDoc{path: path, logger: logger}
}

// MarkDirty forces a re-read on the next Lookup.
func (d *RoutingDoc) MarkDirty() {
	d.loaded = false
}

// Load reads and projects the document if it is not already loaded.
func (d *RoutingDoc) Load() error {
	if d.loaded {
		return nil
	}
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("cannot read routing document %q: %w", d.path, err)
	}
	if strings.HasSuffix(d.path, ".yaml") || strings.HasSuffix(d.path, ".yml") {
		if raw, err = yaml.YAMLToJSON(raw); err != nil {
			return fmt.Errorf("cannot convert routing document %q to JSON: %w", d.path, err)
		}
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("routing document %q is not valid JSON", d.path)
	}
	doc := gjson.ParseBytes(raw)

	if err := checkDocVersion(doc); err != nil {
		return fmt.Errorf("routing document %q: %w", d.path, err)
	}

	routes := make(map[string]*Route)
	var projErr error
	doc.Get("paths").ForEach(func(path, methods gjson.Result) bool {
		for _, m := range docMethods {
			sub := methods.Get(m)
			if !sub.Exists() {
				continue
			}
			rt, err := projectRoute(doc, path.String(), m, sub)
			if err != nil {
				projErr = err
				return false
			}
			routes[path.String()+"#"+m] = rt
		}
		return true
	})
	if projErr != nil {
		return fmt.Errorf("routing document %q: %w", d.path, projErr)
	}

	d.routes = routes
	d.loaded = true
	d.logger.Info().Str("document", d.path).Int("routes", len(routes)).
		Msg("routing document loaded")
	return nil
}

// Lookup returns the route for url (an OpenAPI path key, with leading slash)
// and lowercased method, or nil if the document does not define it.
func (d *RoutingDoc) Lookup(url, method string) (*Route, error) {
	if err := d.Load(); err != nil {
		return nil, err
	}
	return d.routes[url+"#"+method], nil
}

// checkDocVersion gates on the document's `openapi` field: it must be semver
// with major version 3.
func checkDocVersion(doc gjson.Result) error {
	ver := doc.Get("openapi").String()
	if ver == "" {
		return fmt.Errorf("missing `openapi` version field")
	}
	if !semver.IsValid("v" + ver) {
		return fmt.Errorf("invalid `openapi` version %q", ver)
	}
	if semver.Major("v"+ver) != "v3" {
		return fmt.Errorf("unsupported `openapi` version %q, need 3.x", ver)
	}
	return nil
}

func projectRoute(doc gjson.Result, path, method string, sub gjson.Result) (*Route, error) {
	rt := &Route{
		Path:        path,
		Method:      method,
		OperationID: sub.Get("operationId").String(),
		QuerySyntax: sub.Get("x-query-syntax-of-method").String(),
		AuthMethod:  sub.Get("x-auth-method").String(),
	}

	// parameters
	var paramErr error
	sub.Get("parameters").ForEach(func(_, p gjson.Result) bool {
		typ := p.Get("schema.type").String()
		kind, ok := ParseParamKind(typ)
		if !ok {
			paramErr = fmt.Errorf("path %q method %q: parameter %q has unknown type %q",
				path, method, p.Get("name").String(), typ)
			return false
		}
		rt.Params = append(rt.Params, RouteParam{
			Name:     p.Get("name").String(),
			Required: p.Get("required").Bool(),
			Kind:     kind,
			In:       p.Get("in").String(),
		})
		return true
	})
	if paramErr != nil {
		return nil, paramErr
	}

	// payload schema via $ref
	if err := projectBody(doc, sub, rt); err != nil {
		return nil, err
	}

	// x-claim-custom
	sub.Get("x-claim-custom").ForEach(func(_, c gjson.Result) bool {
		rule := ClaimRule{
			Name:    c.Get("name").String(),
			PgSetAs: c.Get("pg_set_as").String(),
		}
		if cv := c.Get("checkval"); cv.Exists() {
			rule.CheckVal = cv.String()
			rule.HasCheck = true
		}
		rt.Claims = append(rt.Claims, rule)
		return true
	})
	for _, rule := range rt.Claims {
		// this name is concatenated into a SET LOCAL statement, so it is
		// the one place a document string reaches SQL as an identifier
		if rule.PgSetAs != "" && !rxSetvarName.MatchString(rule.PgSetAs) {
			return nil, fmt.Errorf("path %q method %q: pg_set_as %q is not a valid identifier",
				path, method, rule.PgSetAs)
		}
	}

	return rt, nil
}

// projectBody dereferences requestBody.content.application/json.schema.$ref
// and pulls the flat properties plus the required list. A route without all
// three stays BodyOK=false and cannot serve POST or PATCH.
func projectBody(doc gjson.Result, sub gjson.Result, rt *Route) error {
	ref := sub.Get(`requestBody.content.application/json.schema.$ref`).String()
	if ref == "" {
		return nil
	}
	if !strings.HasPrefix(ref, "#/") {
		return fmt.Errorf("path %q method %q: $ref %q is not a local pointer", rt.Path, rt.Method, ref)
	}
	target := refToPath(ref)

	props := doc.Get(target + ".properties")
	required := doc.Get(target + ".required")
	if !props.Exists() || !required.IsArray() {
		return nil
	}
	requiredSet := make(map[string]bool)
	required.ForEach(func(_, v gjson.Result) bool {
		requiredSet[v.String()] = true
		return true
	})

	var propErr error
	props.ForEach(func(name, p gjson.Result) bool {
		typ := p.Get("type").String()
		kind, ok := ParseParamKind(typ)
		if !ok {
			propErr = fmt.Errorf("schema %q: property %q has unknown type %q", ref, name.String(), typ)
			return false
		}
		rt.BodyProps = append(rt.BodyProps, RouteParam{
			Name:     name.String(),
			Required: requiredSet[name.String()],
			Kind:     kind,
			In:       "body",
		})
		return true
	})
	if propErr != nil {
		return propErr
	}

	rt.BodyOK = true
	return nil
}

// refToPath converts a local JSON pointer (#/components/schemas/x) to a
// gjson path, escaping path-syntax characters in the segments.
func refToPath(ref string) string {
	segs := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	for i, s := range segs {
		s = strings.ReplaceAll(s, "\\", "\\\\")
		s = strings.ReplaceAll(s, ".", "\\.")
		s = strings.ReplaceAll(s, "*", "\\*")
		s = strings.ReplaceAll(s, "?", "\\?")
		segs[i] = s
	}
	return strings.Join(segs, ".")
}
