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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Tenant is one fully configured context: routing document + validator,
// connection pool, response cache and static-file root, all selected by the
// leading path segment of a request.
type Tenant struct {
	cfg       *ContextConfig
	validator *Validator
	db        *DBAdapter
	cache     *ResponseCache
	logger    zerolog.Logger
}

// NewTenant assembles a tenant from its configuration. The routing document
// is loaded eagerly so that schema mistakes (unknown types, bad pg_set_as
// identifiers, wrong OpenAPI version) surface at startup, not per request.
func NewTenant(ctx context.Context, cc *ContextConfig, logger zerolog.Logger) (*Tenant, error) {
	logger = logger.With().Str("context", cc.Prefix).Logger()

	doc := NewRoutingDoc(cc.APIConf, logger)
	if err := doc.Load(); err != nil {
		return nil, err
	}

	db, err := NewDBAdapter(ctx, cc, logger)
	if err != nil {
		return nil, err
	}

	return &Tenant{
		cfg:       cc,
		validator: NewValidator(doc, cc.TokenSecret, cc.SetvarPrefix, cc.UseExtendedSyntax, logger),
		db:        db,
		cache: NewResponseCache(time.Duration(cc.CacheLifespanS)*time.Second,
			cc.CacheSizeLimit, logger),
		logger: logger,
	}, nil
}

// Close releases the tenant's pool.
func (t *Tenant) Close() {
	t.db.Close()
	t.logger.Info().Msg("context connection pool closed")
}

// MarkDirty schedules a routing-document reload.
func (t *Tenant) MarkDirty() {
	t.validator.MarkDirty()
	t.logger.Info().Msg("routing document marked for reload")
}

// Handle serves one request addressed to this tenant. Static GETs bypass
// validator and database entirely; everything else is validated, translated
// to SQL and executed.
func (t *Tenant) Handle(ctx context.Context, req *Request) *Response {
	t.logger.Info().
		Str("method", req.Method.String()).
		Str("url", req.URL).
		Str("ip", req.ClientIP).
		Str("query", req.RawQuery).
		Str("payload", req.PayloadAbbrev()).
		Msg("handling request")

	if req.Method == MethodGet && !req.IsDynamic() {
		return t.serveStatic(req)
	}
	return t.serveDynamic(ctx, req)
}

//------------------------------------------------------------------------------
// dynamic requests

func (t *Tenant) serveDynamic(ctx context.Context, req *Request) *Response {
	// validation and SQL synthesis run under the validator lock; the
	// database round-trip must not
	t.validator.Lock()
	outcome, deviation := t.validator.Validate(req)
	var stmt Statement
	var synthErr error
	if deviation == "" {
		stmt, synthErr = BuildStatement(req.Method, outcome.Route.OperationID,
			outcome.Route.QuerySyntax, outcome.BodyParams, outcome.QueryParams)
	}
	t.validator.Unlock()

	if deviation != "" {
		t.logger.Error().Str("deviation", deviation).Str("url", req.URL).
			Msg("request deviates from api")
		return t.dynamicError(deviationStatus(deviation), deviation)
	}
	if synthErr != nil {
		t.logger.Error().Err(synthErr).Str("url", req.URL).Msg("statement synthesis failed")
		return t.dynamicError(404, synthErr.Error())
	}

	var auth *AuthEnv
	if outcome.NeedsAuth {
		auth = &AuthEnv{
			TokenName: t.cfg.TokenName,
			Bearer:    req.Bearer,
			Preamble:  outcome.Preamble,
		}
	}

	body, err := t.db.Exec(ctx, stmt, auth)
	if err != nil {
		t.logger.Error().Err(err).Str("url", req.URL).Msg("db failure")
		return t.dynamicError(400, fmt.Sprintf("Database could not complete the request: `%s`", driverMessage(err)))
	}
	return jsonResponse(body)
}

// dynamicError formats an error response, honouring the tenant's
// dynamic_err override: `default` passes the message through, a literal
// JSON object replaces the body, anything else is a file whose contents are
// returned.
func (t *Tenant) dynamicError(status int, message string) *Response {
	resp := errorResponse(status, message)
	de := t.cfg.DynamicErr
	if de == "default" || de == "" {
		return resp
	}
	if strings.HasPrefix(de, "{") {
		resp.Body = []byte(de)
		return resp
	}
	body, err := os.ReadFile(de)
	if err != nil {
		t.logger.Error().Str("file", de).
			Msg("configured dynamic error response file cannot be read, sending empty response")
		resp.Body = nil
		return resp
	}
	resp.Body = body
	return resp
}

//------------------------------------------------------------------------------
// static requests

// serveStatic serves a file below the tenant's static root. Directory-style
// URLs get the configured index file; misses fall back to the configured
// 404 page or a canned message.
func (t *Tenant) serveStatic(req *Request) *Response {
	rel := req.URLSansPrefix()
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += t.cfg.IndexFile
	}

	// keep the lookup inside the static root
	path := filepath.Join(t.cfg.StaticFilesFolder, filepath.FromSlash(rel))
	root := filepath.Clean(t.cfg.StaticFilesFolder) + string(filepath.Separator)
	if !strings.HasPrefix(path, root) {
		return t.staticNotFound()
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.logger.Debug().Str("path", path).Msg("static file not found")
		return t.staticNotFound()
	}
	return &Response{
		Status:      200,
		ContentType: staticContentType(rel),
		Body:        body,
		Static:      true,
	}
}

func (t *Tenant) staticNotFound() *Response {
	body := []byte("Sorry, requested ressource not found. ")
	if t.cfg.Static404Default != "none" && t.cfg.Static404Default != "" {
		if b, err := os.ReadFile(t.cfg.Static404Default); err == nil {
			body = b
		} else {
			t.logger.Error().Str("file", t.cfg.Static404Default).
				Msg("cannot read default static 404 file; check configuration file")
		}
	}
	return &Response{Status: 404, Body: body, Static: true}
}
