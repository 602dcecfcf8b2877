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

// Package muscle implements pg-api-muscle, a programmable HTTP/HTTPS
// gateway that turns authenticated REST-style calls into parameterized SQL
// on PostgreSQL. Clients describe their endpoints in an OpenAPI document
// whose operationId fields name database relations or procedures; the
// gateway validates each request against that document, synthesizes the
// matching SELECT/INSERT/UPDATE/DELETE or procedure call, executes it on a
// pooled connection and returns the database's JSON.
//
// A single gateway serves multiple isolated contexts (tenants), selected by
// the leading path segment of the request URL. Each context owns its own
// routing document, database pool, bearer-token secret, response cache and
// static-file root.
package muscle
