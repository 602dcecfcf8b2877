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
	"strings"
)

// This file turns a validated request into one parameterized SQL statement.
// Identifiers come exclusively from the routing document (operationId and
// parameter names); request-supplied data only ever travels as bind values.
// Placeholders are 1-based and contiguous; for PATCH the payload occupies
// $1..$|P| and the query criteria $|P|+1 onward.

// Statement is a synthesized SQL statement plus its bound values, in
// placeholder order.
type Statement struct {
	SQL    string
	Values []any

	// ExpectRows is false only for DELETE, which reports an affected-row
	// count instead of a JSON row.
	ExpectRows bool
}

// BuildStatement synthesizes the statement for a conforming request.
// querySyntax is the route's x-query-syntax-of-method: a POST with "GET"
// becomes a set-returning procedure call instead of an insert.
func BuildStatement(method Method, op, querySyntax string, body, query []CheckedParam) (Statement, error) {
	switch method {
	case MethodGet:
		if len(query) == 0 {
			return Statement{
				SQL:        fmt.Sprintf("select json_agg(t)::text from (select * from %s) t;", op),
				ExpectRows: true,
			}, nil
		}
		return Statement{
			SQL: fmt.Sprintf("select json_agg(t)::text from (select * from %s where %s) t;",
				op, whereClause(query, 0)),
			Values:     paramValues(query),
			ExpectRows: true,
		}, nil

	case MethodDelete:
		if len(query) == 0 {
			return Statement{SQL: fmt.Sprintf("delete from %s;", op)}, nil
		}
		return Statement{
			SQL:    fmt.Sprintf("delete from %s where %s;", op, whereClause(query, 0)),
			Values: paramValues(query),
		}, nil

	case MethodPost:
		if querySyntax == "GET" {
			// stored procedure with named-argument notation
			return Statement{
				SQL: fmt.Sprintf("select json_agg(t)::text from (select * from %s (%s)) t;",
					op, namedArgs(body)),
				Values:     paramValues(body),
				ExpectRows: true,
			}, nil
		}
		return Statement{
			SQL: fmt.Sprintf("insert into %s (%s) values (%s) returning row_to_json(%s.*)::text;",
				op, nameList(body), placeholders(len(body), 0), op),
			Values:     paramValues(body),
			ExpectRows: true,
		}, nil

	case MethodPatch:
		if len(query) == 0 {
			return Statement{
				SQL: fmt.Sprintf("update %s set %s returning row_to_json(%s.*)::text;",
					op, assignments(body, 0), op),
				Values:     paramValues(body),
				ExpectRows: true,
			}, nil
		}
		return Statement{
			SQL: fmt.Sprintf("update %s set %s where %s returning row_to_json(%s.*)::text;",
				op, assignments(body, 0), whereClause(query, len(body)), op),
			Values:     append(paramValues(body), paramValues(query)...),
			ExpectRows: true,
		}, nil
	}

	return Statement{}, fmt.Errorf("no SQL synthesis for method %s", method)
}

//------------------------------------------------------------------------------
// clause builders

// nameList: `"n1","n2",...`
func nameList(params []CheckedParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", p.Name)
	}
	return b.String()
}

// placeholders: `$base+1,$base+2,...,$base+n`
func placeholders(n, base int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	return b.String()
}

// assignments: `"n1"=$base+1,"n2"=$base+2,...`
func assignments(params []CheckedParam, base int) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q=$%d", p.Name, base+i+1)
	}
	return b.String()
}

// namedArgs: `"n1"=>$1,"n2"=>$2,...`
func namedArgs(params []CheckedParam) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q=>$%d", p.Name, i+1)
	}
	return b.String()
}

// whereClause: `"n1"<rel>$base+1 and "n2"<rel>$base+2 ...`
func whereClause(params []CheckedParam, base int) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%q%s$%d", p.Name, p.Relation.SQL(), base+i+1)
	}
	return b.String()
}

func paramValues(params []CheckedParam) []any {
	if len(params) == 0 {
		return nil
	}
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Value.Value()
	}
	return out
}
