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

	"github.com/tidwall/gjson"
)

//------------------------------------------------------------------------------
// relations

// Relation is the comparison operator a query parameter requests via the
// extended value syntax (`salary=gt.1000`). Plain parameters always compare
// with Equal.
type Relation int

const (
	RelUnknown Relation = iota
	RelEqual
	RelNotEqual
	RelLess
	RelLessOrEqual
	RelGreater
	RelGreaterOrEqual
	RelLike
	RelIn
)

var relTokens = map[string]Relation{
	"eq":   RelEqual,
	"ne":   RelNotEqual,
	"lt":   RelLess,
	"le":   RelLessOrEqual,
	"gt":   RelGreater,
	"ge":   RelGreaterOrEqual,
	"like": RelLike,
	"in":   RelIn,
}

// ParseRelation maps an extended-syntax token to its Relation. Unrecognized
// tokens map to RelUnknown.
func ParseRelation(tok string) Relation {
	if r, ok := relTokens[tok]; ok {
		return r
	}
	return RelUnknown
}

// SQL returns the operator as it appears in a where-clause.
func (r Relation) SQL() string {
	switch r {
	case RelEqual:
		return "="
	case RelNotEqual:
		return "!="
	case RelLess:
		return "<"
	case RelLessOrEqual:
		return "<="
	case RelGreater:
		return ">"
	case RelGreaterOrEqual:
		return ">="
	case RelLike:
		return " LIKE "
	case RelIn:
		return " IN "
	}
	return ""
}

//------------------------------------------------------------------------------
// typed values

// ParamKind is the closed set of value types a routing document may declare
// for a parameter.
type ParamKind int

const (
	KindText ParamKind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindDate
	KindBool
)

var kindNames = map[string]ParamKind{
	"string":  KindText,
	"integer": KindInt32,
	"bigint":  KindInt64,
	"number":  KindFloat64,
	"boolean": KindBool,
}

// ParseParamKind resolves a routing-document `type` string. The second
// return is false for types outside the supported set.
func ParseParamKind(s string) (ParamKind, bool) {
	k, ok := kindNames[strings.ToLower(s)]
	return k, ok
}

func (k ParamKind) String() string {
	switch k {
	case KindText:
		return "string"
	case KindInt32:
		return "integer"
	case KindInt64:
		return "bigint"
	case KindFloat64:
		return "number"
	case KindDate:
		return "date"
	case KindBool:
		return "boolean"
	}
	return "unknown"
}

// ParamValue is one typed parameter value on its way to the database.
// Exactly one of the value fields is meaningful, selected by Kind.
type ParamValue struct {
	Kind ParamKind
	I32  int32
	I64  int64
	F64  float64
	S    string
	B    bool
}

func TextVal(s string) ParamValue    { return ParamValue{Kind: KindText, S: s} }
func DateVal(s string) ParamValue    { return ParamValue{Kind: KindDate, S: s} }
func Int32Val(i int32) ParamValue    { return ParamValue{Kind: KindInt32, I32: i} }
func Int64Val(i int64) ParamValue    { return ParamValue{Kind: KindInt64, I64: i} }
func Float64Val(f float64) ParamValue { return ParamValue{Kind: KindFloat64, F64: f} }
func BoolVal(b bool) ParamValue      { return ParamValue{Kind: KindBool, B: b} }

// Value returns the native Go value for binding as a statement argument.
func (v ParamValue) Value() any {
	switch v.Kind {
	case KindInt32:
		return v.I32
	case KindInt64:
		return v.I64
	case KindFloat64:
		return v.F64
	case KindBool:
		return v.B
	}
	return v.S
}

//------------------------------------------------------------------------------
// checked / unchecked parameters

// superfluousParam marks a parameter that the routing document knows but the
// request did not supply, and that was not required: not an error, just
// omitted from the statement.
const superfluousParam = "superfluous_parm_not_present"

// CheckedParam is a parameter that passed validation and may appear in SQL.
type CheckedParam struct {
	Name     string
	Relation Relation
	Value    ParamValue
}

// UncheckedParam is the raw outcome of validating one parameter. A non-empty
// Problem (other than the superfluous marker) bars the value from SQL.
type UncheckedParam struct {
	Name     string
	Relation Relation
	Value    ParamValue
	Problem  string
	Extended bool
}

// Conforms reports whether this parameter validated cleanly.
func (p UncheckedParam) Conforms() bool {
	return p.Problem == ""
}

func errMissingParam(name string) UncheckedParam {
	return UncheckedParam{
		Problem: fmt.Sprintf("parameter %q is obligatory according to api, but missing from the request", name),
	}
}

func errUnknownRelation(name, value string) UncheckedParam {
	return UncheckedParam{
		Problem: fmt.Sprintf("parameter %q is handed over as \"extended,\" but value %q does not contain a "+
			"recognizable relation. (Extended parameters have values such as eq.7 for \"equals 7\")", name, value),
		Extended: true,
	}
}

func errWrongType(name string, kind ParamKind, value string) UncheckedParam {
	return UncheckedParam{
		Problem: fmt.Sprintf("parameter %q is expected to be of type %q, but its value %q is not.",
			name, kind.String(), value),
	}
}

//------------------------------------------------------------------------------
// query parameter validation

// typecheckScalar parses a raw query value per the expected kind.
func typecheckScalar(name, raw string, kind ParamKind) UncheckedParam {
	switch kind {
	case KindText, KindDate:
		return UncheckedParam{Name: name, Relation: RelEqual, Value: TextVal(raw)}
	case KindInt32:
		i, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return errWrongType(name, kind, raw)
		}
		return UncheckedParam{Name: name, Relation: RelEqual, Value: Int32Val(int32(i))}
	case KindInt64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return errWrongType(name, kind, raw)
		}
		return UncheckedParam{Name: name, Relation: RelEqual, Value: Int64Val(i)}
	case KindFloat64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return errWrongType(name, kind, raw)
		}
		return UncheckedParam{Name: name, Relation: RelEqual, Value: Float64Val(f)}
	case KindBool:
		// only the literals, not 1/0/t/f
		if raw == "true" {
			return UncheckedParam{Name: name, Relation: RelEqual, Value: BoolVal(true)}
		} else if raw == "false" {
			return UncheckedParam{Name: name, Relation: RelEqual, Value: BoolVal(false)}
		}
		return errWrongType(name, kind, raw)
	}
	return errWrongType(name, kind, raw)
}

// validateQuery checks one query parameter against its routing-document
// declaration. present is false when the request did not carry the parameter
// at all. With extended syntax the raw value must lead with a relation token
// (`eq.`, `lt.`, ...); without it the relation is always Equal.
func validateQuery(name, raw string, kind ParamKind, present, required, extended bool) UncheckedParam {
	if !present {
		if required {
			return errMissingParam(name)
		}
		return UncheckedParam{Problem: superfluousParam}
	}

	if !extended {
		return typecheckScalar(name, raw, kind)
	}

	pos := strings.IndexByte(raw, '.')
	if pos < 0 {
		return errUnknownRelation(name, raw)
	}
	rel := ParseRelation(raw[:pos])
	if rel == RelUnknown {
		return errUnknownRelation(name, raw)
	}
	out := typecheckScalar(name, raw[pos+1:], kind)
	out.Extended = true
	if out.Conforms() {
		out.Relation = rel
	}
	return out
}

//------------------------------------------------------------------------------
// payload parameter validation

// validatePayload checks one JSON payload property against its schema
// declaration. present is false when the property is absent from the payload.
//
// Typing is stricter than for query parameters: integers must be JSON
// integers (and fit 32 bits for KindInt32, never silently narrowed for
// KindInt64), numbers must carry a fractional part, booleans must be JSON
// true/false. Strings additionally accept arrays and objects, which travel
// to the database in their canonical JSON encoding.
func validatePayload(name string, val gjson.Result, present bool, kind ParamKind, required bool) UncheckedParam {
	if !present {
		if required {
			return errMissingParam(name)
		}
		return UncheckedParam{Problem: superfluousParam}
	}

	switch kind {
	case KindText, KindDate:
		switch {
		case val.Type == gjson.String:
			return UncheckedParam{Name: name, Relation: RelEqual, Value: TextVal(val.Str)}
		case val.IsArray() || val.IsObject():
			return UncheckedParam{Name: name, Relation: RelEqual, Value: TextVal(val.Raw)}
		}
		return errWrongType(name, kind, val.Raw)

	case KindInt32:
		if !jsonIsInteger(val) {
			return errWrongType(name, kind, val.Raw)
		}
		i, err := strconv.ParseInt(val.Raw, 10, 32)
		if err != nil {
			return errWrongType(name, kind, val.Raw)
		}
		return UncheckedParam{Name: name, Relation: RelEqual, Value: Int32Val(int32(i))}

	case KindInt64:
		if !jsonIsInteger(val) {
			return errWrongType(name, kind, val.Raw)
		}
		i, err := strconv.ParseInt(val.Raw, 10, 64)
		if err != nil {
			return errWrongType(name, kind, val.Raw)
		}
		return UncheckedParam{Name: name, Relation: RelEqual, Value: Int64Val(i)}

	case KindFloat64:
		if val.Type != gjson.Number || jsonIsInteger(val) {
			return errWrongType(name, kind, val.Raw)
		}
		return UncheckedParam{Name: name, Relation: RelEqual, Value: Float64Val(val.Num)}

	case KindBool:
		if val.Type == gjson.True || val.Type == gjson.False {
			return UncheckedParam{Name: name, Relation: RelEqual, Value: BoolVal(val.Bool())}
		}
		return errWrongType(name, kind, val.Raw)
	}

	return errWrongType(name, kind, val.Raw)
}

// jsonIsInteger reports whether val is a JSON number written without a
// fraction or exponent.
func jsonIsInteger(val gjson.Result) bool {
	if val.Type != gjson.Number {
		return false
	}
	return !strings.ContainsAny(val.Raw, ".eE")
}

//------------------------------------------------------------------------------
// splitting outcomes

// splitProblems separates validation outcomes into the parameters that may
// reach SQL and a concatenation of every problem message. Superfluous
// markers are dropped silently. The returned slice never contains an entry
// with a non-empty problem.
func splitProblems(params []UncheckedParam) ([]CheckedParam, string) {
	var checked []CheckedParam
	var problems strings.Builder
	for _, p := range params {
		switch {
		case p.Problem == "":
			checked = append(checked, CheckedParam{Name: p.Name, Relation: p.Relation, Value: p.Value})
		case p.Problem == superfluousParam:
			// configured but neither supplied nor required
		default:
			problems.WriteString(p.Problem)
		}
	}
	return checked, problems.String()
}
