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

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseRelation(t *testing.T) {
	r := require.New(t)

	r.Equal(RelEqual, ParseRelation("eq"))
	r.Equal(RelNotEqual, ParseRelation("ne"))
	r.Equal(RelLess, ParseRelation("lt"))
	r.Equal(RelLessOrEqual, ParseRelation("le"))
	r.Equal(RelGreater, ParseRelation("gt"))
	r.Equal(RelGreaterOrEqual, ParseRelation("ge"))
	r.Equal(RelLike, ParseRelation("like"))
	r.Equal(RelIn, ParseRelation("in"))
	r.Equal(RelUnknown, ParseRelation("approx"))
	r.Equal(RelUnknown, ParseRelation(""))
}

func TestRelationSQL(t *testing.T) {
	r := require.New(t)

	r.Equal("=", RelEqual.SQL())
	r.Equal("!=", RelNotEqual.SQL())
	r.Equal("<", RelLess.SQL())
	r.Equal("<=", RelLessOrEqual.SQL())
	r.Equal(">", RelGreater.SQL())
	r.Equal(">=", RelGreaterOrEqual.SQL())
	r.Equal(" LIKE ", RelLike.SQL())
	r.Equal(" IN ", RelIn.SQL())
	r.Equal("", RelUnknown.SQL())
}

func TestValidateQueryPlain(t *testing.T) {
	r := require.New(t)

	// string: identity
	p := validateQuery("name", "smith", KindText, true, true, false)
	r.True(p.Conforms())
	r.Equal(RelEqual, p.Relation)
	r.Equal("smith", p.Value.S)

	// integer
	p = validateQuery("id", "42", KindInt32, true, true, false)
	r.True(p.Conforms())
	r.Equal(int32(42), p.Value.I32)

	// integer must fit 32 bits
	p = validateQuery("id", "4294967296", KindInt32, true, true, false)
	r.False(p.Conforms())
	r.Contains(p.Problem, `"id"`)

	// bigint takes what integer cannot
	p = validateQuery("id", "4294967296", KindInt64, true, true, false)
	r.True(p.Conforms())
	r.Equal(int64(4294967296), p.Value.I64)

	// number
	p = validateQuery("f", "3.25", KindFloat64, true, true, false)
	r.True(p.Conforms())
	r.Equal(3.25, p.Value.F64)

	// boolean: only the literals
	p = validateQuery("b", "true", KindBool, true, true, false)
	r.True(p.Conforms())
	r.True(p.Value.B)
	p = validateQuery("b", "1", KindBool, true, true, false)
	r.False(p.Conforms())

	// type mismatch
	p = validateQuery("id", "abc", KindInt32, true, true, false)
	r.False(p.Conforms())
	r.Contains(p.Problem, "expected to be of type")

	// missing + required
	p = validateQuery("id", "", KindInt32, false, true, false)
	r.False(p.Conforms())
	r.Contains(p.Problem, "obligatory according to api")

	// missing + optional: silently superfluous
	p = validateQuery("id", "", KindInt32, false, false, false)
	r.Equal(superfluousParam, p.Problem)
}

func TestValidateQueryExtended(t *testing.T) {
	r := require.New(t)

	// every known token yields the matching relation iff the rest parses
	cases := map[string]Relation{
		"eq": RelEqual, "ne": RelNotEqual, "lt": RelLess, "le": RelLessOrEqual,
		"gt": RelGreater, "ge": RelGreaterOrEqual, "like": RelLike, "in": RelIn,
	}
	for tok, rel := range cases {
		p := validateQuery("salary", tok+".1000", KindInt32, true, true, true)
		r.True(p.Conforms(), "token %s", tok)
		r.Equal(rel, p.Relation, "token %s", tok)
		r.Equal(int32(1000), p.Value.I32, "token %s", tok)
	}

	// relation recognized but value does not parse
	p := validateQuery("salary", "gt.much", KindInt32, true, true, true)
	r.False(p.Conforms())
	r.True(p.Extended)

	// no dot at all
	p = validateQuery("salary", "1000", KindInt32, true, true, true)
	r.False(p.Conforms())
	r.Contains(p.Problem, "recognizable relation")

	// unknown leading token
	p = validateQuery("salary", "approx.1000", KindInt32, true, true, true)
	r.False(p.Conforms())
	r.Contains(p.Problem, "recognizable relation")

	// text value may itself contain dots after the token
	p = validateQuery("name", "like.a.b", KindText, true, true, true)
	r.True(p.Conforms())
	r.Equal(RelLike, p.Relation)
	r.Equal("a.b", p.Value.S)

	// missing optional parameter stays superfluous under extended syntax
	p = validateQuery("salary", "", KindInt32, false, false, true)
	r.Equal(superfluousParam, p.Problem)
}

func pv(s string) gjson.Result {
	return gjson.Parse(s)
}

func TestValidatePayload(t *testing.T) {
	r := require.New(t)

	// strings
	p := validatePayload("note", pv(`"ok"`), true, KindText, true)
	r.True(p.Conforms())
	r.Equal("ok", p.Value.S)

	// arrays and objects stringify to their JSON encoding
	p = validatePayload("tags", pv(`[1,2,3]`), true, KindText, true)
	r.True(p.Conforms())
	r.Equal("[1,2,3]", p.Value.S)
	p = validatePayload("meta", pv(`{"a":1}`), true, KindText, true)
	r.True(p.Conforms())
	r.Equal(`{"a":1}`, p.Value.S)

	// a bare number is not a string
	p = validatePayload("note", pv(`7`), true, KindText, true)
	r.False(p.Conforms())

	// integer: JSON integers only
	p = validatePayload("id", pv(`7`), true, KindInt32, true)
	r.True(p.Conforms())
	r.Equal(int32(7), p.Value.I32)
	p = validatePayload("id", pv(`7.5`), true, KindInt32, true)
	r.False(p.Conforms())
	p = validatePayload("id", pv(`"7"`), true, KindInt32, true)
	r.False(p.Conforms())

	// integer narrows to 32 bits, bigint keeps 64; no silent narrowing
	p = validatePayload("id", pv(`4294967296`), true, KindInt32, true)
	r.False(p.Conforms())
	p = validatePayload("id", pv(`4294967296`), true, KindInt64, true)
	r.True(p.Conforms())
	r.Equal(KindInt64, p.Value.Kind)
	r.Equal(int64(4294967296), p.Value.I64)

	// number needs a fractional part; integers fail
	p = validatePayload("f", pv(`1.5`), true, KindFloat64, true)
	r.True(p.Conforms())
	r.Equal(1.5, p.Value.F64)
	p = validatePayload("f", pv(`2`), true, KindFloat64, true)
	r.False(p.Conforms())

	// boolean
	p = validatePayload("b", pv(`true`), true, KindBool, true)
	r.True(p.Conforms())
	r.True(p.Value.B)
	p = validatePayload("b", pv(`"true"`), true, KindBool, true)
	r.False(p.Conforms())

	// absent
	p = validatePayload("x", gjson.Result{}, false, KindText, true)
	r.Contains(p.Problem, "obligatory according to api")
	p = validatePayload("x", gjson.Result{}, false, KindText, false)
	r.Equal(superfluousParam, p.Problem)
}

func TestSplitProblems(t *testing.T) {
	r := require.New(t)

	unchecked := []UncheckedParam{
		{Name: "a", Relation: RelEqual, Value: Int32Val(1)},
		{Problem: superfluousParam},
		{Problem: "first problem. "},
		{Name: "b", Relation: RelGreater, Value: TextVal("x")},
		{Problem: "second problem."},
	}
	checked, problems := splitProblems(unchecked)
	r.Len(checked, 2)
	r.Equal("a", checked[0].Name)
	r.Equal("b", checked[1].Name)
	r.Equal("first problem. second problem.", problems)

	// a clean set yields no problem text, and the checked list never
	// carries a problem entry
	checked, problems = splitProblems(unchecked[:2])
	r.Len(checked, 1)
	r.Equal("", problems)
}
