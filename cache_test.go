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

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func cachedResp(body string) *Response {
	return &Response{Status: 200, ContentType: contentTypeJSON, Body: []byte(body)}
}

func TestCachePutGet(t *testing.T) {
	r := require.New(t)

	c := NewResponseCache(time.Minute, 1024, zerolog.Nop())

	r.Nil(c.Get("k1"))

	c.Put("k1", cachedResp("hello"))
	got := c.Get("k1")
	r.NotNil(got)
	r.Equal([]byte("hello"), got.Body)
	r.Equal(200, got.Status)
	r.Equal(5, c.Size())

	// duplicate put is a no-op
	c.Put("k1", cachedResp("other"))
	got = c.Get("k1")
	r.Equal([]byte("hello"), got.Body)
	r.Equal(5, c.Size())
}

func TestCacheExpiry(t *testing.T) {
	r := require.New(t)

	c := NewResponseCache(50*time.Millisecond, 1024, zerolog.Nop())
	c.Put("k", cachedResp("v"))
	r.NotNil(c.Get("k"))

	time.Sleep(80 * time.Millisecond)

	// expired entries read as absent, but Get does not evict
	r.Nil(c.Get("k"))
	r.Equal(1, c.Size())

	c.PurgeExpired()
	r.Equal(0, c.Size())
	r.Nil(c.Get("k"))
}

func TestCacheSizeAccounting(t *testing.T) {
	r := require.New(t)

	c := NewResponseCache(time.Minute, 1024, zerolog.Nop())
	c.Put("a", cachedResp("12345"))
	c.Put("b", cachedResp("1234567890"))
	r.Equal(15, c.Size())

	c.Drop("a")
	r.Equal(10, c.Size())
	r.Nil(c.Get("a"))
	r.NotNil(c.Get("b"))

	// dropping an unknown key changes nothing
	c.Drop("nope")
	r.Equal(10, c.Size())
}

func TestCacheSizeLimit(t *testing.T) {
	r := require.New(t)

	c := NewResponseCache(time.Minute, 10, zerolog.Nop())
	c.Put("a", cachedResp("123456"))
	r.Equal(6, c.Size())

	// would exceed the limit, nothing expired to purge: skipped
	c.Put("b", cachedResp("123456"))
	r.Nil(c.Get("b"))
	r.Equal(6, c.Size())

	// still room for a small one
	c.Put("c", cachedResp("1234"))
	r.NotNil(c.Get("c"))
	r.Equal(10, c.Size())
}

func TestCachePutPurgesExpired(t *testing.T) {
	r := require.New(t)

	c := NewResponseCache(40*time.Millisecond, 10, zerolog.Nop())
	c.Put("old", cachedResp("1234567890"))
	r.Equal(10, c.Size())

	time.Sleep(60 * time.Millisecond)

	// the overflowing insert purges the expired entry first and then fits
	c.Put("new", cachedResp("abcde"))
	r.NotNil(c.Get("new"))
	r.Nil(c.Get("old"))
	r.Equal(5, c.Size())
}
