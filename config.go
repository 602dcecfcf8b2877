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
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

//------------------------------------------------------------------------------
// configuration model

// ContextConfig is the configuration of one tenant, assembled from the five
// `<prefix>_*` sections of the INI file.
type ContextConfig struct {
	Prefix string

	// <prefix>_Database
	DB       string
	DBUser   string
	DBPass   string
	Timezone string

	// <prefix>_Webservice
	Static404Default  string
	PgServicePrefix   string
	IndexFile         string
	StaticFilesFolder string

	// optional cache tuning, with defaults
	CacheLifespanS int
	CacheSizeLimit int

	// <prefix>_Authorization
	TokenName    string
	TokenSecret  string
	SetvarPrefix string

	// <prefix>_API
	APIConf           string
	DynamicErr        string
	UseExtendedSyntax bool
}

// CommonConfig is the full gateway configuration: the shared listener
// settings plus one ContextConfig per active context.
type CommonConfig struct {
	ActiveContexts []string
	Port           int
	Addr           string
	HTTPS          bool
	CertFile       string
	CertPass       string // path of the PEM private key matching CertFile
	ClientIPAllow  string // single IPv4; 0.0.0.0 disables the allowlist
	ReadTimeoutMS  int
	ReadChunkSize  int

	Contexts map[string]*ContextConfig
}

// ValidationResult holds one entry of the results of validation.
type ValidationResult struct {
	// Warn is true if the message is a warning, else it is an error.
	Warn bool

	// Message is the actual textual message describing the error or warning.
	Message string
}

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{Warn: true, Message: msg})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{Warn: false, Message: msg})
}

//------------------------------------------------------------------------------
// loading

// LoadConfig reads and validates the INI configuration. Any missing key is
// an error; use Validate on the result for the full issue list.
func LoadConfig(path string) (*CommonConfig, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration file %q not found or not accessible: %w", path, err)
	}

	missing := func(section, key string) error {
		return fmt.Errorf("configuration file %q is missing entry `%s` in section `%s`", path, key, section)
	}
	get := func(section, key string) (string, error) {
		s := f.Section(section)
		if !s.HasKey(key) {
			return "", missing(section, key)
		}
		return s.Key(key).String(), nil
	}

	var errs []string
	req := func(section, key string) string {
		v, err := get(section, key)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	// note: ini.v1 Key() silently creates absent keys, so presence is
	// always checked through req before any typed read
	reqInt := func(section, key string) int {
		s := req(section, key)
		n, err := strconv.Atoi(s)
		if s != "" && err != nil {
			errs = append(errs, fmt.Sprintf("invalid `%s` in section `%s`", key, section))
		}
		return n
	}
	reqBool := func(section, key string) bool {
		s := req(section, key)
		b, err := strconv.ParseBool(s)
		if s != "" && err != nil {
			errs = append(errs, fmt.Sprintf("invalid `%s` in section `%s`", key, section))
		}
		return b
	}
	optInt := func(section, key string) int {
		if !f.Section(section).HasKey(key) {
			return 0
		}
		n, _ := f.Section(section).Key(key).Int()
		return n
	}

	const common = "Common-Webservice"
	c := &CommonConfig{
		Addr:          req(common, "addr"),
		CertFile:      req(common, "cert_file"),
		CertPass:      req(common, "cert_pass"),
		ClientIPAllow: req(common, "client_ip_allow"),
		Port:          reqInt(common, "port"),
		HTTPS:         reqBool(common, "https"),
		ReadTimeoutMS: reqInt(common, "server_read_timeout_ms"),
		ReadChunkSize: reqInt(common, "server_read_chunksize"),
		Contexts:      make(map[string]*ContextConfig),
	}

	for _, prefix := range strings.Split(req(common, "active_contexts"), ",") {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		c.ActiveContexts = append(c.ActiveContexts, prefix)

		db := prefix + "_Database"
		web := prefix + "_Webservice"
		auth := prefix + "_Authorization"
		api := prefix + "_API"

		cc := &ContextConfig{
			Prefix:            prefix,
			DB:                req(db, "db"),
			DBUser:            req(db, "db_user"),
			DBPass:            req(db, "db_pass"),
			Timezone:          req(db, "timezone"),
			Static404Default:  req(web, "static_404_default"),
			PgServicePrefix:   req(web, "pg_service_prefix"),
			IndexFile:         req(web, "index_file"),
			StaticFilesFolder: req(web, "static_files_folder"),
			TokenName:         req(auth, "pg_token_name"),
			TokenSecret:       req(auth, "pg_token_secret"),
			SetvarPrefix:      req(auth, "pg_setvar_prefix"),
			APIConf:           req(api, "api_conf"),
			DynamicErr:        req(api, "dynamic_err"),
			UseExtendedSyntax: reqBool(api, "api_use_eq_syntax_on_url_parameters"),

			// cache tuning is optional
			CacheLifespanS: optInt(web, "cache_lifespan_s"),
			CacheSizeLimit: optInt(web, "cache_size_limit"),
		}
		c.Contexts[prefix] = cc
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%d configuration errors: %s", len(errs), strings.Join(errs, "; "))
	}
	return c, nil
}

//------------------------------------------------------------------------------
// validation

// Validate the loaded configuration. Returns a list of errors and warnings.
func (c *CommonConfig) Validate() (r []ValidationResult) {
	if c.Port <= 0 || c.Port >= 65535 {
		r = addError(r, fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.Addr != "" && net.ParseIP(c.Addr) == nil {
		r = addError(r, fmt.Sprintf("invalid listen address %q", c.Addr))
	}
	if ip := net.ParseIP(c.ClientIPAllow); ip == nil || ip.To4() == nil {
		r = addError(r, fmt.Sprintf("client_ip_allow %q is not an IPv4 address", c.ClientIPAllow))
	}
	if c.ReadChunkSize <= 0 {
		r = addError(r, fmt.Sprintf("server_read_chunksize %d must be > 0", c.ReadChunkSize))
	}
	if c.ReadTimeoutMS <= 0 {
		r = addError(r, fmt.Sprintf("server_read_timeout_ms %d must be > 0", c.ReadTimeoutMS))
	}
	if c.HTTPS {
		if _, err := os.Stat(c.CertFile); err != nil {
			r = addError(r, fmt.Sprintf("cert_file %q not readable", c.CertFile))
		}
		if _, err := os.Stat(c.CertPass); err != nil {
			r = addError(r, fmt.Sprintf("cert_pass (key file) %q not readable", c.CertPass))
		}
	}
	if len(c.ActiveContexts) == 0 {
		r = addError(r, "no active contexts configured")
	}

	for _, prefix := range c.ActiveContexts {
		cc := c.Contexts[prefix]
		if cc == nil {
			r = addError(r, fmt.Sprintf("context %q: sections missing", prefix))
			continue
		}
		if cc.Timezone == "" {
			r = addError(r, fmt.Sprintf("context %q: empty timezone", prefix))
		}
		if _, err := os.Stat(cc.APIConf); err != nil {
			r = addError(r, fmt.Sprintf("context %q: api_conf %q not readable", prefix, cc.APIConf))
		}
		if _, err := os.Stat(cc.StaticFilesFolder); err != nil {
			r = addWarn(r, fmt.Sprintf("context %q: static_files_folder %q not readable", prefix, cc.StaticFilesFolder))
		}
		if cc.CacheLifespanS < 0 {
			r = addError(r, fmt.Sprintf("context %q: cache_lifespan_s must be >= 0", prefix))
		}
		if cc.CacheSizeLimit < 0 {
			r = addError(r, fmt.Sprintf("context %q: cache_size_limit must be >= 0", prefix))
		}
	}
	return
}

// IsValid performs validation (calls Validate internally) and returns an
// error if the validation finds at least one error. Warnings are not
// included.
func (c *CommonConfig) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}
