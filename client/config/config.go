/*
 *     Copyright 2020 The Dragonfly Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config holds dfget's command-line option set, its validation,
// and the bootstrap-node discovery chain (flag > env > /etc/dragonfly.conf),
// replacing component/paramparser.py and component/configutil.py.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	ini "gopkg.in/ini.v1"

	"github.com/dragonflyoss/dfget/client/errs"
)

var urlPattern = regexp.MustCompile(`(?i)^(https?)://(.+?)(:(\d+))?(/.*$|\?.*$|$)`)

// DefaultConfigPath is the INI file holding bootstrap supernode addresses,
// consulted only when neither --node nor DFGET_NODE is set.
const DefaultConfigPath = "/etc/dragonfly.conf"

// ClientOption is the parsed and defaulted set of dfget flags (spec.md §6).
type ClientOption struct {
	URL           string
	Output        string
	MD5           string
	CallSystem    string
	NotBackSource bool
	LocalLimit    int64 // bytes/sec, 0 = unlimited
	TotalLimit    int64 // bytes/sec, 0 = unlimited
	Identifier    string
	Timeout       time.Duration
	Filter        string
	ShowBar       bool
	Pattern       string // "p2p" or "cdn"
	Nodes         []string
	Console       bool
	Headers       []string
	Dfdaemon      bool
}

// NewClientOption returns a ClientOption with spec.md defaults applied.
func NewClientOption() *ClientOption {
	return &ClientOption{
		Pattern: "p2p",
	}
}

// Validate checks cross-field invariants that flag parsing alone can't,
// mirroring the assertions paramparser.py makes at import time.
func (o *ClientOption) Validate() error {
	if !urlPattern.MatchString(o.URL) {
		return &errs.ParamError{Msg: "please specify a valid --url/-u (http:// or https://)"}
	}

	if o.Output == "" {
		o.Output = defaultOutput(o.URL)
	}
	abs, err := filepath.Abs(o.Output)
	if err != nil {
		return &errs.ParamError{Msg: fmt.Sprintf("resolve output path: %s", err)}
	}
	o.Output = abs

	if info, err := os.Stat(o.Output); err == nil && info.IsDir() {
		return &errs.ParamError{Msg: "--output cannot be a directory"}
	}

	if o.Pattern != "p2p" && o.Pattern != "cdn" {
		return &errs.ParamError{Msg: "--pattern/-p must be p2p or cdn"}
	}
	if o.Pattern == "cdn" {
		o.TotalLimit = 0
	}

	if o.MD5 != "" {
		o.Identifier = ""
	}

	return nil
}

func defaultOutput(rawURL string) string {
	idx := strings.LastIndex(rawURL, "/")
	if idx == -1 || idx == len(rawURL)-1 {
		// strip "http://" or "https://"
		if schemeIdx := strings.Index(rawURL, "://"); schemeIdx != -1 {
			return rawURL[schemeIdx+3:]
		}
		return rawURL
	}
	return rawURL[idx+1:]
}

// ParseRateLimit parses the "\d+[kKmM]" rate-limit flag format (K=1024,
// M=1024*1024), matching env.py's compute_limit. An empty string means
// unlimited (0).
func ParseRateLimit(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	matcher := regexp.MustCompile(`^(\d+)([kKmM])$`)
	m := matcher.FindStringSubmatch(s)
	if m == nil {
		return 0, &errs.ParamError{Msg: "--locallimit/--totallimit format is invalid, want e.g. 20M or 512k"}
	}
	var n int64
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, &errs.ParamError{Msg: "--locallimit/--totallimit is invalid: " + err.Error()}
	}
	switch m[2] {
	case "k", "K":
		return n * 1024, nil
	default:
		return n * 1024 * 1024, nil
	}
}

// NodeConfig is the shape of /etc/dragonfly.conf's [node] section.
type NodeConfig struct {
	Address string `ini:"address"`
}

// LoadNodeConfig reads the INI config file's [node] address list. A missing
// file is not an error; it just yields no nodes.
func LoadNodeConfig(path string) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}

	section := cfg.Section("node")
	addr := section.Key("address").String()
	if addr == "" {
		return nil, nil
	}
	return splitAddresses(addr), nil
}

// ResolveNodes picks the bootstrap node list: explicit --node flag wins,
// then the DFGET_NODE environment variable, then the INI config file.
func ResolveNodes(flagNodes []string, configPath string) ([]string, error) {
	if len(flagNodes) > 0 {
		return flagNodes, nil
	}

	v := viper.New()
	v.SetEnvPrefix("dfget")
	v.BindEnv("node")
	if env := v.GetString("node"); env != "" {
		return splitAddresses(env), nil
	}

	nodes, err := LoadNodeConfig(configPath)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &errs.ParamError{Msg: "no supernode addresses: specify --node, DFGET_NODE, or " + configPath}
	}
	return nodes, nil
}

func splitAddresses(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
