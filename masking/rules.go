/*
 * Copyright 2021. Go-RWSplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 *
 *  File author: Anders Xiao
 */

package masking

import (
	"encoding/json"
	"io/ioutil"
	"regexp"
	"strings"

	"github.com/endink/go-rwsplit/logging"
	"github.com/endink/go-rwsplit/mysql"
	"github.com/pingcap/errors"
)

const defaultFill = "X"

var log = logging.GetLogger("masking")

// RuleKind discriminates the three rewrite behaviors.
type RuleKind int

const (
	// KindReplace overwrites the whole value, with the literal value on
	// an exact length match and fill tiling otherwise.
	KindReplace RuleKind = iota
	// KindObfuscate maps every byte through the obfuscation function.
	KindObfuscate
	// KindCapture tiles fill over every regexp match inside the value.
	KindCapture
)

func (k RuleKind) String() string {
	switch k {
	case KindReplace:
		return "replace"
	case KindObfuscate:
		return "obfuscate"
	case KindCapture:
		return "capture"
	}
	return "unknown"
}

// account matches a connection's (user, host) pair. The user part always
// compares verbatim; a host with MySQL wildcards is compiled to a regexp,
// a plain host compares verbatim. Empty parts match anything.
type account struct {
	user   string
	host   string
	hostRe *regexp.Regexp
}

func (a *account) matches(user, host string) bool {
	if a.user != "" && a.user != user {
		return false
	}
	if a.hostRe != nil {
		return a.hostRe.MatchString(host)
	}
	return a.host == "" || a.host == host
}

// parseAccount splits a "user@host" specifier and compiles the host when
// it carries % or _ wildcards.
func parseAccount(spec string) (*account, error) {
	user := spec
	host := ""
	if at := strings.IndexByte(spec, '@'); at >= 0 {
		user = spec[:at]
		host = spec[at+1:]
	}
	user = trimQuotes(user)
	host = trimQuotes(host)

	a := &account{user: user, host: host}
	if strings.ContainsAny(host, "%_") {
		re, err := regexp.Compile("^" + wildcardToRegexp(host) + "$")
		if err != nil {
			return nil, errors.Annotatef(err, "account host '%s'", host)
		}
		a.hostRe = re
	}
	return a, nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '\'' || first == '"' || first == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// wildcardToRegexp maps MySQL name wildcards onto regexp syntax: % is
// any run of characters, _ is one character, everything else is literal.
func wildcardToRegexp(s string) string {
	sb := &strings.Builder{}
	for _, r := range s {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return sb.String()
}

// Rule is one masking rule: a column match plus a rewrite behavior.
type Rule struct {
	Column   string
	Table    string
	Database string

	AppliesTo []*account
	Exempted  []*account

	Kind    RuleKind
	Value   string
	Fill    string
	Capture *regexp.Regexp
}

// Match describes what the rule applies to, for logging.
func (r *Rule) Match() string {
	db, table := r.Database, r.Table
	if db == "" {
		db = "*"
	}
	if table == "" {
		table = "*"
	}
	return db + "." + table + "." + r.Column
}

// Matches reports whether the rule applies to a result set column
// returned to the given account. The column name must equal the original
// column name; table and database constrain only when set.
func (r *Rule) Matches(def *mysql.ColumnDef, user, host string) bool {
	if r.Column != def.OrgName {
		return false
	}
	if r.Table != "" && r.Table != def.OrgTable {
		return false
	}
	if r.Database != "" && r.Database != def.Schema {
		return false
	}
	if len(r.AppliesTo) > 0 {
		found := false
		for _, a := range r.AppliesTo {
			if a.matches(user, host) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, a := range r.Exempted {
		if a.matches(user, host) {
			return false
		}
	}
	return true
}

// Rewrite masks the value bytes in place. The value length never
// changes, so the surrounding length-encoded framing stays valid.
func (r *Rule) Rewrite(value []byte) {
	if len(value) == 0 {
		return
	}
	switch r.Kind {
	case KindReplace:
		if len(r.Value) == len(value) {
			copy(value, r.Value)
			return
		}
		if len(r.Fill) == 0 {
			log.Errorf("masking rule %s: returned value length %d does not match replacement length %d and no fill value is available, not masking",
				r.Match(), len(value), len(r.Value))
			return
		}
		fillBuffer(r.Fill, value)
	case KindObfuscate:
		for i, c := range value {
			value[i] = obfuscateByte(c)
		}
	case KindCapture:
		offset := 0
		for offset < len(value) {
			loc := r.Capture.FindIndex(value[offset:])
			if loc == nil {
				break
			}
			if loc[1] == loc[0] {
				// A zero-length match would never advance.
				break
			}
			fillBuffer(r.Fill, value[offset+loc[0]:offset+loc[1]])
			offset += loc[1]
		}
	}
}

// fillBuffer tiles fill across dst, truncating the final repetition.
func fillBuffer(fill string, dst []byte) {
	for i := range dst {
		dst[i] = fill[i%len(fill)]
	}
}

// obfuscateByte applies ROT13 to ASCII letters and shifts every other
// byte up by 32, saturating at 127. Applying it twice restores letters.
func obfuscateByte(c byte) byte {
	switch {
	case c >= 'a' && c <= 'z':
		return (c-'a'+13)%26 + 'a'
	case c >= 'A' && c <= 'Z':
		return (c-'A'+13)%26 + 'A'
	default:
		d := int(c) + 32
		if d > 127 {
			d = 127
		}
		return byte(d)
	}
}

// Rules is an immutable, loaded rule set.
type Rules struct {
	rules []*Rule
}

// RuleFor returns the first rule matching the column and account, or nil.
func (rs *Rules) RuleFor(def *mysql.ColumnDef, user, host string) *Rule {
	for _, r := range rs.rules {
		if r.Matches(def, user, host) {
			return r
		}
	}
	return nil
}

// Len returns the number of loaded rules.
func (rs *Rules) Len() int { return len(rs.rules) }

// JSON shapes of the rules file.
type ruleColumnJSON struct {
	Column   *string `json:"column"`
	Table    string  `json:"table"`
	Database string  `json:"database"`
	Capture  string  `json:"capture"`
}

type ruleWithJSON struct {
	Value string `json:"value"`
	Fill  string `json:"fill"`
}

type ruleJSON struct {
	Replace   *ruleColumnJSON `json:"replace"`
	Obfuscate *ruleColumnJSON `json:"obfuscate"`
	With      *ruleWithJSON   `json:"with"`
	AppliesTo []string        `json:"applies_to"`
	Exempted  []string        `json:"exempted"`
}

type rulesDocJSON struct {
	Rules *[]ruleJSON `json:"rules"`
}

// Parse builds a rule set from the JSON rules document. Any invalid rule
// fails the whole document, so a running system never works with a
// partial rule set.
func Parse(data []byte) (*Rules, error) {
	var doc rulesDocJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Annotate(err, "parsing masking rules")
	}
	if doc.Rules == nil {
		return nil, errors.New("masking rules document does not contain a 'rules' array")
	}

	rs := &Rules{}
	for i, rj := range *doc.Rules {
		rule, err := buildRule(&rj)
		if err != nil {
			return nil, errors.Annotatef(err, "masking rule %d", i)
		}
		rs.rules = append(rs.rules, rule)
	}
	return rs, nil
}

// Load reads and parses a rules file.
func Load(path string) (*Rules, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading masking rules file %s", path)
	}
	return Parse(data)
}

func buildRule(rj *ruleJSON) (*Rule, error) {
	if rj.Replace == nil && rj.Obfuscate == nil {
		return nil, errors.New("a masking rule does not contain a 'replace' or 'obfuscate' key")
	}

	// Obfuscate takes precedence; under replace, a capture key makes the
	// rule a capture rule.
	target := rj.Obfuscate
	kind := KindObfuscate
	if target == nil {
		target = rj.Replace
		if target.Capture != "" {
			kind = KindCapture
		} else {
			kind = KindReplace
		}
	}

	if target.Column == nil {
		return nil, errors.Errorf("the '%s' object of a masking rule does not have the mandatory 'column' key", kind)
	}

	rule := &Rule{
		Column:   *target.Column,
		Table:    target.Table,
		Database: target.Database,
		Kind:     kind,
		Fill:     defaultFill,
	}
	if rj.With != nil {
		rule.Value = rj.With.Value
		if rj.With.Fill != "" {
			rule.Fill = rj.With.Fill
		}
	}

	for _, spec := range rj.AppliesTo {
		a, err := parseAccount(spec)
		if err != nil {
			return nil, errors.Annotate(err, "'applies_to'")
		}
		rule.AppliesTo = append(rule.AppliesTo, a)
	}
	for _, spec := range rj.Exempted {
		a, err := parseAccount(spec)
		if err != nil {
			return nil, errors.Annotate(err, "'exempted'")
		}
		rule.Exempted = append(rule.Exempted, a)
	}

	switch kind {
	case KindReplace:
		if rj.With == nil || rule.Value == "" {
			return nil, errors.New("a masking 'replace' rule does not have a non-empty 'value' key")
		}
		if rule.Fill == "" {
			return nil, errors.New("a masking 'replace' rule has an empty 'fill' value")
		}
	case KindCapture:
		if rule.Fill == "" {
			return nil, errors.New("a masking 'capture' rule has an empty 'fill' value")
		}
		re, err := regexp.Compile(target.Capture)
		if err != nil {
			return nil, errors.Annotatef(err, "compiling capture regexp '%s'", target.Capture)
		}
		rule.Capture = re
	}
	return rule, nil
}
