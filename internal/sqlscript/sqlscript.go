// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlscript splits SQL scripts into statements.
//
// In lieu of a proper parser, scripts are parsed using regexes.
// Therefore a script MUST:
//   - Use `#` and/or `--` for comments. No block comments.
//   - Separate statements with `;\n`.
package sqlscript

import (
	"os"
	"regexp"
	"strings"

	"go.chromium.org/luci/common/errors"
)

var statementSepRe = regexp.MustCompile(`;\s*\n`)
var commentRe = regexp.MustCompile(`(--|#)[^\n]*`)

// Split splits a script into statements, dropping comments and empty
// statements.
func Split(script string) []string {
	statements := statementSepRe.Split(script, -1)
	ret := statements[:0]
	for _, stmt := range statements {
		stmt = commentRe.ReplaceAllString(stmt, "")
		stmt = strings.TrimSpace(stmt)
		stmt = strings.TrimSuffix(stmt, ";")
		if stmt != "" {
			ret = append(ret, stmt)
		}
	}
	return ret
}

// ReadFile reads and splits the script at path.
func ReadFile(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read %q", path).Err()
	}
	return Split(string(contents)), nil
}
