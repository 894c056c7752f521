// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fsql

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// word is an unquoted keyword or identifier of a statement.
type word struct {
	s     string // upper case
	depth int    // parentheses nesting level
}

// rowKeywords are leading keywords of statements that return rows.
var rowKeywords = []string{"SELECT", "VALUES", "PRAGMA", "EXPLAIN"}

// mainKeywords start the main statement after WITH clause.
var mainKeywords = []string{"SELECT", "VALUES", "INSERT", "REPLACE", "UPDATE", "DELETE"}

// ReturnsRows returns true if the given statement is expected to return rows
// and should be run with QueryAll rather than ExecContext.
//
// It looks at the leading keyword, at the main statement after WITH clause,
// and at the RETURNING keyword; comments, string literals and quoted identifiers are skipped.
// It does not parse SQL.
func ReturnsRows(query string) bool {
	ws := words(query)
	if len(ws) == 0 {
		return false
	}

	if slices.Contains(rowKeywords, ws[0].s) {
		return true
	}

	if ws[0].s == "WITH" {
		for _, w := range ws[1:] {
			if w.depth == 0 && slices.Contains(mainKeywords, w.s) {
				if w.s == "SELECT" || w.s == "VALUES" {
					return true
				}

				break
			}
		}
	}

	return slices.ContainsFunc(ws, func(w word) bool { return w.s == "RETURNING" })
}

// words splits the statement into unquoted words.
func words(q string) []word {
	var res []word
	var depth int

	for i := 0; i < len(q); {
		r, size := utf8.DecodeRuneInString(q[i:])

		switch {
		case unicode.IsSpace(r):
			i += size

		case strings.HasPrefix(q[i:], "--"):
			n := strings.IndexByte(q[i:], '\n')
			if n < 0 {
				return res
			}

			i += n + 1

		case strings.HasPrefix(q[i:], "/*"):
			n := strings.Index(q[i+2:], "*/")
			if n < 0 {
				return res
			}

			i += n + 4

		case r == '\'' || r == '"' || r == '`' || r == '[':
			// doubled quotes are handled as two adjacent literals
			end := r
			if r == '[' {
				end = ']'
			}

			n := strings.IndexRune(q[i+1:], end)
			if n < 0 {
				return res
			}

			i += n + 2

		case r == '(':
			depth++
			i++

		case r == ')':
			depth--
			i++

		case isIdentRune(r):
			start := i
			for i < len(q) {
				r, size = utf8.DecodeRuneInString(q[i:])
				if !isIdentRune(r) && r != '$' {
					break
				}

				i += size
			}

			// skip numbers
			if first, _ := utf8.DecodeRuneInString(q[start:]); !unicode.IsDigit(first) {
				res = append(res, word{s: strings.ToUpper(q[start:i]), depth: depth})
			}

		default:
			i += size
		}
	}

	return res
}

// isIdentRune returns true if r can be a part of SQL identifier.
func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
