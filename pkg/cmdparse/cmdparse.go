// Package cmdparse tokenizes raw shell-command strings and normalizes
// executable references for blocklist comparison. It never interprets the
// command; quoting is tracked only to decide token boundaries and which
// regions an operator scan may ignore.
package cmdparse

import (
	"errors"
	"sort"
	"strings"
	"unicode"
)

// ErrEmptyCommand indicates the raw string contained no tokens.
var ErrEmptyCommand = errors.New("empty command")

// Command is the tokenized form of a raw command string. Name is already
// normalized via ExecutableName; Args keep their original spellings with
// surrounding quotes stripped.
type Command struct {
	Name string
	Args []string
}

// execExtensions are the launcher-recognized executable suffixes stripped
// during name normalization. Bare dotted names like python3.11 keep their
// suffix.
var execExtensions = []string{".exe", ".com", ".bat", ".cmd", ".sh", ".ps1"}

// ScanOperators scans raw for the first blocked operator sequence appearing
// outside single- or double-quoted regions. Longer sequences are tried first
// so "a && b" reports "&&" rather than "&". Quote state toggles only on
// unescaped quote characters: a backslash outside single quotes keeps `\"`
// from opening a span that would hide an operator. The escaped character
// itself is still matched, because not every dialect reads backslash as an
// escape; cmd.exe treats it as a path character, so the `&` in `\&` stays a
// live separator there. Returns the matched operator and its byte offset.
func ScanOperators(raw string, blocked []string) (op string, pos int, found bool) {
	if len(blocked) == 0 {
		return "", 0, false
	}
	ordered := make([]string, 0, len(blocked))
	for _, b := range blocked {
		if b != "" {
			ordered = append(ordered, b)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})

	var inSingle, inDouble, escaped bool
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if escaped {
			escaped = false
		} else {
			switch {
			case c == '\\' && !inSingle:
				escaped = true
			case c == '\'' && !inDouble:
				inSingle = !inSingle
				continue
			case c == '"' && !inSingle:
				inDouble = !inDouble
				continue
			}
		}
		if inSingle || inDouble {
			continue
		}
		for _, candidate := range ordered {
			if strings.HasPrefix(raw[i:], candidate) {
				return candidate, i, true
			}
		}
	}
	return "", 0, false
}

// Split tokenizes raw on whitespace while respecting quoted spans. Quoted
// substrings become one token with the quotes stripped. A backslash outside
// single quotes escapes the character after it, tracked with the same rule
// the operator scan uses: an escaped quote neither opens nor closes a span
// and an escaped space does not separate tokens. The backslash itself stays
// in the token text, so unquoted Windows paths survive intact. An
// unterminated quote is an error.
func Split(raw string) ([]string, error) {
	var (
		tokens             []string
		current            strings.Builder
		inToken            bool
		inSingle, inDouble bool
		escaped            bool
	)

	flush := func() {
		if !inToken {
			return
		}
		tokens = append(tokens, current.String())
		current.Reset()
		inToken = false
	}

	for _, r := range raw {
		if escaped {
			escaped = false
			current.WriteRune(r)
			inToken = true
			continue
		}
		switch {
		case r == '\\' && !inSingle:
			escaped = true
			current.WriteRune(r)
			inToken = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			inToken = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			inToken = true
		case unicode.IsSpace(r) && !inSingle && !inDouble:
			flush()
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inSingle || inDouble {
		return nil, errors.New("unterminated quote in command")
	}
	flush()
	return tokens, nil
}

// Parse tokenizes raw and splits it into the executable reference and its
// arguments. The executable reference is normalized for blocklist lookup.
func Parse(raw string) (Command, error) {
	tokens, err := Split(raw)
	if err != nil {
		return Command{}, err
	}
	if len(tokens) == 0 {
		return Command{}, ErrEmptyCommand
	}
	return Command{
		Name: ExecutableName(tokens[0]),
		Args: tokens[1:],
	}, nil
}

// ExecutableName reduces an executable reference to the bare lower-case name
// used for blocklist comparison: surrounding quotes, any directory path (both
// separator kinds), and trailing executable extensions are stripped. The
// function is idempotent; "C:\Tools\rm.exe", rm, and "rm" all yield rm.
func ExecutableName(token string) string {
	name := token
	for len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			name = name[1 : len(name)-1]
			continue
		}
		break
	}

	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}

	name = strings.ToLower(name)
	for {
		stripped := false
		for _, ext := range execExtensions {
			if len(name) > len(ext) && strings.HasSuffix(name, ext) {
				name = name[:len(name)-len(ext)]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return name
}
