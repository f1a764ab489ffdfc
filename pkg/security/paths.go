package security

import (
	"path"
	"strings"

	"shellgate/pkg/policy"
)

// CheckWorkingDir decides whether dir may be used as a working directory
// under pol. Containment requires dir to equal an allowed path or to sit
// strictly below one: the prefix must be followed by a separator, so an
// allowed /data admits /data/sub but never /data2.
//
// Directories travel to remote shells inside a quoted change-directory
// prefix, so bytes that quoting cannot neutralize are rejected here as well:
// control characters in either style, plus the quote and %expansion%
// characters cmd.exe keeps live inside a double-quoted string.
//
// Normalization is pure string work in the given path style; no filesystem
// access, no symlink resolution. Callers resolve relative local paths before
// calling. Rejection reasons only ever echo the path the caller supplied.
func CheckWorkingDir(dir string, pol policy.Policy, style policy.PathStyle) Outcome {
	if !pol.Security.RestrictWorkingDirectory {
		return allowed()
	}
	if dir == "" {
		return rejected(StageWorkdir, "", "working directory is required when restriction is enabled")
	}
	if !quotableDir(dir, style) {
		return rejected(StageWorkdir, dir, "working directory %q contains characters that cannot be quoted safely", dir)
	}

	norm := normalizePath(dir, style)
	if !isAbsPath(norm, style) {
		return rejected(StageWorkdir, dir, "working directory %q is not absolute", dir)
	}

	for _, allowedPath := range pol.Security.AllowedPaths {
		base := normalizePath(allowedPath, style)
		if base == "" {
			continue
		}
		if norm == base {
			return allowed()
		}
		if base == "/" {
			return allowed()
		}
		if strings.HasPrefix(norm, base+"/") {
			return allowed()
		}
	}

	return rejected(StageWorkdir, dir, "working directory %q is outside the allowed paths", dir)
}

// quotableDir reports whether dir can ride inside a quoted change-directory
// prefix. POSIX quoting covers everything printable; cmd.exe has no quoting
// that neutralizes an embedded quote or %expansion%.
func quotableDir(dir string, style policy.PathStyle) bool {
	for i := 0; i < len(dir); i++ {
		if dir[i] < 0x20 {
			return false
		}
	}
	if style == policy.PathStyleWindows {
		return !strings.ContainsAny(dir, `"%`)
	}
	return true
}

// normalizePath produces the canonical comparison form for style. Windows
// paths fold case and separators so C:\Data and c:/data compare equal; POSIX
// paths keep case.
func normalizePath(p string, style policy.PathStyle) string {
	if style == policy.PathStyleWindows {
		p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
	}
	return path.Clean(p)
}

func isAbsPath(norm string, style policy.PathStyle) bool {
	if strings.HasPrefix(norm, "/") {
		return true
	}
	if style == policy.PathStyleWindows && len(norm) >= 2 && norm[1] == ':' && isDriveLetter(norm[0]) {
		// Drive-relative forms like c:tmp are not absolute.
		return len(norm) == 2 || norm[2] == '/'
	}
	return false
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
