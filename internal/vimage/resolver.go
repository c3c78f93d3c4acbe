package vimage

import (
	"strings"

	"golang.org/x/xerrors"
)

// resolved is the outcome of walking a path: exactly one of Dir, File, or
// Symlink is set.
type resolved struct {
	Dir     *directory
	File    *child
	Symlink *child
}

// splitPath tokenizes an absolute, slash-separated path into non-empty
// components, rejecting "." and ".." (spec.md §4.4: canonicalization of
// those is only ever performed internally while resolving a symlink
// target, never accepted verbatim from a caller).
func splitPath(op, path string) ([]string, error) {
	if len(path) > maxPathLen {
		return nil, errf(NameTooLong, op, path, nil)
	}
	var tokens []string
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if part == "." || part == ".." {
			return nil, errf(InvalidArgument, op, path, xerrors.New("path contains '.' or '..'"))
		}
		if len(part) > maxNameLen {
			return nil, errf(NameTooLong, op, path, nil)
		}
		tokens = append(tokens, part)
	}
	return tokens, nil
}

// canonicalize resolves "." and ".." segments and collapses repeated
// slashes, used only when splicing a symlink target into the path being
// walked (spec.md §4.4 Walk, "Symlink" branch).
func canonicalize(path string) []string {
	var stack []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, part)
		}
	}
	return stack
}

// walk implements spec.md §4.4's path resolution algorithm. followFinal
// controls whether a symlink named by the LAST token is itself followed
// (true for path_stat/file_open/directory_open) or returned as the
// terminal Symlink result (false for symlink_open, which must see the
// link itself without chasing it).
func walk(img *Image, op, path string, followFinal bool) (*resolved, error) {
	tokens, err := splitPath(op, path)
	if err != nil {
		return nil, err
	}
	return walkTokens(img, op, tokens, followFinal, 0)
}

func walkTokens(img *Image, op string, tokens []string, followFinal bool, redirections int) (*resolved, error) {
	dir := img.root
	if len(tokens) == 0 {
		return &resolved{Dir: dir}, nil
	}

	for i, tok := range tokens {
		last := i == len(tokens)-1

		c, err := dir.findChild(tok)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errf(NoSuchEntry, op, tok, nil)
		}

		switch c.kind {
		case descDir:
			sub, err := dir.openSubdir(c)
			if err != nil {
				return nil, err
			}
			if last {
				return &resolved{Dir: sub}, nil
			}
			dir = sub

		case descFile:
			if !last {
				return nil, errf(NotADirectory, op, tok, nil)
			}
			return &resolved{File: c}, nil

		case descSymlink:
			if last && !followFinal {
				return &resolved{Symlink: c}, nil
			}
			redirections++
			if redirections > maxSymlinks {
				return nil, errf(TooManyLinks, op, tok, nil)
			}
			prefix := tokens[:i]
			rest := tokens[i+1:]
			var combined strings.Builder
			for _, p := range prefix {
				combined.WriteByte('/')
				combined.WriteString(p)
			}
			combined.WriteByte('/')
			combined.WriteString(c.target)
			for _, p := range rest {
				combined.WriteByte('/')
				combined.WriteString(p)
			}
			newTokens := canonicalize(combined.String())
			return walkTokens(img, op, newTokens, followFinal, redirections)

		default:
			return nil, errf(IOIntegrity, op, tok, xerrors.New("unknown descriptor kind"))
		}
	}
	return &resolved{Dir: dir}, nil
}
