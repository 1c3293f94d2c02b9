// Package confpatch applies line-oriented edits to mail daemon configuration
// files. Every edit reads the whole file, changes it in memory and replaces it
// with a temp file rename, holding a per-file lock for the whole cycle.
package confpatch

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Sentinel errors returned by Patcher edits.
var (
	// ErrLineOutOfRange indicates a line number beyond the end of the file.
	ErrLineOutOfRange = errors.New("line out of range")

	// ErrUnterminatedBlock indicates a block opener without a matching close.
	ErrUnterminatedBlock = errors.New("unterminated block")
)

const defaultPerm fs.FileMode = 0o644

type missingMode int

const (
	mustExist missingMode = iota
	createMissing
	skipMissing
)

// Section bounds a region of a file. Start and End lines are part of the region.
type Section struct {
	Start *regexp.Regexp
	End   *regexp.Regexp
}

// Patcher edits configuration files. The zero value is not usable; use New.
type Patcher struct {
	mu    sync.Mutex
	files map[string]*sync.Mutex
}

// New creates a Patcher with an empty lock registry.
func New() *Patcher {
	return &Patcher{files: make(map[string]*sync.Mutex)}
}

// InsertAfter inserts content after the 1-based line number. Line 0 inserts
// at the top of the file.
func (p *Patcher) InsertAfter(path string, line int, content string) error {
	return p.edit(path, mustExist, func(lines []string) ([]string, error) {
		if line < 0 || line > len(lines) {
			return nil, fmt.Errorf("insert after line %d of %s: %w", line, path, ErrLineOutOfRange)
		}
		return slices.Insert(lines, line, splitLines([]byte(content))...), nil
	})
}

// ReplaceLine replaces the content of the 1-based line number.
func (p *Patcher) ReplaceLine(path string, line int, content string) error {
	return p.edit(path, mustExist, func(lines []string) ([]string, error) {
		if line < 1 || line > len(lines) {
			return nil, fmt.Errorf("replace line %d of %s: %w", line, path, ErrLineOutOfRange)
		}
		lines[line-1] = content
		return lines, nil
	})
}

// Comment prefixes the 1-based line with marker unless it already starts with it.
func (p *Patcher) Comment(path string, line int, marker string) error {
	return p.edit(path, mustExist, func(lines []string) ([]string, error) {
		if line < 1 || line > len(lines) {
			return nil, fmt.Errorf("comment line %d of %s: %w", line, path, ErrLineOutOfRange)
		}
		if !strings.HasPrefix(strings.TrimLeft(lines[line-1], " \t"), marker) {
			lines[line-1] = marker + lines[line-1]
		}
		return lines, nil
	})
}

// Uncomment removes a leading marker from the 1-based line, keeping indentation.
func (p *Patcher) Uncomment(path string, line int, marker string) error {
	return p.edit(path, mustExist, func(lines []string) ([]string, error) {
		if line < 1 || line > len(lines) {
			return nil, fmt.Errorf("uncomment line %d of %s: %w", line, path, ErrLineOutOfRange)
		}
		l := lines[line-1]
		trimmed := strings.TrimLeft(l, " \t")
		if strings.HasPrefix(trimmed, marker) {
			indent := l[:len(l)-len(trimmed)]
			lines[line-1] = indent + strings.TrimPrefix(trimmed, marker)
		}
		return lines, nil
	})
}

// ReplaceFirst replaces the first match of re in the file. repl may use
// $1-style references. It reports whether anything matched.
func (p *Patcher) ReplaceFirst(path string, re *regexp.Regexp, repl string) (bool, error) {
	var matched bool
	err := p.edit(path, mustExist, func(lines []string) ([]string, error) {
		for i, l := range lines {
			loc := re.FindStringSubmatchIndex(l)
			if loc == nil {
				continue
			}
			expanded := re.ExpandString(nil, repl, l, loc)
			lines[i] = l[:loc[0]] + string(expanded) + l[loc[1]:]
			matched = true
			break
		}
		return lines, nil
	})
	return matched, err
}

// ReplaceInSection replaces matches of re only on lines inside the innermost
// of the nested sections. It returns the number of lines changed.
func (p *Patcher) ReplaceInSection(path string, sections []Section, re *regexp.Regexp, repl string) (int, error) {
	var count int
	err := p.edit(path, mustExist, func(lines []string) ([]string, error) {
		depth := 0
		for i, l := range lines {
			entered := false
			if depth < len(sections) && sections[depth].Start.MatchString(l) {
				depth++
				entered = true
			}

			if depth == len(sections) && re.MatchString(l) {
				lines[i] = re.ReplaceAllString(l, repl)
				count++
			}

			// A range ends on a later line than it starts, as with sed addresses.
			if depth > 0 && !entered && sections[depth-1].End.MatchString(l) {
				depth--
			}
		}
		return lines, nil
	})
	return count, err
}

// Append adds content at the end of the file, creating it if missing.
func (p *Patcher) Append(path, content string) error {
	return p.edit(path, createMissing, func(lines []string) ([]string, error) {
		return append(lines, splitLines([]byte(content))...), nil
	})
}

// FilterLines drops every line for which drop returns true and reports how
// many were removed. A missing file is left missing.
func (p *Patcher) FilterLines(path string, drop func(line string) bool) (int, error) {
	var removed int
	err := p.edit(path, skipMissing, func(lines []string) ([]string, error) {
		kept := lines[:0:0]
		for _, l := range lines {
			if drop(l) {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		return kept, nil
	})
	return removed, err
}

// RemoveBlock deletes every block whose first line satisfies isOpener, up to
// and including the line that closes its braces. A missing file is left missing.
func (p *Patcher) RemoveBlock(path string, isOpener func(line string) bool) (int, error) {
	var removed int
	err := p.edit(path, skipMissing, func(lines []string) ([]string, error) {
		kept := lines[:0:0]
		for i := 0; i < len(lines); i++ {
			if !isOpener(lines[i]) {
				kept = append(kept, lines[i])
				continue
			}

			end, ok := closingLine(lines, i)
			if !ok {
				return nil, fmt.Errorf("block at line %d of %s: %w", i+1, path, ErrUnterminatedBlock)
			}
			removed++
			i = end
		}
		return kept, nil
	})
	return removed, err
}

// FindLine returns the 1-based number of the first line matching re, or 0
// when nothing matches.
func (p *Patcher) FindLine(path string, re *regexp.Regexp) (int, error) {
	unlock := p.lock(path)
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	for i, l := range splitLines(data) {
		if re.MatchString(l) {
			return i + 1, nil
		}
	}
	return 0, nil
}

// EditTable parses the file as a Table, applies fn and writes the result.
// The file is created if missing.
func (p *Patcher) EditTable(path string, fn func(t *Table) error) error {
	return p.edit(path, createMissing, func(lines []string) ([]string, error) {
		t := ParseTable(lines)
		if err := fn(t); err != nil {
			return nil, err
		}
		return t.Lines(), nil
	})
}

// PruneTable removes the entries of the table file matching match. A missing
// file is left missing.
func (p *Patcher) PruneTable(path string, match func(e Entry) bool) (int, error) {
	var removed int
	err := p.edit(path, skipMissing, func(lines []string) ([]string, error) {
		t := ParseTable(lines)
		removed = t.Remove(match)
		return t.Lines(), nil
	})
	return removed, err
}

func closingLine(lines []string, start int) (int, bool) {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, c := range lines[i] {
			switch c {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i, true
		}
	}
	return 0, false
}

func (p *Patcher) lock(path string) func() {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	p.mu.Lock()
	m, ok := p.files[key]
	if !ok {
		m = &sync.Mutex{}
		p.files[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (p *Patcher) edit(path string, mode missingMode, fn func(lines []string) ([]string, error)) error {
	unlock := p.lock(path)
	defer unlock()

	perm := defaultPerm
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if info, statErr := os.Stat(path); statErr == nil {
			perm = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist) && mode == createMissing:
	case errors.Is(err, fs.ErrNotExist) && mode == skipMissing:
		return nil
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	lines := splitLines(data)
	out, err := fn(slices.Clone(lines))
	if err != nil {
		return err
	}

	if data != nil && slices.Equal(lines, out) {
		return nil
	}

	return writeFile(path, out, perm)
}

// writeFile replaces path through a temp file in the same directory so a
// reader never sees a partially written file.
func writeFile(path string, lines []string, perm fs.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := f.Name()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("write %s: %w", path, err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", path, err)
	}

	return nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(data), "\n")
	return strings.Split(s, "\n")
}
