package confpatch

import "strings"

// Entry is one line of a whitespace separated table: a key followed by zero
// or more fields.
type Entry struct {
	Key    string
	Fields []string
}

// String renders the entry as a single space separated line.
func (e Entry) String() string {
	if len(e.Fields) == 0 {
		return e.Key
	}
	return e.Key + " " + strings.Join(e.Fields, " ")
}

type tableLine struct {
	raw   string
	entry *Entry
}

// Table is the parsed form of flat lookup files such as postfix maps and the
// opendkim key, signing and trusted host tables. Comments and blank lines are
// kept verbatim; untouched entries keep their original spacing.
type Table struct {
	lines []tableLine
}

// ParseTable parses lines into a Table.
func ParseTable(lines []string) *Table {
	t := &Table{lines: make([]tableLine, 0, len(lines))}
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			t.lines = append(t.lines, tableLine{raw: l})
			continue
		}
		t.lines = append(t.lines, tableLine{raw: l, entry: &Entry{Key: fields[0], Fields: fields[1:]}})
	}
	return t
}

// Get returns the first entry with the given key.
func (t *Table) Get(key string) (Entry, bool) {
	for _, l := range t.lines {
		if l.entry != nil && l.entry.Key == key {
			return *l.entry, true
		}
	}
	return Entry{}, false
}

// Set replaces the first entry with the given key, or appends one.
func (t *Table) Set(key string, fields ...string) {
	e := Entry{Key: key, Fields: fields}
	for i, l := range t.lines {
		if l.entry != nil && l.entry.Key == key {
			t.lines[i] = tableLine{raw: e.String(), entry: &e}
			return
		}
	}
	t.Add(key, fields...)
}

// Add appends an entry even if the key is already present.
func (t *Table) Add(key string, fields ...string) {
	e := Entry{Key: key, Fields: fields}
	t.lines = append(t.lines, tableLine{raw: e.String(), entry: &e})
}

// Remove drops every entry match accepts and returns how many were dropped.
func (t *Table) Remove(match func(e Entry) bool) int {
	kept := t.lines[:0:0]
	removed := 0
	for _, l := range t.lines {
		if l.entry != nil && match(*l.entry) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	t.lines = kept
	return removed
}

// Entries returns the table's entries in file order.
func (t *Table) Entries() []Entry {
	var entries []Entry
	for _, l := range t.lines {
		if l.entry != nil {
			entries = append(entries, *l.entry)
		}
	}
	return entries
}

// Lines renders the table back to file lines.
func (t *Table) Lines() []string {
	out := make([]string, 0, len(t.lines))
	for _, l := range t.lines {
		out = append(out, l.raw)
	}
	return out
}
