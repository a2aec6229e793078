// Package ledger implements the locked, atomic CSV candidate store: one
// row per algorithm variant, guarded by a sibling lock file so
// concurrent workers never interleave reads and writes.
package ledger

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoPending is returned by ClaimNextPending when no row qualifies
// under the pending predicate.
var ErrNoPending = errors.New("no pending candidate")

// ErrNotFound is returned when an operation targets an id absent from
// the ledger.
var ErrNotFound = errors.New("candidate not found")

// Candidate is one row of the ledger.
type Candidate struct {
	ID          string
	BasedOnID   string
	Description string
	Performance string // kept as the raw textual field; parse on demand
	Status      string
	IdeaLLM     string
	RunLLM      string
	Extra       map[string]string // any columns beyond the known set
}

func candidateFromRow(columns []string, row map[string]string) Candidate {
	c := Candidate{
		ID:          row[ColID],
		BasedOnID:   row[ColBasedOn],
		Description: row[ColDescription],
		Performance: row[ColPerformance],
		Status:      row[ColStatus],
		IdeaLLM:     row[ColIdeaLLM],
		RunLLM:      row[ColRunLLM],
	}
	for _, col := range columns {
		switch col {
		case ColID, ColBasedOn, ColDescription, ColPerformance, ColStatus, ColIdeaLLM, ColRunLLM:
			continue
		}
		if c.Extra == nil {
			c.Extra = map[string]string{}
		}
		c.Extra[col] = row[col]
	}
	return c
}

func (c Candidate) toRow() map[string]string {
	row := map[string]string{
		ColID:          c.ID,
		ColBasedOn:     c.BasedOnID,
		ColDescription: c.Description,
		ColPerformance: c.Performance,
		ColStatus:      c.Status,
		ColIdeaLLM:     c.IdeaLLM,
		ColRunLLM:      c.RunLLM,
	}
	for k, v := range c.Extra {
		row[k] = v
	}
	return row
}

// ParsedPerformance parses Performance as a float64.
func (c Candidate) ParsedPerformance() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(c.Performance), 64)
}

// Stats summarizes ledger row counts by status.
type Stats struct {
	Total    int
	Pending  int
	Running  int
	Complete int
	Failed   int
}

// Logger is the minimal interface ledger needs for warning about
// duplicate-id fanout, satisfied by *evolog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Ledger is a handle on one evolution.csv file and its sibling lock file.
type Ledger struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         Logger
}

// New creates a Ledger for the CSV file at path. lockTimeout is how long
// mutating operations will busy-wait for the sibling lock file before
// failing with ErrLockTimeout.
func New(path string, lockTimeout time.Duration) *Ledger {
	return &Ledger{
		path:        path,
		lockPath:    filepath.Join(filepath.Dir(path), ".evolution.csv.lock"),
		lockTimeout: lockTimeout,
	}
}

// SetLogger attaches a logger used for non-fatal warnings (e.g. a
// set_status call matching more than one row).
func (l *Ledger) SetLogger(log Logger) { l.log = log }

func (l *Ledger) warn(format string, args ...any) {
	if l.log != nil {
		l.log.Warn(format, args...)
	}
}

// transact acquires the lock, reads the current table, runs fn, and
// writes the result back if fn returned a non-nil table. This is the
// single synchronization point every public method routes through.
func (l *Ledger) transact(fn func(t *table) (*table, error)) error {
	lock, err := acquireLock(l.lockPath, l.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	t, err := l.readTable()
	if err != nil {
		return err
	}
	updated, err := fn(t)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return l.writeTable(updated)
}

var statusWhitespace = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")

// normalizeStatus collapses embedded CR/LF/TAB and excess whitespace and
// lower-cases the result, so a status field mangled by a stray newline
// still compares equal to its clean form.
func normalizeStatus(s string) string {
	s = statusWhitespace.Replace(s)
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return strings.ToLower(strings.TrimSpace(s))
}

var failedRetryRE = regexp.MustCompile(`^failed-retry\d+$`)

// isPending reports whether a status counts as claimable: empty,
// "pending", a "pending "-prefixed corruption shim, or a
// "failed-retryN" row. Crucially, "running" is never pending - see
// DESIGN.md decision #1.
func isPending(rawStatus string) bool {
	n := normalizeStatus(rawStatus)
	if n == "" || n == "pending" || strings.HasPrefix(n, "pending ") {
		return true
	}
	return strings.HasPrefix(n, "failed-retry")
}

var knownStatuses = map[string]bool{
	"pending":                true,
	"running":                true,
	"complete":               true,
	"failed":                 true,
	"failed-ai-retry":        true,
	"failed-parent-missing":  true,
	"failed-validation":      true,
	"skipped":                true,
}

func isKnownStatus(norm string) bool {
	if norm == "" || knownStatuses[norm] {
		return true
	}
	return failedRetryRE.MatchString(norm)
}

var genPrefixRE = regexp.MustCompile(`^gen(\d+)-`)

// parseGeneration extracts the GG generation number from a genGG-NNN id.
func parseGeneration(id string) (int, bool) {
	m := genPrefixRE.FindStringSubmatch(id)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ClaimNextPending atomically selects the *last* pending row (reverse
// scan, freshest first), marks it running, and returns its id and prior
// status. Returns ErrNoPending if nothing qualifies.
func (l *Ledger) ClaimNextPending() (id string, priorStatus string, err error) {
	err = l.transact(func(t *table) (*table, error) {
		for i := len(t.rows) - 1; i >= 0; i-- {
			row := t.rows[i]
			if isPending(row[ColStatus]) {
				id = row[ColID]
				priorStatus = row[ColStatus]
				row[ColStatus] = "running"
				return t, nil
			}
		}
		return nil, ErrNoPending
	})
	return id, priorStatus, err
}

// ListPending returns every candidate currently qualifying under the
// pending predicate.
func (l *Ledger) ListPending() ([]Candidate, error) {
	var out []Candidate
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			if isPending(row[ColStatus]) {
				out = append(out, candidateFromRow(t.columns, row))
			}
		}
		return nil, nil
	})
	return out, err
}

// SetStatus updates the status field of every row matching id; it warns
// if more than one row matches.
func (l *Ledger) SetStatus(id, status string) error {
	return l.transact(func(t *table) (*table, error) {
		matches := 0
		for _, row := range t.rows {
			if cleanID(row[ColID]) == cleanID(id) {
				row[ColStatus] = status
				matches++
			}
		}
		if matches == 0 {
			return nil, ErrNotFound
		}
		if matches > 1 {
			l.warn("set_status(%s): matched %d rows", id, matches)
		}
		return t, nil
	})
}

// SetPerformance updates the performance field of every row matching id.
func (l *Ledger) SetPerformance(id string, perf float64) error {
	v := strconv.FormatFloat(perf, 'f', -1, 64)
	return l.transact(func(t *table) (*table, error) {
		matches := 0
		for _, row := range t.rows {
			if cleanID(row[ColID]) == cleanID(id) {
				row[ColPerformance] = v
				matches++
			}
		}
		if matches == 0 {
			return nil, ErrNotFound
		}
		if matches > 1 {
			l.warn("set_performance(%s): matched %d rows", id, matches)
		}
		return t, nil
	})
}

// SetField sets an arbitrary (possibly new) column's value for every row
// matching id, adding the column (and padding all rows) if it doesn't
// already exist.
func (l *Ledger) SetField(id, name, value string) error {
	return l.transact(func(t *table) (*table, error) {
		t.ensureColumn(name)
		matches := 0
		for _, row := range t.rows {
			if cleanID(row[ColID]) == cleanID(id) {
				row[name] = value
				matches++
			}
		}
		if matches == 0 {
			return nil, ErrNotFound
		}
		return t, nil
	})
}

// Append adds candidates as new rows, ensuring the header (and any extra
// columns they introduce) exists. Returns the number of rows appended.
func (l *Ledger) Append(candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	err := l.transact(func(t *table) (*table, error) {
		for _, c := range candidates {
			for col := range c.Extra {
				t.ensureColumn(col)
			}
			t.rows = append(t.rows, c.toRow())
		}
		return t, nil
	})
	if err != nil {
		return 0, err
	}
	return len(candidates), nil
}

// Delete removes every row matching id.
func (l *Ledger) Delete(id string) error {
	return l.transact(func(t *table) (*table, error) {
		kept := t.rows[:0]
		for _, row := range t.rows {
			if cleanID(row[ColID]) != cleanID(id) {
				kept = append(kept, row)
			}
		}
		t.rows = kept
		return t, nil
	})
}

// RemoveDuplicates keeps the first occurrence of each id and drops later
// ones, returning the number removed.
func (l *Ledger) RemoveDuplicates() (int, error) {
	removed := 0
	err := l.transact(func(t *table) (*table, error) {
		seen := make(map[string]bool, len(t.rows))
		kept := t.rows[:0]
		for _, row := range t.rows {
			id := cleanID(row[ColID])
			if seen[id] {
				removed++
				continue
			}
			seen[id] = true
			kept = append(kept, row)
		}
		t.rows = kept
		if removed == 0 {
			return nil, nil
		}
		return t, nil
	})
	return removed, err
}

// ResetStuck converts every "running" row, and every row whose status is
// unrecognized garbage, back to "pending". The caller must ensure no
// workers are currently active.
func (l *Ledger) ResetStuck() (int, error) {
	reset := 0
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			norm := normalizeStatus(row[ColStatus])
			if norm == "running" || (!isPending(row[ColStatus]) && !isKnownStatus(norm)) {
				row[ColStatus] = "pending"
				reset++
			}
		}
		if reset == 0 {
			return nil, nil
		}
		return t, nil
	})
	return reset, err
}

// CleanupCorruptedStatus rewrites statuses of the form "<valid> <garbage>"
// down to "<valid>", returning the number of rows fixed.
func (l *Ledger) CleanupCorruptedStatus() (int, error) {
	fixed := 0
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			norm := normalizeStatus(row[ColStatus])
			if norm == row[ColStatus] || !strings.Contains(norm, " ") {
				continue
			}
			first := strings.Fields(norm)[0]
			if isKnownStatus(first) {
				row[ColStatus] = first
				fixed++
			}
		}
		if fixed == 0 {
			return nil, nil
		}
		return t, nil
	})
	return fixed, err
}

// Stats returns row counts using the same pending predicate workers use.
func (l *Ledger) Stats() (Stats, error) {
	var s Stats
	err := l.transact(func(t *table) (*table, error) {
		s.Total = len(t.rows)
		for _, row := range t.rows {
			status := row[ColStatus]
			norm := normalizeStatus(status)
			switch {
			case isPending(status):
				s.Pending++
			case norm == "running":
				s.Running++
			case norm == "complete":
				s.Complete++
			case strings.HasPrefix(norm, "failed"):
				s.Failed++
			}
		}
		return nil, nil
	})
	return s, err
}

// StatsPerGeneration returns Stats grouped by the genGG prefix of each id.
func (l *Ledger) StatsPerGeneration() (map[int]Stats, error) {
	out := make(map[int]Stats)
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			gen, ok := parseGeneration(cleanID(row[ColID]))
			if !ok {
				continue
			}
			s := out[gen]
			s.Total++
			status := row[ColStatus]
			norm := normalizeStatus(status)
			switch {
			case isPending(status):
				s.Pending++
			case norm == "running":
				s.Running++
			case norm == "complete":
				s.Complete++
			case strings.HasPrefix(norm, "failed"):
				s.Failed++
			}
			out[gen] = s
		}
		return nil, nil
	})
	return out, err
}

// TopPerformers returns up to n "complete" rows sorted by descending
// performance. When withNovel is true, it additionally includes every
// complete row from the two highest generations present (even beyond n),
// so Ideation always has recent context regardless of absolute score.
func (l *Ledger) TopPerformers(n int, withNovel bool) ([]Candidate, error) {
	var result []Candidate
	err := l.transact(func(t *table) (*table, error) {
		type scored struct {
			c    Candidate
			perf float64
		}
		var completes []scored
		maxGen, secondGen := -1, -1
		for _, row := range t.rows {
			if normalizeStatus(row[ColStatus]) != "complete" {
				continue
			}
			c := candidateFromRow(t.columns, row)
			perf, err := c.ParsedPerformance()
			if err != nil {
				continue
			}
			completes = append(completes, scored{c: c, perf: perf})
			if gen, ok := parseGeneration(cleanID(c.ID)); ok {
				if gen > maxGen {
					secondGen = maxGen
					maxGen = gen
				} else if gen > secondGen && gen != maxGen {
					secondGen = gen
				}
			}
		}
		sort.SliceStable(completes, func(i, j int) bool { return completes[i].perf > completes[j].perf })

		seen := make(map[string]bool)
		add := func(c Candidate) {
			if seen[c.ID] {
				return
			}
			seen[c.ID] = true
			result = append(result, c)
		}
		for i, sc := range completes {
			if i >= n {
				break
			}
			add(sc.c)
		}
		if withNovel {
			for _, sc := range completes {
				if gen, ok := parseGeneration(cleanID(sc.c.ID)); ok && (gen == maxGen || gen == secondGen) {
					add(sc.c)
				}
			}
		}
		return nil, nil
	})
	return result, err
}

// CandidatesByGeneration returns every row whose id has the genGG prefix
// for gen, in file order. Used by pkg/metalearn to analyze one
// generation's outcomes.
func (l *Ledger) CandidatesByGeneration(gen int) ([]Candidate, error) {
	var out []Candidate
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			if g, ok := parseGeneration(cleanID(row[ColID])); ok && g == gen {
				out = append(out, candidateFromRow(t.columns, row))
			}
		}
		return nil, nil
	})
	return out, err
}

// GetCandidateInfo returns the first row matching id, or ErrNotFound.
func (l *Ledger) GetCandidateInfo(id string) (Candidate, error) {
	var found Candidate
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			if cleanID(row[ColID]) == cleanID(id) {
				found = candidateFromRow(t.columns, row)
				return nil, nil
			}
		}
		return nil, ErrNotFound
	})
	return found, err
}

// HighestGeneration returns the highest genGG prefix present, or 0 if none.
func (l *Ledger) HighestGeneration() (int, error) {
	highest := 0
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			if gen, ok := parseGeneration(cleanID(row[ColID])); ok && gen > highest {
				highest = gen
			}
		}
		return nil, nil
	})
	return highest, err
}

// AllDescriptions returns every non-empty description in the ledger.
func (l *Ledger) AllDescriptions() ([]string, error) {
	var out []string
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			if d := row[ColDescription]; d != "" {
				out = append(out, d)
			}
		}
		return nil, nil
	})
	return out, err
}

// NextIDs returns k fresh "genGG-NNN" ids for generation gen that
// conflict with neither the ledger nor the claimed slice.
func (l *Ledger) NextIDs(gen int, k int, claimed []string) ([]string, error) {
	var out []string
	err := l.transact(func(t *table) (*table, error) {
		existing := make(map[string]bool, len(t.rows))
		for _, row := range t.rows {
			existing[cleanID(row[ColID])] = true
		}
		claimedSet := make(map[string]bool, len(claimed))
		for _, c := range claimed {
			claimedSet[cleanID(c)] = true
		}
		n := 1
		for len(out) < k {
			id := fmt.Sprintf("gen%02d-%03d", gen, n)
			if !existing[id] && !claimedSet[id] {
				out = append(out, id)
			}
			n++
			if n > 100000 {
				return nil, fmt.Errorf("exhausted id space for generation %d", gen)
			}
		}
		return nil, nil
	})
	return out, err
}

// EnsureBaseline appends a pending "baseline-000" row if no row with that
// id already exists, returning whether it was added.
func (l *Ledger) EnsureBaseline() (bool, error) {
	added := false
	err := l.transact(func(t *table) (*table, error) {
		for _, row := range t.rows {
			if cleanID(row[ColID]) == "baseline-000" {
				return nil, nil
			}
		}
		t.rows = append(t.rows, Candidate{
			ID:     "baseline-000",
			Status: "pending",
		}.toRow())
		added = true
		return t, nil
	})
	return added, err
}

// ReadRawCSV returns the ledger file's current encoded bytes, taken
// under the same lock as every other operation so the snapshot is
// consistent. Used by pkg/ideation to seed a scratch copy the model
// edits directly.
func (l *Ledger) ReadRawCSV() ([]byte, error) {
	var data []byte
	err := l.transact(func(t *table) (*table, error) {
		encoded, err := t.encode()
		if err != nil {
			return nil, err
		}
		data = encoded
		return nil, nil
	})
	return data, err
}
