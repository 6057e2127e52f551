package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/dmitrijs2005/petsync/internal/client/models"
	"golang.org/x/term"
)

var validOutputs = []string{"auto", "text", "json"}

func isValidOutput(s string) bool {
	return slices.Contains(validOutputs, s)
}

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// formatter prints results as text for people and as JSON lines for
// programs. "auto" picks text when w is a terminal.
type formatter struct {
	w    io.Writer
	json bool
}

func newFormatter(w io.Writer, output string) *formatter {
	f := &formatter{w: w}
	switch output {
	case "json":
		f.json = true
	case "auto":
		file, ok := w.(*os.File)
		f.json = !ok || !isTerminal(int(file.Fd()))
	}
	return f
}

// emit writes v as one JSON line, or calls text otherwise.
func (f *formatter) emit(v any, text func(w io.Writer)) error {
	if f.json {
		return json.NewEncoder(f.w).Encode(v)
	}
	text(f.w)
	return nil
}

type recordView struct {
	Entity     string            `json:"entity"`
	Fields     map[string]any    `json:"fields"`
	Timestamps map[string]int64  `json:"timestamps,omitempty"`
	Writers    map[string]string `json:"writers,omitempty"`
	Paths      []string          `json:"changed,omitempty"`
}

func newRecordView(key models.EntityKey, r *models.VersionedRecord, paths []string) recordView {
	return recordView{
		Entity:     key.String(),
		Fields:     r.Fields,
		Timestamps: r.FieldTimestamps,
		Writers:    r.FieldWriters,
		Paths:      paths,
	}
}

func (v recordView) text(w io.Writer) {
	fmt.Fprintln(w, v.Entity)
	for _, name := range models.SortedKeys(v.Fields) {
		ts := v.Timestamps[name]
		if ts == 0 {
			fmt.Fprintf(w, "  %s = %v (pending)\n", name, v.Fields[name])
			continue
		}
		fmt.Fprintf(w, "  %s = %v (ts %d by %s)\n", name, v.Fields[name], ts, v.Writers[name])
	}
}

type mutationView struct {
	ID      string         `json:"id"`
	Seq     int64          `json:"seq"`
	Entity  string         `json:"entity"`
	Status  string         `json:"status"`
	Patch   map[string]any `json:"patch"`
	Dropped []string       `json:"dropped,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

func newMutationView(m *models.Mutation) mutationView {
	return mutationView{
		ID:      m.ID,
		Seq:     m.LocalSeq,
		Entity:  m.Entity.String(),
		Status:  string(m.Status),
		Patch:   m.EffectivePatch(),
		Dropped: m.Dropped,
		Reason:  m.Reason,
	}
}

func (v mutationView) text(w io.Writer) {
	fmt.Fprintf(w, "#%d %s %-9s %s %v", v.Seq, v.ID, v.Status, v.Entity, v.Patch)
	if v.Reason != "" {
		fmt.Fprintf(w, " (%s)", v.Reason)
	}
	fmt.Fprintln(w)
}
