package plan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Inventory lists which planned partitions of a category are already on disk.
type Inventory struct {
	Category Category
	Existing []string
	Missing  []string
}

// Total returns the number of planned partitions.
func (inv Inventory) Total() int {
	return len(inv.Existing) + len(inv.Missing)
}

// Take checks each planned destination for presence.
func Take(groups []Group) []Inventory {
	out := make([]Inventory, 0, len(groups))
	for _, g := range groups {
		inv := Inventory{Category: g.Category}
		for _, t := range g.Tasks {
			if _, err := os.Stat(t.Dest); err == nil {
				inv.Existing = append(inv.Existing, t.Dest)
			} else {
				inv.Missing = append(inv.Missing, t.Dest)
			}
		}
		out = append(out, inv)
	}
	return out
}

// Partitions returns the raw partition files present in dir, sorted by name.
func Partitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsPartition(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// WriteSummary prints the existing/missing table for an inventory.
func WriteSummary(w io.Writer, invs []Inventory) {
	header := fmt.Sprintf("%-20s %12s %12s %12s", "Module", "Existing", "Missing", "Total")
	sep := make([]byte, len(header))
	for i := range sep {
		sep[i] = '-'
	}

	fmt.Fprintln(w, string(sep))
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, string(sep))

	var existing, missing int
	for _, inv := range invs {
		existing += len(inv.Existing)
		missing += len(inv.Missing)
		fmt.Fprintf(w, "%-20s %12d %12d %12d\n", inv.Category.Name, len(inv.Existing), len(inv.Missing), inv.Total())
	}

	fmt.Fprintln(w, string(sep))
	fmt.Fprintf(w, "%-20s %12d %12d %12d\n", "TOTAL", existing, missing, existing+missing)
	fmt.Fprintln(w, string(sep))
}
