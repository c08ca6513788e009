package plan

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultReportPath is the report server path of the regularization extract.
const DefaultReportPath = "%2FAGV_PTP%2FRPT_INMIGRA_PTP_REGUL_CCM"

// ConsolidatedPrefix prefixes the name of every consolidated dataset.
const ConsolidatedPrefix = "consolidado_total_"

// Category is a report category: the folder name used on disk and the numeric
// id the report server expects.
type Category struct {
	Name string `yaml:"name" validate:"required,alphanum"`
	ID   int    `yaml:"id" validate:"gt=0"`
}

// Dimensions identifies one partition of a report.
type Dimensions struct {
	Category Category
	Year     int
	Status   string
}

// Key returns the identity of the partition within a planning pass.
func (d Dimensions) Key() string {
	return fmt.Sprintf("%s/%d_%s", d.Category.Name, d.Year, d.Status)
}

// Task is a single download unit.
type Task struct {
	URL        string
	Dest       string
	Dimensions Dimensions
}

// Group holds the tasks planned for one category.
type Group struct {
	Category Category
	Dir      string
	Tasks    []Task
}

// ConsolidatedPath returns where the category's consolidated dataset lives.
func (g Group) ConsolidatedPath() string {
	return ConsolidatedPath(g.Dir, g.Category)
}

// Options configures planning.
type Options struct {
	// BaseURL is the report server endpoint, e.g. http://host/ReportServer.
	BaseURL string

	// ReportPath is the already-escaped report path placed first in the query.
	ReportPath string

	// Format is the rendering format requested from the server.
	// Default: CSV
	Format string

	// Root is the directory holding one folder per category.
	Root string

	Categories []Category
	Years      []int
	Statuses   []string
}

// DefaultCategories returns the categories processed when none are configured.
func DefaultCategories() []Category {
	return []Category{
		{Name: "CCM", ID: 58},
		{Name: "PRR", ID: 57},
	}
}

// DefaultYears returns the report years, newest first.
func DefaultYears() []int {
	return []int{2025, 2024, 2023, 2022, 2021, 2020, 2019, 2018}
}

// DefaultStatuses returns the case status codes.
func DefaultStatuses() []string {
	return []string{"A", "P", "B", "R", "D", "E", "N"}
}

// DefaultOptions returns options matching the production report layout.
func DefaultOptions() Options {
	return Options{
		BaseURL:    "http://172.27.230.27/ReportServer",
		ReportPath: DefaultReportPath,
		Format:     "CSV",
		Root:       "descargas",
		Categories: DefaultCategories(),
		Years:      DefaultYears(),
		Statuses:   DefaultStatuses(),
	}
}

// Plan produces the tasks for every category, in category order. Within a
// category years form the outer loop and statuses the inner one. Repeated
// categories, years or statuses are planned once.
func Plan(opts Options) []Group {
	if opts.Format == "" {
		opts.Format = "CSV"
	}

	years := uniqueInts(opts.Years)
	statuses := uniqueStrings(opts.Statuses)

	seen := make(map[string]bool)
	var groups []Group
	for _, cat := range opts.Categories {
		if seen[cat.Name] {
			continue
		}
		seen[cat.Name] = true

		dir := filepath.Join(opts.Root, cat.Name)
		g := Group{
			Category: cat,
			Dir:      dir,
			Tasks:    make([]Task, 0, len(years)*len(statuses)),
		}
		for _, year := range years {
			for _, status := range statuses {
				dims := Dimensions{Category: cat, Year: year, Status: status}
				g.Tasks = append(g.Tasks, Task{
					URL:        URL(opts, dims),
					Dest:       filepath.Join(dir, PartitionName(year, status)),
					Dimensions: dims,
				})
			}
		}
		groups = append(groups, g)
	}
	return groups
}

// Tasks flattens groups into a single task list, preserving order.
func Tasks(groups []Group) []Task {
	var n int
	for _, g := range groups {
		n += len(g.Tasks)
	}
	out := make([]Task, 0, n)
	for _, g := range groups {
		out = append(out, g.Tasks...)
	}
	return out
}

// URL renders the report server request for one partition.
func URL(opts Options, d Dimensions) string {
	format := opts.Format
	if format == "" {
		format = "CSV"
	}
	return fmt.Sprintf("%s?%s&nidtipoTramite=%d&anio=%d&EstadoTramite=%s&rs:Format=%s",
		strings.TrimRight(opts.BaseURL, "?"), opts.ReportPath, d.Category.ID, d.Year, d.Status, format)
}

// PartitionName is the file name of one downloaded partition.
func PartitionName(year int, status string) string {
	return fmt.Sprintf("%d_%s.csv", year, status)
}

// ConsolidatedPath returns the consolidated dataset path inside dir.
func ConsolidatedPath(dir string, cat Category) string {
	return filepath.Join(dir, ConsolidatedPrefix+cat.Name+".csv")
}

// IsPartition reports whether a file name looks like a raw partition rather
// than a consolidated dataset or an in-flight artifact.
func IsPartition(name string) bool {
	if !strings.HasSuffix(name, ".csv") {
		return false
	}
	return !strings.HasPrefix(name, ConsolidatedPrefix)
}

// Select filters categories by name. An empty selection keeps everything.
func Select(cats []Category, names []string) []Category {
	if len(names) == 0 {
		return cats
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToUpper(strings.TrimSpace(n))] = true
	}
	var out []Category
	for _, c := range cats {
		if want[strings.ToUpper(c.Name)] {
			out = append(out, c)
		}
	}
	return out
}

func uniqueInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
