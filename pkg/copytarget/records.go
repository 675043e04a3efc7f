package copytarget

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Limit is a size limit in bytes. A negative value means no limit and is
// serialized as "unknown".
type Limit int64

// Unknown marks an unset limit.
const Unknown Limit = -1

// MarshalYAML implements yaml.Marshaler.
func (l Limit) MarshalYAML() (any, error) {
	if l < 0 {
		return "unknown", nil
	}
	return int64(l), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *Limit) UnmarshalYAML(value *yaml.Node) error {
	if value.Value == "unknown" {
		*l = Unknown
		return nil
	}
	var v int64
	if err := value.Decode(&v); err != nil {
		return errors.Errorf("invalid size limit %q", value.Value)
	}
	*l = Limit(v)
	return nil
}

// ModuleRecord aggregates the files attributed to one module.
type ModuleRecord struct {
	Size      int64            `yaml:"moduleSize"`
	SizeLimit Limit            `yaml:"moduleSizeLimit"`
	NumFiles  int              `yaml:"numberOfFiles"`
	Files     map[string]int64 `yaml:"files"`
}

// Report is the size report document. Totals are kept consistent with the
// per-module records on every update.
type Report struct {
	TotalSize     int64                    `yaml:"totalFSSize"`
	TotalLimit    Limit                    `yaml:"totalFSSizeLimit"`
	TotalNumFiles int                      `yaml:"totalNumberOfFiles"`
	Modules       map[string]*ModuleRecord `yaml:"modules"`
}

// Records tracks the sizes of files installed into a filesystem, grouped by
// the module that owns them. Re-adding a destination replaces its previous
// record, so files rewritten by later manifests are not counted twice.
type Records struct {
	report Report
	owners map[string]string
}

// NewRecords returns an empty record set.
func NewRecords() *Records {
	return &Records{
		report: Report{
			TotalLimit: Unknown,
			Modules:    map[string]*ModuleRecord{},
		},
		owners: map[string]string{},
	}
}

// LoadRecords reads a size report written by an earlier build. A missing
// file yields an empty record set.
func LoadRecords(path string) (*Records, error) {
	records := NewRecords()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, errors.WithStack(err)
	}
	if err := yaml.Unmarshal(data, &records.report); err != nil {
		return nil, errors.Wrapf(err, "size report %q", path)
	}
	if records.report.Modules == nil {
		records.report.Modules = map[string]*ModuleRecord{}
	}
	for module, record := range records.report.Modules {
		for destination := range record.Files {
			records.owners[destination] = module
		}
	}
	return records, nil
}

// Add records a file installed for module. If destination was recorded
// before, for any module, the earlier record is dropped first.
func (r *Records) Add(module, destination string, size int64) {
	module = strings.ToLower(module)
	destination = normPath(destination)
	r.Remove(destination)

	record, exists := r.report.Modules[module]
	if !exists {
		record = &ModuleRecord{SizeLimit: Unknown, Files: map[string]int64{}}
		r.report.Modules[module] = record
	}
	record.Files[destination] = size
	record.Size += size
	record.NumFiles++
	r.report.TotalSize += size
	r.report.TotalNumFiles++
	r.owners[destination] = module
}

// Remove drops the record of destination, if any.
func (r *Records) Remove(destination string) {
	destination = normPath(destination)
	module, exists := r.owners[destination]
	if !exists {
		return
	}
	record := r.report.Modules[module]
	size := record.Files[destination]
	delete(record.Files, destination)
	record.Size -= size
	record.NumFiles--
	r.report.TotalSize -= size
	r.report.TotalNumFiles--
	delete(r.owners, destination)
}

// SetLimits stamps the total and per-module limits onto the report.
func (r *Records) SetLimits(total Limit, modules map[string]Limit) {
	r.report.TotalLimit = total
	for module, record := range r.report.Modules {
		record.SizeLimit = Unknown
		if limit, exists := modules[module]; exists {
			record.SizeLimit = limit
		}
	}
}

// Report returns the current report.
func (r *Records) Report() *Report {
	return &r.report
}

// TotalSize returns the total size of all recorded files.
func (r *Records) TotalSize() int64 {
	return r.report.TotalSize
}

// ModuleSize returns the total size of files attributed to module.
func (r *Records) ModuleSize(module string) int64 {
	record, exists := r.report.Modules[strings.ToLower(module)]
	if !exists {
		return 0
	}
	return record.Size
}

// Store writes the report to a YAML file atomically.
func (r *Records) Store(path string) error {
	data, err := yaml.Marshal(&r.report)
	if err != nil {
		return errors.WithStack(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "records-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}
