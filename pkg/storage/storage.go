// Package storage provides the on-disk layout of a disclosure control run
// and the binary serialization of its frequency tables.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hkanpak21/sdcstats/pkg/table"
)

// RunStore manages the directory of one run
type RunStore struct {
	ID       string
	BasePath string
}

// RunInfo is the metadata of a run
type RunInfo struct {
	ID      string    `json:"id"`
	Setup   string    `json:"setup"`
	Input   string    `json:"input"`
	Created time.Time `json:"created"`
	Tables  int       `json:"tables"`
}

// NewRunStore creates the directory of a new run under root. An empty id
// gets a fresh one.
func NewRunStore(root, id string) (*RunStore, error) {
	if id == "" {
		id = uuid.NewString()
	}
	basePath := filepath.Join(root, id)
	dirs := []string{
		basePath,
		filepath.Join(basePath, "tables"),
		filepath.Join(basePath, "output"),
		filepath.Join(basePath, "reports"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &RunStore{ID: id, BasePath: basePath}, nil
}

// OpenRunStore opens an existing run directory
func OpenRunStore(basePath string) (*RunStore, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("run store not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("run store path is not a directory")
	}
	return &RunStore{ID: filepath.Base(basePath), BasePath: basePath}, nil
}

// TablePath returns the path of the cells of table t
func (rs *RunStore) TablePath(t int) string {
	return filepath.Join(rs.BasePath, "tables", fmt.Sprintf("table_%d.bin", t))
}

// OutputPath returns the path of an output file of the run
func (rs *RunStore) OutputPath(name string) string {
	return filepath.Join(rs.BasePath, "output", name)
}

// ReportPath returns the path of a report file of the run
func (rs *RunStore) ReportPath(name string) string {
	return filepath.Join(rs.BasePath, "reports", name)
}

func (rs *RunStore) infoPath() string {
	return filepath.Join(rs.BasePath, "run.json")
}

// SaveInfo writes the run metadata
func (rs *RunStore) SaveInfo(info RunInfo) error {
	f, err := os.Create(rs.infoPath())
	if err != nil {
		return fmt.Errorf("failed to create run info: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

// LoadInfo reads the run metadata
func (rs *RunStore) LoadInfo() (RunInfo, error) {
	var info RunInfo
	data, err := os.ReadFile(rs.infoPath())
	if err != nil {
		return info, fmt.Errorf("failed to read run info: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to parse run info: %w", err)
	}
	return info, nil
}

// SaveTable saves the cells of table t
func (rs *RunStore) SaveTable(t int, tab *table.Table) error {
	return SaveTable(rs.TablePath(t), tab)
}

// LoadTable loads the cells of table t
func (rs *RunStore) LoadTable(t int) (*table.Table, error) {
	return LoadTable(rs.TablePath(t))
}

// SaveTable saves a table to a file
func SaveTable(path string, tab *table.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	defer f.Close()
	return WriteTable(f, tab)
}

// LoadTable loads a table from a file
func LoadTable(path string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table file: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

// tableHeader is the fixed part of a serialized table
type tableHeader struct {
	NDim         uint64
	Threshold    int64
	IsBIR        uint8
	WeightVar    int64
	BIRThreshold float64
	BHRThreshold float64
}

// WriteTable writes a table to a writer: a fixed header, one
// (var, codes, valid) triple per dimension, then the length-prefixed
// cell arrays, all little-endian
func WriteTable(w io.Writer, tab *table.Table) error {
	hdr := tableHeader{
		NDim:         uint64(tab.NDim()),
		Threshold:    tab.Threshold,
		WeightVar:    int64(tab.WeightVar),
		BIRThreshold: tab.BIRThreshold,
		BHRThreshold: tab.BHRThreshold,
	}
	if tab.IsBIR {
		hdr.IsBIR = 1
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("failed to write table header: %w", err)
	}
	for _, d := range tab.Dims() {
		dim := [3]int64{int64(d.Var), int64(d.NCodes), int64(d.NValid)}
		if err := binary.Write(w, binary.LittleEndian, dim); err != nil {
			return fmt.Errorf("failed to write dimension: %w", err)
		}
	}
	if err := writeSlice(w, tab.Cell); err != nil {
		return fmt.Errorf("failed to write cells: %w", err)
	}
	if tab.IsBIR {
		if err := writeSlice(w, tab.BIRCell); err != nil {
			return fmt.Errorf("failed to write BIR cells: %w", err)
		}
	}
	return nil
}

func writeSlice[T int64 | float64](w io.Writer, data []T) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(data))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

// ReadTable reads a table written by WriteTable
func ReadTable(r io.Reader) (*table.Table, error) {
	var hdr tableHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read table header: %w", err)
	}
	if hdr.NDim == 0 || hdr.NDim > table.MaxDim {
		return nil, fmt.Errorf("invalid table dimension count %d", hdr.NDim)
	}
	dims := make([]table.Dim, hdr.NDim)
	for d := range dims {
		var dim [3]int64
		if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
			return nil, fmt.Errorf("failed to read dimension: %w", err)
		}
		if dim[1] < 1 || dim[2] < 0 || dim[2] > dim[1] {
			return nil, fmt.Errorf("invalid dimension %d: %v", d, dim)
		}
		dims[d] = table.Dim{Var: int(dim[0]), NCodes: int(dim[1]), NValid: int(dim[2])}
	}

	tab := table.New(dims, hdr.Threshold, hdr.IsBIR == 1)
	tab.WeightVar = int(hdr.WeightVar)
	tab.BIRThreshold = hdr.BIRThreshold
	tab.BHRThreshold = hdr.BHRThreshold
	if err := readSlice(r, tab.Cell); err != nil {
		return nil, fmt.Errorf("failed to read cells: %w", err)
	}
	if tab.IsBIR {
		if err := readSlice(r, tab.BIRCell); err != nil {
			return nil, fmt.Errorf("failed to read BIR cells: %w", err)
		}
	}
	return tab, nil
}

func readSlice[T int64 | float64](r io.Reader, dst []T) error {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return fmt.Errorf("failed to read length: %w", err)
	}
	if length != uint64(len(dst)) {
		return fmt.Errorf("cell count %d does not match table size %d", length, len(dst))
	}
	return binary.Read(r, binary.LittleEndian, dst)
}

// TableIterator provides streaming access to the saved tables of a run
type TableIterator struct {
	store   *RunStore
	count   int
	current int
}

// NewTableIterator creates an iterator over the first count tables
func (rs *RunStore) NewTableIterator(count int) *TableIterator {
	return &TableIterator{store: rs, count: count}
}

// HasNext returns true if there are more tables
func (ti *TableIterator) HasNext() bool {
	return ti.current < ti.count
}

// Next loads and returns the next table with its index
func (ti *TableIterator) Next() (int, *table.Table, error) {
	if !ti.HasNext() {
		return 0, nil, fmt.Errorf("no more tables")
	}
	tab, err := ti.store.LoadTable(ti.current)
	if err != nil {
		return 0, nil, err
	}
	ti.current++
	return ti.current - 1, tab, nil
}

// Reset resets the iterator to the beginning
func (ti *TableIterator) Reset() {
	ti.current = 0
}
