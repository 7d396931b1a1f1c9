package catalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"emberdb/internal/dberr"
	"emberdb/internal/types"
)

// save rewrites the manifest file atomically: write to a temp file in the
// same directory, then rename over the target, so a crash mid-write never
// leaves a torn manifest behind.
func (c *Catalog) save() error {
	var b strings.Builder
	fmt.Fprintf(&b, "DB %s\n", c.dbName)
	for _, name := range sortedKeys(c.tables) {
		th := c.tables[name]
		fmt.Fprintf(&b, "TABLE %s %d\n", th.Meta.Name, len(th.Meta.Columns))
		for _, col := range th.Meta.Columns {
			fmt.Fprintf(&b, "COL %s %s %d %d %t\n", col.Name, col.Kind, col.Length, col.Offset, col.Indexed)
		}
		for _, im := range th.Meta.Indexes {
			fmt.Fprintf(&b, "INDEX %s %s\n", im.Table, strings.Join(im.Columns, ","))
		}
	}

	tmp := c.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "writing manifest temp file")
	}
	if err := os.Rename(tmp, c.manifestPath()); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "renaming manifest into place")
	}
	return nil
}

func sortedKeys(m map[string]*TableHandle) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// loadManifest parses a manifest file written by save. A missing manifest
// is treated as a fresh, empty database named after its directory.
func loadManifest(path string) ([]TableMeta, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, filepath.Base(filepath.Dir(path)), nil
		}
		return nil, "", dberr.Wrap(dberr.UnixError, err, "opening manifest %s", path)
	}
	defer f.Close()

	var metas []TableMeta
	var dbName string
	var cur *TableMeta

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "DB":
			dbName = fields[1]
		case "TABLE":
			if cur != nil {
				metas = append(metas, *cur)
			}
			cur = &TableMeta{Name: fields[1]}
		case "COL":
			if cur == nil {
				continue
			}
			kind, err := types.ParseKind(fields[2])
			if err != nil {
				return nil, "", err
			}
			length, _ := strconv.Atoi(fields[3])
			offset, _ := strconv.Atoi(fields[4])
			indexed := fields[5] == "true"
			cur.Columns = append(cur.Columns, types.Column{
				Table: cur.Name, Name: fields[1], Kind: kind,
				Length: length, Offset: offset, Indexed: indexed,
			})
		case "INDEX":
			if cur == nil {
				continue
			}
			cols := strings.Split(fields[2], ",")
			cur.Indexes = append(cur.Indexes, IndexMeta{Table: fields[1], Columns: cols})
		}
	}
	if cur != nil {
		metas = append(metas, *cur)
	}
	if err := sc.Err(); err != nil {
		return nil, "", dberr.Wrap(dberr.UnixError, err, "scanning manifest %s", path)
	}
	return metas, dbName, nil
}
