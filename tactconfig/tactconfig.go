// Package tactconfig parses the small set of text formats TACT
// sessions are bootstrapped from: build-config/cdn-config `key = v1 v2
// …` blobs, and the pipe-delimited tables (`.build.info`, patch-service
// `versions`/`cdns`, `.flavor.info`-adjacent build rows) used to
// discover a build in the first place.
//
// Grounded on original_source's Config.h (key=value), CDN.cpp's
// LoadCDNs (pipe table, header-prefix match, region-filtered row), and
// BuildInfo.h (pipe table with a `Name!TYPE:0`-shaped header row).
package tactconfig

import (
	"bufio"
	"io"
	"strings"
)

// ParseKeyValue parses "key = v1 v2 …" lines: whitespace is trimmed
// around the key and each value, and a later duplicate key replaces an
// earlier one. Used for both build-config and cdn-config.
func ParseKeyValue(r io.Reader) (map[string][]string, error) {
	values := make(map[string][]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		key, rawValue, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fields := strings.Fields(rawValue)
		values[key] = fields
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// ParsePipeTable parses a pipe-delimited table whose first non-comment,
// non-empty line is a header row shaped like `Name!STRING:0|Path!STRING:0|…`.
// It returns the header cells with their `!TYPE:N` suffix stripped, and
// every row (including the header row itself, matching
// original_source's TactConfigParser, which treats the header line as
// data too — callers filtering by a column value naturally skip it
// since no real row has the header's literal cell text).
func ParsePipeTable(r io.Reader) (header []string, rows [][]string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "##") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(lines) == 0 {
		return nil, nil, nil
	}

	rawHeader := strings.Split(lines[0], "|")
	header = make([]string, len(rawHeader))
	for i, cell := range rawHeader {
		if idx := strings.IndexByte(cell, '!'); idx >= 0 {
			header[i] = cell[:idx]
		} else {
			header[i] = cell
		}
	}

	rows = make([][]string, len(lines))
	for i, line := range lines {
		rows[i] = strings.Split(line, "|")
	}
	return header, rows, nil
}

// ColumnIndex returns the index of the first header cell whose name
// starts with prefix, or -1 if none matches. Mirrors the
// startsWith(headerTokens[i], term) scan in original_source's
// TactConfigParser::parse and BuildInfo's header-prefix lookups.
func ColumnIndex(header []string, prefix string) int {
	for i, h := range header {
		if strings.HasPrefix(h, prefix) {
			return i
		}
	}
	return -1
}

// BuildInfoRow is one data row of a parsed .build.info file.
type BuildInfoRow struct {
	Branch     string
	BuildKey   string
	CDNKey     string
	CDNPath    string
	Version    string
	Armadillo  string
	Product    string
	KeyRing    string
	CDNHosts   []string
}

// ParseBuildInfo parses a .build.info pipe table into rows, matching
// original_source's BuildInfo.h: KeyRing and CDN Hosts are optional
// columns, silently empty/nil when absent.
func ParseBuildInfo(r io.Reader) ([]BuildInfoRow, error) {
	header, rows, err := ParsePipeTable(r)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	branchIdx := ColumnIndex(header, "Branch")
	buildKeyIdx := ColumnIndex(header, "Build Key")
	cdnKeyIdx := ColumnIndex(header, "CDN Key")
	cdnPathIdx := ColumnIndex(header, "CDN Path")
	versionIdx := ColumnIndex(header, "Version")
	armadilloIdx := ColumnIndex(header, "Armadillo")
	productIdx := ColumnIndex(header, "Product")
	keyRingIdx := ColumnIndex(header, "KeyRing")
	cdnHostsIdx := ColumnIndex(header, "CDN Hosts")

	cell := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	var out []BuildInfoRow
	for _, row := range rows[1:] {
		rowOut := BuildInfoRow{
			Branch:    cell(row, branchIdx),
			BuildKey:  cell(row, buildKeyIdx),
			CDNKey:    cell(row, cdnKeyIdx),
			CDNPath:   cell(row, cdnPathIdx),
			Version:   cell(row, versionIdx),
			Armadillo: cell(row, armadilloIdx),
			Product:   cell(row, productIdx),
			KeyRing:   cell(row, keyRingIdx),
		}
		if hosts := cell(row, cdnHostsIdx); hosts != "" {
			rowOut.CDNHosts = strings.Fields(hosts)
		}
		out = append(out, rowOut)
	}
	return out, nil
}
