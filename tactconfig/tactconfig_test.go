package tactconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKeyValueBasic(t *testing.T) {
	text := `root = aabbccdd
encoding = 1111111111111111111111111111111111 2222222222222222222222222222222222
# not a real comment marker, but a key with no '=' is just skipped
malformed line with no equals
root = ffeeddcc
`
	values, err := ParseKeyValue(strings.NewReader(text))
	require.NoError(t, err)

	require.Equal(t, []string{"ffeeddcc"}, values["root"], "later duplicate key replaces earlier")
	require.Equal(t, []string{
		"1111111111111111111111111111111111",
		"2222222222222222222222222222222222",
	}, values["encoding"])
	_, hasMalformed := values["malformed line with no equals"]
	require.False(t, hasMalformed)
}

func TestParseKeyValueTrimsWhitespace(t *testing.T) {
	values, err := ParseKeyValue(strings.NewReader("  build-name   =   WOW-12345patch10.2.5  \n"))
	require.NoError(t, err)
	require.Equal(t, []string{"WOW-12345patch10.2.5"}, values["build-name"])
}

func TestParsePipeTableStripsHeaderTypes(t *testing.T) {
	text := "Name!STRING:0|Path!STRING:0|Hosts!STRING:0\n" +
		"us|wow|cdn1.example.com cdn2.example.com\n" +
		"eu|wow|cdn3.example.com\n"
	header, rows, err := ParsePipeTable(strings.NewReader(text))
	require.NoError(t, err)
	require.Equal(t, []string{"Name", "Path", "Hosts"}, header)
	require.Len(t, rows, 3) // header row included, matching original_source

	nameIdx := ColumnIndex(header, "Name")
	hostsIdx := ColumnIndex(header, "Hosts")
	for _, row := range rows {
		if row[nameIdx] == "eu" {
			require.Equal(t, "cdn3.example.com", row[hostsIdx])
		}
	}
}

func TestParseBuildInfoOptionalColumns(t *testing.T) {
	text := "Branch!STRING:0|Build Key!HEX:16|CDN Key!HEX:16|CDN Path!STRING:0|Version!STRING:0|Armadillo!STRING:0|Product!STRING:0|CDN Hosts!STRING:0\n" +
		"wow_retail|aaaa|bbbb|tpr/wow|10.2.5|none|wow|cdn1.example.com cdn2.example.com\n"
	rows, err := ParseBuildInfo(strings.NewReader(text))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	require.Equal(t, "wow_retail", row.Branch)
	require.Equal(t, "aaaa", row.BuildKey)
	require.Equal(t, "bbbb", row.CDNKey)
	require.Equal(t, "tpr/wow", row.CDNPath)
	require.Equal(t, "10.2.5", row.Version)
	require.Equal(t, "wow", row.Product)
	require.Empty(t, row.KeyRing, "KeyRing column absent from this header")
	require.Equal(t, []string{"cdn1.example.com", "cdn2.example.com"}, row.CDNHosts)
}

func TestParseBuildInfoEmpty(t *testing.T) {
	rows, err := ParseBuildInfo(strings.NewReader(""))
	require.NoError(t, err)
	require.Empty(t, rows)
}
