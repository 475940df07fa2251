package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rpcpool/tactgo/tactconfig"
	"github.com/rpcpool/tactgo/tacterr"
)

var patchServiceClient = &http.Client{Timeout: 15 * time.Second}

// ResolveCDNHosts fetches the patch service's `cdns` table for product
// and returns the product_dir and host list for the row whose Name
// matches region. A thin convenience for callers that don't already
// have a CDN host list from cdn-config (spec §6, §4.14) — not a full
// patch client; no retry policy beyond whatever the caller wraps this
// in.
func ResolveCDNHosts(ctx context.Context, region, product string) (productDir string, hosts []string, err error) {
	url := fmt.Sprintf("http://%s.patch.battle.net:1119/%s/cdns", region, product)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := patchServiceClient.Do(req)
	if err != nil {
		return "", nil, tacterr.Wrap(tacterr.KindHTTP, "session.ResolveCDNHosts", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, tacterr.New(tacterr.KindHTTP, "session.ResolveCDNHosts", fmt.Sprintf("patch service returned %d", resp.StatusCode))
	}

	header, rows, err := tactconfig.ParsePipeTable(resp.Body)
	if err != nil {
		return "", nil, err
	}
	nameIdx := tactconfig.ColumnIndex(header, "Name")
	pathIdx := tactconfig.ColumnIndex(header, "Path")
	hostsIdx := tactconfig.ColumnIndex(header, "Hosts")
	if nameIdx < 0 || pathIdx < 0 || hostsIdx < 0 {
		return "", nil, tacterr.New(tacterr.KindBadFormat, "session.ResolveCDNHosts", "cdns table missing Name/Path/Hosts columns")
	}

	for _, row := range rows[1:] {
		if nameIdx >= len(row) || row[nameIdx] != region {
			continue
		}
		productDir = row[pathIdx]
		if hostsIdx < len(row) {
			hosts = strings.Fields(row[hostsIdx])
		}
		return productDir, hosts, nil
	}
	return "", nil, tacterr.New(tacterr.KindNotFound, "session.ResolveCDNHosts", fmt.Sprintf("no cdns row for region %q", region))
}
