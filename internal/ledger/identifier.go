package ledger

import (
	"fmt"
	"strings"
)

// Sentinel segments used when an input is unknown. Recomputing an
// identifier for an unchanged record always yields the same string, which
// is what lets the reconciliation engine detect drift by comparison.
const (
	sentinelPeriod = "000000"
	sentinelCode   = "00"
)

// GenerateLotID returns the external identifier of a lot:
// L<period>-<country_code>-<delivery_site_code>-<row_id>.
func GenerateLotID(l *Lot) string {
	return "L" + identifierTail(l.Period, l.CountryOfOrigin, l.DeliverySiteCode, l.ID)
}

// GenerateStockID returns the external identifier of a stock:
// S<period>-<country_code>-<depot_code>-<row_id>. The period is inherited
// from the ultimate originating lot, resolved by the caller (possibly
// through a transformation chain); zero means unknown.
func GenerateStockID(s *Stock, originPeriod int) string {
	return "S" + identifierTail(originPeriod, s.CountryOfOrigin, s.DepotCode, s.ID)
}

func identifierTail(period int, country, site string, rowID int64) string {
	p := sentinelPeriod
	if ValidPeriod(period) {
		p = fmt.Sprintf("%06d", period)
	}
	return fmt.Sprintf("%s-%s-%s-%d", p, codeSegment(country), codeSegment(site), rowID)
}

func codeSegment(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return sentinelCode
	}
	return code
}
