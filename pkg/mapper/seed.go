package mapper

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// ImportPriority is assigned to rows read by ParseImport.
const ImportPriority = 10

var seedRows = []struct {
	pattern string
	app     string
	prio    int
}{
	{"NBU 2P2", "Milliy 2.0", 10},
	{"NBU P2P HUMO UZCARD", "Milliy 2.0", 10},
	{"NBU P2P HUMOHUMO", "Milliy 2.0", 10},
	{"NBU P2P UZCARD HUMO", "Milliy 2.0", 10},
	{"NBU P2P", "Milliy 2.0", 5},
	{"NBU ONLINE", "Milliy 2.0", 5},
	{"MILLIY", "Milliy 2.0", 3},

	{"PSP P2P AKSIYA", "MyUztelecom", 10},
	{"PSP P2P HUMO2UZCARD", "MyUztelecom", 10},
	{"MYUZTELECOM", "MyUztelecom", 5},

	{"UPAY P2P", "Humans", 10},
	{"UPAY HUMO2UZCARD", "Humans", 10},
	{"UPAY UZCARD2HUMO", "Humans", 10},
	{"UPAY HUMO2HUMO", "Humans", 10},
	{"DAVR UPAY HUMANS", "Humans", 15},
	{"UPAY", "Humans", 5},
	{"HUMANS", "Humans", 3},

	{"TENGE UNIVERSAL P2P", "Tenge24", 10},
	{"T24 P2P", "Tenge24", 10},
	{"NEW DBO UZKART-HUMO", "Tenge24", 10},
	{"TENGE 24 P2P", "Tenge24", 10},
	{"TENGE-24 WS P2P", "Tenge24", 10},
	{"TENGE24 WS P2P", "Tenge24", 10},
	{"TENGE", "Tenge24", 5},
	{"T24", "Tenge24", 5},

	{"XAZNA OTHERS", "Xazna", 10},
	{"XAZNA HUMO 2 UZCARD", "Xazna", 10},
	{"XAZNA P2P", "Xazna", 10},
	{"XAZNA PAYNET", "Xazna", 10},
	{"XAZNA", "Xazna", 5},

	{"DAVR MOBILE UZCARD", "Davr Mobile", 10},
	{"DAVR MOBILE P2P", "Davr Mobile", 10},
	{"DAVR MOBILE HUMO", "Davr Mobile", 10},
	{"DAVR MOBILE", "Davr Mobile", 5},

	{"HAMKORBANK ATB", "Hamkor", 10},
	{"HAMKOR P2P", "Hamkor", 10},
	{"HAMKOR HUMO P2P", "Hamkor", 10},
	{"HAMKOR", "Hamkor", 5},

	{"OQ P2P", "OQ", 10},

	{"AT KHALK BANKI", "Paynet", 10},
	{"UZPAYNET", "Paynet", 10},
	{"PAYNET HUM2UZC", "Paynet", 10},
	{"PAYNET P2P", "Paynet", 10},
	{"UZCARD OTHERS 2 ANY PAYNET", "Paynet", 15},
	{"PAYNET", "Paynet", 5},

	{"MIKROKREDITBANK ATB", "Mavrid", 10},
	{"MKBANK MAVRID", "Mavrid", 10},
	{"MKBANK P2P UZCARD MAVRID", "Mavrid", 10},
	{"MAVRID", "Mavrid", 5},

	{"UZCARD PLYUS P2P", "Joyda", 10},
	{"JOYDA", "Joyda", 5},

	{"UZCARD P2P", "Agrobank", 8},
	{"AGROBANK", "Agrobank", 5},

	{"ASAKABANK HUMO UZCAR", "Asakabank", 10},
	{"ASAKA AT BANKINING", "Asakabank", 10},
	{"ASAKABANK UZCARD HUMO", "Asakabank", 10},
	{"ASAKA HUMO UZCARD", "Asakabank", 10},
	{"ASAKABANK", "Asakabank", 5},
	{"ASAKA", "Asakabank", 3},

	{"SMARTBANK P2P O2O UZCARD", "SmartBank", 10},
	{"SMARTBANK UZCARD HUMO", "SmartBank", 10},
	{"SMARTBANK P2P", "SmartBank", 10},
	{"SMARTBANK", "SmartBank", 5},

	{"BEEPUL UZCARD 2 UZCARD", "Beepul", 10},
	{"BEEPUL UZCARD 2 HUMO", "Beepul", 10},
	{"BEEPUL", "Beepul", 5},

	{"PAYWAY", "PayWay", 10},

	{"PAYME P2P", "Payme", 10},
	{"PAYME OPLATA", "Payme", 10},
	{"PL HUMANS OPLATA", "Payme", 10},
	{"PAYME", "Payme", 5},

	{"UB PEREVOD", "UzumBank", 10},
	{"UZUMBANK", "UzumBank", 5},

	{"SQB MOBILE UZCARD P2P", "SQB", 10},
	{"SQB MOBILE HUMO P2P", "SQB", 10},
	{"SQB", "SQB", 5},
	{"CHAKANAPAY UZCARD", "Chakanapay", 10},
	{"CHAKANAPAY HUMO", "Chakanapay", 10},
	{"CHAKANAPAY", "Chakanapay", 5},
}

// transferMarkers identify card-to-card transfer gateways in operator patterns.
var transferMarkers = []string{
	"P2P", "2P2", "PEREVOD", "HUMO2", "UZCARD2", "HUM2UZC", "HUMOHUMO",
	"HUMO 2 ", "UZCARD 2 ", "2 ANY", "O2O", "UZKART-HUMO",
	"HUMO UZCAR", "UZCARD HUMO",
}

// DefaultMappings returns the built-in operator table.
func DefaultMappings() []api.OperatorMapping {
	out := make([]api.OperatorMapping, 0, len(seedRows))
	for _, r := range seedRows {
		out = append(out, api.OperatorMapping{
			Pattern:         Normalize(r.pattern),
			ApplicationName: r.app,
			IsP2P:           isTransferPattern(r.pattern),
			Priority:        r.prio,
			IsActive:        true,
		})
	}
	return out
}

func isTransferPattern(pattern string) bool {
	for _, m := range transferMarkers {
		if strings.Contains(pattern, m) {
			return true
		}
	}
	return false
}

// ImportStats summarizes a ParseImport run.
type ImportStats struct {
	Imported int
	Skipped  int
}

// ParseImport reads "OPERATOR — APPLICATION" lines. Blank lines and the header line are
// ignored; any other line without exactly one separator is counted as skipped. Every
// imported row is an active P2P mapping at ImportPriority.
func ParseImport(r io.Reader) ([]api.OperatorMapping, ImportStats, error) {
	var (
		out   []api.OperatorMapping
		stats ImportStats
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.Contains(strings.ToLower(line), "оператор/продавец") {
			continue
		}

		parts := splitImportLine(line)
		if len(parts) != 2 {
			stats.Skipped++
			continue
		}
		operator, app := Normalize(parts[0]), strings.TrimSpace(parts[1])
		if operator == "" || app == "" {
			stats.Skipped++
			continue
		}

		out = append(out, api.OperatorMapping{
			Pattern:         operator,
			ApplicationName: app,
			IsP2P:           true,
			Priority:        ImportPriority,
			IsActive:        true,
		})
		stats.Imported++
	}
	if err := sc.Err(); err != nil {
		return nil, stats, fmt.Errorf("reading import file: %w", err)
	}

	return out, stats, nil
}

func splitImportLine(line string) []string {
	for _, sep := range []string{" — ", " – "} {
		if strings.Contains(line, sep) {
			return strings.Split(line, sep)
		}
	}
	return nil
}
