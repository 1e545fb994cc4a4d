package sqlstore

import (
	"strconv"
	"strings"
	"time"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	// Name is also the goose dialect and the migrations sub-directory.
	Name string
	// Dollar placeholders ($1, $2, ...) instead of '?'.
	Dollar bool
	// Returning uses INSERT ... RETURNING id instead of LastInsertId.
	Returning bool
	// TextTime stores timestamps as fixed-width UTC text.
	TextTime bool
}

var (
	MySQL    = Dialect{Name: "mysql"}
	Postgres = Dialect{Name: "postgres", Dollar: true, Returning: true}
	SQLite   = Dialect{Name: "sqlite3", TextTime: true}
)

// textTimeLayout sorts lexically in time order.
const textTimeLayout = "2006-01-02 15:04:05.000000000"

func (d Dialect) rebind(q string) string {
	if !d.Dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) timeArg(t time.Time) any {
	t = t.UTC()
	if d.TextTime {
		return t.Format(textTimeLayout)
	}
	return t
}
