package sink

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// ValueField is the single field written for every point.
const ValueField = "value"

var (
	measurementEscaper = strings.NewReplacer(`,`, `\,`, ` `, `\ `, "\n", `\n`)
	tagEscaper         = strings.NewReplacer(`,`, `\,`, `=`, `\=`, ` `, `\ `, "\n", `\n`)
)

// AppendLine appends the InfluxDB line protocol form of p, with a seconds
// timestamp, to b. Points whose value is not finite are skipped and
// reported with ok=false.
func AppendLine(b []byte, p model.Point) (_ []byte, ok bool) {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return b, false
	}

	b = append(b, measurementEscaper.Replace(p.Measurement)...)

	keys := make([]string, 0, len(p.Tags))
	for k, v := range p.Tags {
		if k == "" || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = append(b, ',')
		b = append(b, tagEscaper.Replace(k)...)
		b = append(b, '=')
		b = append(b, tagEscaper.Replace(p.Tags[k])...)
	}

	b = append(b, ' ')
	b = append(b, ValueField...)
	b = append(b, '=')
	if p.Integer {
		b = strconv.AppendInt(b, int64(math.Round(p.Value)), 10)
		b = append(b, 'i')
	} else {
		b = strconv.AppendFloat(b, p.Value, 'f', -1, 64)
	}
	b = append(b, ' ')
	b = strconv.AppendInt(b, p.Timestamp, 10)
	b = append(b, '\n')
	return b, true
}
