// Package mapper translates a source feature's attributes and geometry into
// the field names Cityworks expects, resolving the record's problem type
// against the fetched vocabulary.
package mapper

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crowdsource-scripts/cityworks-sync/internal/models"
)

// Map builds the submission payload for one feature. fieldPairs is the
// ordered [cityworksField, arcgisField] table; typePair names the
// [cityworksTypeField, arcgisTypeField] pair. A non-nil warning means the
// record must be skipped with no submission and no write-back.
func Map(f models.Feature, vocab map[string]int, fieldPairs [][]string, typePair []string, recordID int64) (map[string]any, *models.Outcome) {
	raw, ok := f.Attributes[typePair[1]]
	if !ok || raw == nil {
		w := models.Warning(fmt.Sprintf("missing value in field %s", typePair[1]), recordID)
		return nil, &w
	}
	code, ok := raw.(string)
	if !ok {
		w := models.Warning(fmt.Sprintf("missing value in field %s", typePair[1]), recordID)
		return nil, &w
	}
	if strings.TrimSpace(code) == "" {
		w := models.Warning("no problem type provided", recordID)
		return nil, &w
	}
	sid, ok := vocab[strings.ToUpper(code)]
	if !ok {
		w := models.Warning(fmt.Sprintf("problem type %s not found in Cityworks", code), recordID)
		return nil, &w
	}

	values := make(map[string]any, len(fieldPairs)+3)
	for _, pair := range fieldPairs {
		values[pair[0]] = stringify(f.Attributes[pair[1]])
	}
	if f.Geometry != nil {
		values["X"] = f.Geometry.X
		values["Y"] = f.Geometry.Y
	}
	values[typePair[0]] = sid
	return values, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
