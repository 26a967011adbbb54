package preprocess

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// Columns that carry labels or bookkeeping rather than signal samples
var excludedSignalColumns = map[string]bool{
	"y":            true,
	"original_row": true,
}

// SignalTensor builds a [rows, features, 1] tensor from the numeric columns of a
// table. Feature columns are ordered by name.
func SignalTensor(header []string, rows [][]string) (domain.Tensor, []string, error) {
	if len(rows) == 0 {
		return domain.Tensor{}, nil, fmt.Errorf("table has no data rows")
	}

	type column struct {
		name  string
		index int
	}
	var features []column
	for i, name := range header {
		name = strings.TrimSpace(name)
		if excludedSignalColumns[name] || !numericColumn(rows, i) {
			continue
		}
		features = append(features, column{name: name, index: i})
	}
	if len(features) == 0 {
		return domain.Tensor{}, nil, fmt.Errorf("table has no numeric feature columns")
	}
	sort.SliceStable(features, func(a, b int) bool { return features[a].name < features[b].name })

	data := make([]float32, 0, len(rows)*len(features))
	for _, row := range rows {
		for _, f := range features {
			v, _ := strconv.ParseFloat(strings.TrimSpace(row[f.index]), 32)
			data = append(data, float32(v))
		}
	}

	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.name
	}
	return domain.Tensor{Shape: []int{len(rows), len(features), 1}, Data: data}, names, nil
}

func numericColumn(rows [][]string, idx int) bool {
	for _, row := range rows {
		if idx >= len(row) {
			return false
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64); err != nil {
			return false
		}
	}
	return true
}
