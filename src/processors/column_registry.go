package processors

import (
	"strings"

	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
)

// leafColumn is what a ColData position resolves to.
type leafColumn struct {
	Key      models.ColumnKey
	Title    string
	Polarity models.Polarity
}

// columnRegistry assigns order indexes to report columns the first time a
// composite key is seen and maps ColData positions onto leaf columns.
type columnRegistry struct {
	columns []models.ReportColumn
	byKey   map[models.ColumnKey]int
	leaves  []leafColumn
}

func newColumnRegistry(cols *parsers.Columns) *columnRegistry {
	r := &columnRegistry{byKey: make(map[models.ColumnKey]int)}
	if cols == nil {
		return r
	}
	r.addColumns(cols.Column, nil, "", "")
	r.assignParity()
	return r
}

func (r *columnRegistry) addColumns(cols []parsers.Column, parent *models.ColumnKey, start, end string) {
	for _, c := range cols {
		key := models.ColumnKey{
			Title: parsers.CleanLabel(c.ColTitle),
			Type:  c.ColType,
		}
		if parent != nil {
			key.ParentTitle = parent.Title
		}

		periodStart, periodEnd := c.Meta("StartDate"), c.Meta("EndDate")
		if periodStart == "" {
			periodStart = start
		}
		if periodEnd == "" {
			periodEnd = end
		}

		r.register(key, parent, periodStart, periodEnd)

		if c.Columns != nil && len(c.Columns.Column) > 0 {
			k := key
			r.addColumns(c.Columns.Column, &k, periodStart, periodEnd)
			continue
		}
		r.leaves = append(r.leaves, leafColumn{Key: key, Title: key.Title, Polarity: polarityFromTitle(key.Title)})
	}
}

// register is find-or-create on the composite key.
func (r *columnRegistry) register(key models.ColumnKey, parent *models.ColumnKey, start, end string) int {
	if idx, ok := r.byKey[key]; ok {
		return idx
	}
	idx := len(r.columns)
	col := models.ReportColumn{
		Key:         key,
		OrderIndex:  idx,
		PeriodStart: start,
		PeriodEnd:   end,
	}
	if parent != nil {
		p := *parent
		col.ParentKey = &p
	}
	r.columns = append(r.columns, col)
	r.byKey[key] = idx
	return idx
}

// assignParity fills in polarity for money columns whose titles do not say
// Debit or Credit: within one parent the first is debit, the second credit.
func (r *columnRegistry) assignParity() {
	position := make(map[string]int)
	for i := range r.leaves {
		leaf := &r.leaves[i]
		if strings.EqualFold(leaf.Key.Type, "Account") {
			continue
		}
		n := position[leaf.Key.ParentTitle]
		position[leaf.Key.ParentTitle] = n + 1
		if leaf.Polarity != models.PolarityNone {
			continue
		}
		if n%2 == 0 {
			leaf.Polarity = models.PolarityDebit
		} else {
			leaf.Polarity = models.PolarityCredit
		}
	}
}

// leaf resolves the ColData position to its column.
func (r *columnRegistry) leaf(index int) (leafColumn, bool) {
	if index < 0 || index >= len(r.leaves) {
		return leafColumn{}, false
	}
	return r.leaves[index], true
}

// Columns returns the registry in order index order.
func (r *columnRegistry) Columns() []models.ReportColumn {
	out := make([]models.ReportColumn, len(r.columns))
	copy(out, r.columns)
	return out
}

func polarityFromTitle(title string) models.Polarity {
	lower := strings.ToLower(title)
	switch {
	case strings.Contains(lower, "debit"):
		return models.PolarityDebit
	case strings.Contains(lower, "credit"):
		return models.PolarityCredit
	}
	return models.PolarityNone
}
