package models

// TotalKey is the placeholder each KPI category carries for its own subtotal.
const TotalKey = "Total"

// KpiTree is the fixed nested summary stored alongside a ReportDocument.
// Groups is group -> category -> account name -> amount; every category also
// holds a TotalKey entry. Totals repeats the category subtotals flat.
type KpiTree struct {
	ReportType ReportType                               `json:"report_type"`
	Groups     map[string]map[string]map[string]float64 `json:"groups"`
	Totals     map[string]float64                       `json:"totals"`
	Checks     map[string]KpiCheck                      `json:"checks,omitempty"`
	Unmatched  []string                                 `json:"unmatched,omitempty"`
}

// KpiCheck compares a source-reported rollup with the local recomputation.
type KpiCheck struct {
	Reported float64 `json:"reported"`
	Computed float64 `json:"computed"`
	Matches  bool    `json:"matches"`
}

// Category returns the account map of group/category, or nil.
func (t *KpiTree) Category(group, category string) map[string]float64 {
	if t == nil || t.Groups == nil {
		return nil
	}
	return t.Groups[group][category]
}

// Clone returns a deep copy of the tree.
func (t *KpiTree) Clone() *KpiTree {
	if t == nil {
		return nil
	}
	out := &KpiTree{
		ReportType: t.ReportType,
		Totals:     cloneAmounts(t.Totals),
		Unmatched:  append([]string(nil), t.Unmatched...),
	}
	if t.Groups != nil {
		out.Groups = make(map[string]map[string]map[string]float64, len(t.Groups))
		for group, categories := range t.Groups {
			cats := make(map[string]map[string]float64, len(categories))
			for name, accounts := range categories {
				cats[name] = cloneAmounts(accounts)
			}
			out.Groups[group] = cats
		}
	}
	if t.Checks != nil {
		out.Checks = make(map[string]KpiCheck, len(t.Checks))
		for k, v := range t.Checks {
			out.Checks[k] = v
		}
	}
	return out
}

func cloneAmounts(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
