package processors

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/ledgerdash/backend/src/models"
)

// checkTolerance is how far a recomputed subtotal may drift from the reported one.
var checkTolerance = decimal.NewFromFloat(0.01)

type kpiProcessorImpl struct{}

// NewKpiProcessor returns the taxonomy-driven KPI aggregator.
func NewKpiProcessor() KpiAggregator {
	return &kpiProcessorImpl{}
}

type kpiAccumulator struct {
	group    string
	category string
	accounts map[string]decimal.Decimal
	order    []string
}

func (p *kpiProcessorImpl) Aggregate(reportType models.ReportType, lines []models.ReportLine, summaries []models.ReportSummary) *models.KpiTree {
	tree := &models.KpiTree{
		ReportType: reportType,
		Groups:     make(map[string]map[string]map[string]float64),
		Totals:     make(map[string]float64),
	}

	reporting := reportingColumn(reportType, lines)
	slots := make(map[string]*kpiAccumulator)
	var slotOrder []string
	seenUnmatched := make(map[string]bool)

	// Every declared category exists in the tree, even when empty.
	for _, c := range kpiTaxonomy[reportType] {
		slotFor(slots, &slotOrder, c.Group, c.Category)
	}

	for _, line := range lines {
		if columnKey(reportType, line.Column, line.ColumnTitle) != reporting {
			continue
		}
		c, ok := lookupKpiCategory(reportType, line)
		if !ok {
			c = kpiCategory{Group: MiscGroup, Category: MiscCategory}
			if !seenUnmatched[line.AccountName] {
				seenUnmatched[line.AccountName] = true
				tree.Unmatched = append(tree.Unmatched, line.AccountName)
			}
		}
		acc := slotFor(slots, &slotOrder, c.Group, c.Category)

		name := line.AccountName
		if name == models.TotalKey {
			name = models.TotalKey + " (account)"
		}
		if _, exists := acc.accounts[name]; !exists {
			acc.order = append(acc.order, name)
		}
		acc.accounts[name] = acc.accounts[name].Add(signedAmount(reportType, line))
	}

	subtotals := make(map[string]decimal.Decimal, len(slots))
	for _, key := range slotOrder {
		acc := slots[key]
		if tree.Groups[acc.group] == nil {
			tree.Groups[acc.group] = make(map[string]map[string]float64)
		}
		accounts := make(map[string]float64, len(acc.accounts)+1)
		subtotal := decimal.Zero
		for _, name := range acc.order {
			if name == models.TotalKey {
				continue
			}
			amount := acc.accounts[name]
			accounts[name] = amount.InexactFloat64()
			subtotal = subtotal.Add(amount)
		}
		accounts[models.TotalKey] = subtotal.InexactFloat64()
		tree.Groups[acc.group][acc.category] = accounts
		tree.Totals[acc.category] = subtotal.InexactFloat64()
		subtotals[acc.category] = subtotal
	}

	tree.Checks = crossCheck(reportType, reporting, summaries, subtotals)
	return tree
}

func slotFor(slots map[string]*kpiAccumulator, order *[]string, group, category string) *kpiAccumulator {
	key := group + "/" + category
	if acc, ok := slots[key]; ok {
		return acc
	}
	acc := &kpiAccumulator{group: group, category: category, accounts: make(map[string]decimal.Decimal)}
	slots[key] = acc
	*order = append(*order, key)
	return acc
}

// signedAmount returns the line amount, with trial balance credits negated.
func signedAmount(reportType models.ReportType, line models.ReportLine) decimal.Decimal {
	amount := decimal.NewFromFloat(line.Amount)
	if reportType == models.ReportTrialBalance && line.Polarity == models.PolarityCredit {
		return amount.Neg()
	}
	return amount
}

// columnKey is the period a value belongs to. Trial balance debit and credit
// columns share their parent period.
func columnKey(reportType models.ReportType, column *models.ColumnKey, title string) string {
	if reportType == models.ReportTrialBalance {
		if column == nil {
			return ""
		}
		return column.ParentTitle
	}
	return title
}

// reportingColumn picks the period the KPI tree is built from: the "Total"
// column when there is one, otherwise the right-most column.
func reportingColumn(reportType models.ReportType, lines []models.ReportLine) string {
	best, bestIndex := "", -1
	for _, line := range lines {
		key := columnKey(reportType, line.Column, line.ColumnTitle)
		if strings.EqualFold(key, models.TotalKey) {
			return key
		}
		if line.ColumnIndex > bestIndex {
			best, bestIndex = key, line.ColumnIndex
		}
	}
	return best
}

// crossCheck compares each category's subtotal with the shallowest source
// summary that reports it.
func crossCheck(reportType models.ReportType, reporting string, summaries []models.ReportSummary, subtotals map[string]decimal.Decimal) map[string]models.KpiCheck {
	checks := make(map[string]models.KpiCheck)
	for _, c := range kpiTaxonomy[reportType] {
		if c.CheckRowGroup == "" && c.CheckCashGroup == models.GroupNone {
			continue
		}
		var found *models.ReportSummary
		depth := math.MaxInt
		for i := range summaries {
			s := &summaries[i]
			if s.ColumnTitle != reporting && reportType != models.ReportTrialBalance {
				continue
			}
			matches := (c.CheckRowGroup != "" && strings.EqualFold(s.RowGroup, c.CheckRowGroup)) ||
				(c.CheckCashGroup != models.GroupNone && s.Group == c.CheckCashGroup)
			if !matches {
				continue
			}
			if d := strings.Count(s.Path, PathDelimiter); d < depth {
				found, depth = s, d
			}
		}
		if found == nil {
			continue
		}
		reported := decimal.NewFromFloat(found.Amount)
		computed := subtotals[c.Category]
		checks[c.Category] = models.KpiCheck{
			Reported: found.Amount,
			Computed: computed.InexactFloat64(),
			Matches:  reported.Sub(computed).Abs().LessThanOrEqual(checkTolerance),
		}
	}
	return checks
}
