package processors

import (
	"strings"

	"github.com/username/ledgerdash/backend/src/models"
)

// Miscellaneous is where lines the taxonomy does not know end up.
const (
	MiscGroup    = "other"
	MiscCategory = "miscellaneous"
)

// kpiCategory is one slot of the KPI tree and the rules that fill it.
type kpiCategory struct {
	Group    string
	Category string
	// RowGroups are the report row-group tags whose lines land here.
	RowGroups []string
	// CashGroups are the normalized cash flow groups whose lines land here.
	CashGroups []models.CashFlowGroup
	// Keywords are matched against the account name, lowercased.
	Keywords []string
	// CheckRowGroup and CheckCashGroup select the source summary that
	// carries this category's reported subtotal.
	CheckRowGroup  string
	CheckCashGroup models.CashFlowGroup
}

// kpiAccountNames pins well-known account names to a category.
var kpiAccountNames = map[models.ReportType]map[string]string{
	models.ReportProfitAndLoss: {
		"sales":                      "income",
		"services":                   "income",
		"cost of goods sold":         "cost_of_goods_sold",
		"interest earned":            "other_income",
		"miscellaneous":              MiscCategory,
		"reconciliation adjustments": MiscCategory,
	},
	models.ReportBalanceSheet: {
		"accounts receivable (a/r)": "current_assets",
		"undeposited funds":         "current_assets",
		"accounts payable (a/p)":    "current_liabilities",
		"retained earnings":         "equity",
		"net income":                "equity",
		"opening balance equity":    "equity",
	},
	models.ReportTrialBalance: {
		"accounts receivable (a/r)": "receivables",
		"accounts payable (a/p)":    "payables",
		"undeposited funds":         "cash",
		"opening balance equity":    "equity",
		"retained earnings":         "equity",
	},
}

var kpiTaxonomy = map[models.ReportType][]kpiCategory{
	models.ReportProfitAndLoss: {
		{Group: "revenue", Category: "income", RowGroups: []string{"Income"}, CheckRowGroup: "Income"},
		{Group: "revenue", Category: "other_income", RowGroups: []string{"OtherIncome"}, CheckRowGroup: "OtherIncome"},
		{Group: "expenses", Category: "cost_of_goods_sold", RowGroups: []string{"COGS"}, CheckRowGroup: "COGS"},
		{Group: "expenses", Category: "operating_expenses", RowGroups: []string{"Expenses"}, CheckRowGroup: "Expenses"},
		{Group: "expenses", Category: "other_expenses", RowGroups: []string{"OtherExpenses"}, CheckRowGroup: "OtherExpenses"},
	},
	models.ReportBalanceSheet: {
		{Group: "assets", Category: "current_assets", RowGroups: []string{"CurrentAssets", "BankAccounts", "AR", "OtherCurrentAssets"}, CheckRowGroup: "CurrentAssets"},
		{Group: "assets", Category: "fixed_assets", RowGroups: []string{"FixedAssets"}, CheckRowGroup: "FixedAssets"},
		{Group: "assets", Category: "other_assets", RowGroups: []string{"OtherAssets"}, CheckRowGroup: "OtherAssets"},
		{Group: "liabilities", Category: "current_liabilities", RowGroups: []string{"CurrentLiabilities", "AP", "CreditCards", "OtherCurrentLiabilities"}, CheckRowGroup: "CurrentLiabilities"},
		{Group: "liabilities", Category: "long_term_liabilities", RowGroups: []string{"LongTermLiabilities"}, CheckRowGroup: "LongTermLiabilities"},
		{Group: "equity", Category: "equity", RowGroups: []string{"Equity"}, CheckRowGroup: "Equity"},
	},
	models.ReportCashFlow: {
		{Group: "activities", Category: "operating", CashGroups: []models.CashFlowGroup{models.GroupOperating}, CheckCashGroup: models.GroupOperating},
		{Group: "activities", Category: "investing", CashGroups: []models.CashFlowGroup{models.GroupInvesting}, CheckCashGroup: models.GroupInvesting},
		{Group: "activities", Category: "financing", CashGroups: []models.CashFlowGroup{models.GroupFinancing}, CheckCashGroup: models.GroupFinancing},
		{Group: "cash", Category: "net_change", CashGroups: []models.CashFlowGroup{models.GroupNetCash}},
		{Group: "cash", Category: "beginning_cash", CashGroups: []models.CashFlowGroup{models.GroupBeginningCash}},
		{Group: "cash", Category: "ending_cash", CashGroups: []models.CashFlowGroup{models.GroupEndingCash}},
	},
	// Trial balance rows carry no group tags, so names decide.
	models.ReportTrialBalance: {
		{Group: "assets", Category: "cash", Keywords: []string{"checking", "savings", "bank", "cash", "petty"}},
		{Group: "assets", Category: "receivables", Keywords: []string{"receivable"}},
		{Group: "assets", Category: "inventory", Keywords: []string{"inventory"}},
		{Group: "assets", Category: "fixed_assets", Keywords: []string{"equipment", "furniture", "vehicle", "accumulated depreciation", "building"}},
		{Group: "liabilities", Category: "payables", Keywords: []string{"payable", "credit card", "visa", "mastercard"}},
		{Group: "liabilities", Category: "loans", Keywords: []string{"loan", "note", "mortgage"}},
		{Group: "equity", Category: "equity", Keywords: []string{"equity", "capital", "owner", "retained", "distribution", "drawing"}},
		{Group: "income_statement", Category: "revenue", Keywords: []string{"sales", "income", "revenue", "services", "fees earned"}},
		{Group: "income_statement", Category: "cost_of_sales", Keywords: []string{"cost of goods", "cost of sales", "cogs", "purchases"}},
		{Group: "income_statement", Category: "expenses", Keywords: []string{"expense", "rent", "utilities", "insurance", "salaries", "wages", "payroll", "advertising", "supplies", "depreciation", "fees"}},
	},
}

// lookupKpiCategory resolves a line to its KPI slot. Order: pinned account
// name, report row group or cash group, account-name keyword.
func lookupKpiCategory(reportType models.ReportType, line models.ReportLine) (kpiCategory, bool) {
	categories := kpiTaxonomy[reportType]
	name := strings.ToLower(strings.TrimSpace(line.AccountName))

	if pinned, ok := kpiAccountNames[reportType][name]; ok {
		if pinned == MiscCategory {
			return kpiCategory{}, false
		}
		for _, c := range categories {
			if c.Category == pinned {
				return c, true
			}
		}
	}

	for _, c := range categories {
		for _, g := range c.CashGroups {
			if line.Group != models.GroupNone && line.Group == g {
				return c, true
			}
		}
		for _, rg := range c.RowGroups {
			if line.RowGroup != "" && strings.EqualFold(line.RowGroup, rg) {
				return c, true
			}
		}
	}

	for _, c := range categories {
		for _, kw := range c.Keywords {
			if strings.Contains(name, kw) {
				return c, true
			}
		}
	}
	return kpiCategory{}, false
}
