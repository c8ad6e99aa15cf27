package archive

import (
	"context"
	"testing"

	"github.com/username/ledgerdash/backend/src/models"
)

func TestObjectName(t *testing.T) {
	got := ObjectName(models.AccountRef{UserID: 3, RealmID: "123145"}, models.ReportProfitAndLoss, "2024-01-01", "2024-03-31", "abc")
	want := "123145/profit_loss/2024-01-01_2024-03-31/abc.json"
	if got != want {
		t.Errorf("ObjectName = %q, want %q", got, want)
	}
}

func TestNoopArchiver(t *testing.T) {
	uri, err := NewNoopArchiver().Archive(context.Background(), models.AccountRef{}, models.ReportCashFlow, "", "", []byte("{}"))
	if err != nil || uri != "" {
		t.Errorf("noop archive = %q, %v", uri, err)
	}
}
