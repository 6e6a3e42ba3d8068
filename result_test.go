package notifybox_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mickamy/notifybox"
)

func TestResultValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		result  notifybox.Result
		wantErr bool
	}{
		{name: "valid", result: notifybox.Result{PRNumber: 1, Repo: "acme/api", SummaryResult: json.RawMessage(`{"ok":true}`)}},
		{name: "no raw regions", result: notifybox.Result{PRNumber: 1, Repo: "acme/api"}},
		{name: "missing repo", result: notifybox.Result{PRNumber: 1}, wantErr: true},
		{name: "zero pr", result: notifybox.Result{Repo: "acme/api"}, wantErr: true},
		{name: "broken security json", result: notifybox.Result{PRNumber: 1, Repo: "acme/api", SecurityResult: json.RawMessage(`{`)}, wantErr: true},
	}
	for _, tt := range tests {
		err := tt.result.Validate()
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, notifybox.ErrInvalidArgument) {
			t.Fatalf("%s: Validate() error = %v, want ErrInvalidArgument", tt.name, err)
		}
	}
}

func TestResultReportURL(t *testing.T) {
	t.Parallel()
	r := notifybox.Result{PRNumber: 12, Repo: "acme/api"}
	if got, want := r.ReportURL(), "https://github.com/acme/api/pull/12"; got != want {
		t.Fatalf("ReportURL() = %q, want %q", got, want)
	}
	if got := (notifybox.Result{PRNumber: 12, Repo: "api"}).ReportURL(); got != "" {
		t.Fatalf("ReportURL() without owner = %q, want empty", got)
	}
}
