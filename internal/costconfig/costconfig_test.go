package costconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
)

func TestDefaultTablePricesEveryVideoAction(test *testing.T) {
	test.Parallel()
	table, err := Default()
	if err != nil {
		test.Fatalf("default table: %v", err)
	}
	for _, raw := range []string{
		"script-generation",
		"image-generation",
		"subtitle-generation",
		"voiceover-generation",
		"video-render",
		"video-render-hd",
	} {
		action, err := ledger.NewActionID(raw)
		if err != nil {
			test.Fatalf("action id: %v", err)
		}
		entry, err := table.Lookup(action)
		if err != nil {
			test.Fatalf("%s: %v", raw, err)
		}
		if entry.Cost.IsZero() || entry.Description == "" {
			test.Fatalf("%s: unexpected entry %+v", raw, entry)
		}
	}
	if len(table.Entries()) != 6 {
		test.Fatalf("expected 6 entries, got %d", len(table.Entries()))
	}
}

func TestParseRejectsInvalidTables(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		content string
		detail  string
	}{
		{name: "empty", content: "actions: []\n", detail: "actions"},
		{name: "unknown key", content: "actions:\n  - action: a\n    s_crd: 1\n    price: 3\n", detail: "price"},
		{name: "negative", content: "actions:\n  - action: a\n    s_crd: -1\n", detail: "s_crd"},
		{name: "bad action id", content: "actions:\n  - action: Video Render\n    s_crd: 1\n", detail: "action_id"},
		{name: "free action", content: "actions:\n  - action: a\n", detail: "no cost"},
		{name: "duplicate", content: "actions:\n  - action: a\n    s_crd: 1\n  - action: a\n    e_crd: 1\n", detail: "twice"},
		{name: "not yaml", content: "actions: [", detail: "parse"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := Parse([]byte(testCase.content))
			if !errors.Is(err, ledger.ErrInvalidCostTable) {
				test.Fatalf("expected ErrInvalidCostTable, got %v", err)
			}
			if !strings.Contains(err.Error(), testCase.detail) {
				test.Fatalf("expected %q in %q", testCase.detail, err.Error())
			}
		})
	}
}

func TestLoadReadsFileOrFallsBackToDefault(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "costs.yaml")
	content := "actions:\n  - action: teleport\n    e_crd: 50\n    description: Beam a clip somewhere else\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		test.Fatalf("write: %v", err)
	}
	table, err := Load(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	action, _ := ledger.NewActionID("teleport")
	entry, err := table.Lookup(action)
	if err != nil || entry.Cost != (ledger.Cost{ECRD: 50}) {
		test.Fatalf("unexpected entry %+v (%v)", entry, err)
	}

	fallback, err := Load("  ")
	if err != nil || len(fallback.Entries()) == 0 {
		test.Fatalf("expected default table, got %v", err)
	}
	if _, err := Load(filepath.Join(test.TempDir(), "missing.yaml")); err == nil {
		test.Fatalf("expected error for missing file")
	}
}
