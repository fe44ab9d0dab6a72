package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderRanksKeywordsFirst(t *testing.T) {
	t.Parallel()

	provider := NewStaticProvider([]Snippet{
		{Title: "tagged", Tags: []string{"defi"}},
		{Title: "unrelated", Keywords: []string{"weather"}},
		{Title: "keyword", Keywords: []string{"stablecoin"}},
	}, 5)

	got := provider.Query("DeFi stablecoin yields")
	if len(got) != 2 || got[0].Title != "keyword" || got[1].Title != "tagged" {
		t.Fatalf("unexpected matches %+v", got)
	}
	if len(provider.Query("   ")) != 0 {
		t.Fatal("blank topic must not match")
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("defi") != nil {
		t.Fatal("nil provider must return nothing")
	}
}

func TestLoadStaticProvider(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.json")
	if err := os.WriteFile(path, []byte(`[{"title":"Fees","content":"fees fell","keywords":["fees"]}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := provider.Query("network fees"); len(got) != 1 || got[0].Content != "fees fell" {
		t.Fatalf("unexpected matches %+v", got)
	}
	if _, err := LoadStaticProvider(filepath.Join(t.TempDir(), "missing.json"), 1); err == nil {
		t.Fatal("expected error for missing file")
	}
}
