package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

func TestActiveContactsFiltersByFlagCountryLanguage(t *testing.T) {
	d, err := NewFile(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	err = d.SaveContacts([]Contact{
		{ChatID: "1", Name: "A", Country: "TR", Language: "tr", Active: true},
		{ChatID: "2", Name: "B", Country: "DE", Language: "de", Active: true},
		{ChatID: "3", Name: "C", Country: "TR", Language: "tr", Active: false},
		{Phone: "4", Name: "D", Country: "TR", Language: "en", Active: true},
		{Name: "no address", Country: "TR", Active: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := d.ActiveContacts(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("active contacts = %d, want 3", len(all))
	}

	tr, err := d.ActiveContacts(context.Background(), Filter{Country: "tr"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tr) != 2 {
		t.Fatalf("TR contacts = %d, want 2", len(tr))
	}

	trTR, err := d.ActiveContacts(context.Background(), Filter{Country: "tr", Language: "TR"})
	if err != nil {
		t.Fatal(err)
	}
	if len(trTR) != 1 || trTR[0].Recipient != "1" || trTR[0].Kind != transport.KindContact {
		t.Fatalf("TR/tr = %+v", trTR)
	}

	if all[2].Recipient != "4" {
		t.Fatalf("phone fallback recipient = %q", all[2].Recipient)
	}
}

func TestActiveGroupsIgnoresInactive(t *testing.T) {
	d, err := NewFile(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SaveGroups([]Group{
		{ID: "-100", Name: "G1", IsActive: true},
		{ID: "-200", IsActive: false},
		{ID: "", IsActive: true},
	}); err != nil {
		t.Fatal(err)
	}
	gs, err := d.ActiveGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(gs) != 1 || gs[0].Recipient != "-100" || gs[0].Kind != transport.KindGroup {
		t.Fatalf("groups = %+v", gs)
	}
}

func TestMissingFilesAreEmpty(t *testing.T) {
	d, err := NewFile(t.TempDir(), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	cs, err := d.ActiveContacts(context.Background(), Filter{})
	if err != nil || len(cs) != 0 {
		t.Fatalf("contacts = %v, err = %v", cs, err)
	}
	gs, err := d.ActiveGroups(context.Background())
	if err != nil || len(gs) != 0 {
		t.Fatalf("groups = %v, err = %v", gs, err)
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "groups.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	d, err := NewFile(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.ActiveGroups(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}
