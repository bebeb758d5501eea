package importer

import (
	"strings"
	"testing"
)

const lastpassCSV = `url,username,password,totp,extra,name,grouping,fav
https://github.com,octocat,hunter2-but-long,JBSWY3DP,Work account,GitHub,Development,0
http://sn,,,,"API key: abc123",Server Notes,Infrastructure,0
https://fallback.example.com,user,pw,,,,Personal,0
https://empty.example.com,,,,,Empty Row,,0
`

func TestLastPassParse(t *testing.T) {
	result, err := (&LastPassParser{}).Parse([]byte(lastpassCSV))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(result.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(result.Entries))
	}

	gh := result.Entries[0]
	if gh.Data.Title != "GitHub" || gh.Data.Username != "octocat" || gh.Data.Password != "hunter2-but-long" {
		t.Errorf("github entry = %+v", gh.Data)
	}
	if gh.Data.URL != "https://github.com" || gh.Group != "Development" {
		t.Errorf("github url/group = %q %q", gh.Data.URL, gh.Group)
	}
	if gh.Data.CustomFields["TOTP"] != "JBSWY3DP" {
		t.Errorf("TOTP field not preserved: %v", gh.Data.CustomFields)
	}

	// Secure Note placeholder URL must be dropped, extra becomes notes.
	note := result.Entries[1]
	if note.Data.URL != "" || note.Data.Notes != "API key: abc123" {
		t.Errorf("secure note entry = %+v", note.Data)
	}

	// Nameless row falls back to the URL hostname.
	fb := result.Entries[2]
	if fb.Data.Title != "fallback.example.com" {
		t.Errorf("fallback title = %q", fb.Data.Title)
	}

	if len(result.Skipped) != 1 || result.Skipped[0].OriginalName != "Empty Row" {
		t.Errorf("skipped = %+v, want the empty row", result.Skipped)
	}
}

func TestLastPassDecodesEntities(t *testing.T) {
	csv := "url,username,password,totp,extra,name,grouping,fav\n" +
		"https://x.example,me,pw,,,Tom &amp; Jerry,,0\n"
	result, err := (&LastPassParser{}).Parse([]byte(csv))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.Entries[0].Data.Title != "Tom & Jerry" {
		t.Errorf("title = %q", result.Entries[0].Data.Title)
	}
}

func TestLastPassMissingNameColumn(t *testing.T) {
	if _, err := (&LastPassParser{}).Parse([]byte("url,username\nhttps://x,me\n")); err == nil {
		t.Fatal("expected error for missing name column")
	}
}

func TestLastPassStripsBOM(t *testing.T) {
	csv := "\xEF\xBB\xBF" + "url,username,password,totp,extra,name,grouping,fav\n" +
		"https://x.example,me,pw,,,BOM Test,,0\n"
	result, err := (&LastPassParser{}).Parse([]byte(csv))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Data.Title != "BOM Test" {
		t.Errorf("entries = %+v", result.Entries)
	}
}

func TestLastPassWarnsOnRaggedRows(t *testing.T) {
	csv := "url,username,password,totp,extra,name,grouping,fav\n" +
		"https://x.example,me\n" +
		"https://y.example,you,pw,,,Good Row,,0\n"
	reader := &LastPassParser{}
	result, err := reader.Parse([]byte(csv))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(result.Entries) != 1 {
		t.Errorf("got %d entries, want the good row only", len(result.Entries))
	}
	if len(result.Warnings) == 0 || !strings.Contains(result.Warnings[0], "row 2") {
		t.Errorf("warnings = %v", result.Warnings)
	}
}
