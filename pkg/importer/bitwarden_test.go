package importer

import (
	"testing"
)

const bitwardenJSON = `{
  "folders": [
    {"id": "f1", "name": "Development"},
    {"id": "f2", "name": "Shared"}
  ],
  "items": [
    {
      "type": 1,
      "name": "GitHub",
      "notes": "Work account",
      "folderId": "f1",
      "login": {
        "uris": [{"uri": "https://github.com"}, {"uri": "https://gist.github.com"}],
        "username": "octocat",
        "password": "hunter2-but-long",
        "totp": "JBSWY3DP"
      },
      "fields": [
        {"name": "recovery email", "value": "me@example.com", "type": 1}
      ]
    },
    {
      "type": 2,
      "name": "Wifi",
      "notes": "SSID lab / passphrase on the whiteboard",
      "collectionIds": ["f2"]
    },
    {
      "type": 3,
      "name": "Visa",
      "card": {
        "cardholderName": "A. Octocat",
        "number": "4111111111111111",
        "expMonth": "12",
        "expYear": "2030",
        "code": "123",
        "brand": "Visa"
      }
    },
    {
      "type": 4,
      "name": "Passport",
      "identity": {
        "firstName": "Ada",
        "lastName": "Lovelace",
        "passportNumber": "X1234567"
      }
    },
    {"type": 9, "name": "Mystery"},
    {"type": 1, "name": "Empty Login", "login": {"username": "", "password": ""}}
  ]
}`

func TestBitwardenParse(t *testing.T) {
	result, err := (&BitwardenParser{}).Parse([]byte(bitwardenJSON))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(result.Entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(result.Entries))
	}

	gh := result.Entries[0]
	if gh.Data.Title != "GitHub" || gh.Data.Username != "octocat" || gh.Data.Password != "hunter2-but-long" {
		t.Errorf("login entry = %+v", gh.Data)
	}
	if gh.Data.URL != "https://github.com" {
		t.Errorf("primary URL = %q", gh.Data.URL)
	}
	if gh.Data.CustomFields["URL 2"] != "https://gist.github.com" {
		t.Errorf("secondary URI not preserved: %v", gh.Data.CustomFields)
	}
	if gh.Data.CustomFields["TOTP"] != "JBSWY3DP" {
		t.Errorf("TOTP not preserved: %v", gh.Data.CustomFields)
	}
	if gh.Data.CustomFields["recovery email"] != "me@example.com" {
		t.Errorf("custom field not preserved: %v", gh.Data.CustomFields)
	}
	if gh.Group != "Development" {
		t.Errorf("folder = %q, want Development", gh.Group)
	}

	note := result.Entries[1]
	if note.Data.Notes == "" || len(note.Data.Tags) != 1 || note.Data.Tags[0] != "Shared" {
		t.Errorf("secure note entry = %+v", note)
	}

	card := result.Entries[2]
	if card.Data.Password != "4111111111111111" || card.Data.CustomFields["CVV"] != "123" {
		t.Errorf("card entry = %+v", card.Data)
	}

	identity := result.Entries[3]
	if identity.Data.CustomFields["Passport"] != "X1234567" {
		t.Errorf("identity entry = %+v", identity.Data)
	}

	// Unknown type and the empty login are both skipped.
	if len(result.Skipped) != 2 {
		t.Errorf("skipped = %+v, want 2 items", result.Skipped)
	}
}

func TestBitwardenRejectsBadJSON(t *testing.T) {
	if _, err := (&BitwardenParser{}).Parse([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
