package importer

import (
	"encoding/json"
	"fmt"
)

// BitwardenParser parses Bitwarden JSON export files with item type
// codes 1-4.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// bitwardenExport represents the top-level Bitwarden export structure.
type bitwardenExport struct {
	Items   []bitwardenItem   `json:"items"`
	Folders []bitwardenFolder `json:"folders"`
}

// bitwardenFolder represents a Bitwarden folder.
type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// bitwardenItem represents a Bitwarden vault item.
type bitwardenItem struct {
	Type          int                    `json:"type"`
	Name          string                 `json:"name"`
	Notes         string                 `json:"notes"`
	FolderID      *string                `json:"folderId"`
	CollectionIDs []string               `json:"collectionIds"`
	Login         *bitwardenLogin        `json:"login"`
	Card          *bitwardenCard         `json:"card"`
	Identity      *bitwardenIdentity     `json:"identity"`
	Fields        []bitwardenCustomField `json:"fields"`
}

// bitwardenLogin represents Bitwarden login data.
type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

// bitwardenURI represents a Bitwarden URI entry.
type bitwardenURI struct {
	URI string `json:"uri"`
}

// bitwardenCard represents Bitwarden card data.
type bitwardenCard struct {
	CardholderName string `json:"cardholderName"`
	Number         string `json:"number"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
	Code           string `json:"code"`
	Brand          string `json:"brand"`
}

// bitwardenIdentity represents Bitwarden identity data.
type bitwardenIdentity struct {
	Title          string `json:"title"`
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	Username       string `json:"username"`
	Company        string `json:"company"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address1       string `json:"address1"`
	Address2       string `json:"address2"`
	Address3       string `json:"address3"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postalCode"`
	Country        string `json:"country"`
	SSN            string `json:"ssn"`
	PassportNumber string `json:"passportNumber"`
	LicenseNumber  string `json:"licenseNumber"`
}

// bitwardenCustomField represents a Bitwarden custom field.
type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data.
func (p *BitwardenParser) Parse(data []byte) (*Result, error) {
	result := &Result{}

	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}

	folderMap := make(map[string]string)
	for _, f := range export.Folders {
		folderMap[f.ID] = f.Name
	}

	itemCounter := 1
	for i := range export.Items {
		item := &export.Items[i]
		entry, skip := p.parseItem(item, folderMap, &itemCounter)
		if skip != "" {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: item.Name,
				Reason:       skip,
			})
			continue
		}
		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}

// parseItem parses a single Bitwarden item.
func (p *BitwardenParser) parseItem(item *bitwardenItem, folderMap map[string]string, itemCounter *int) (*ImportedEntry, string) {
	entry := &ImportedEntry{OriginalName: item.Name}

	switch item.Type {
	case bitwardenTypeLogin:
		p.parseLogin(item, entry)
	case bitwardenTypeSecureNote:
		entry.Data.Notes = item.Notes
	case bitwardenTypeCard:
		p.parseCard(item, entry)
	case bitwardenTypeIdentity:
		p.parseIdentity(item, entry)
	default:
		return entry, fmt.Sprintf("unsupported item type: %d", item.Type)
	}

	for _, cf := range item.Fields {
		name := NormalizeValue(cf.Name)
		if name == "" {
			name = "custom_field"
		}
		p.addField(entry, name, cf.Value)
	}

	if entry.Data.Username == "" && entry.Data.Password == "" && entry.Data.URL == "" &&
		entry.Data.Notes == "" && len(entry.Data.CustomFields) == 0 {
		return entry, "no useful data"
	}

	entry.Data.Title = NormalizeValue(item.Name)
	if entry.Data.Title == "" {
		entry.Data.Title = FallbackTitle(entry.Data.URL, *itemCounter)
		*itemCounter++
	}

	if item.FolderID != nil {
		entry.Group = folderMap[*item.FolderID]
	}
	// Collections from org exports become tags.
	for _, collID := range item.CollectionIDs {
		if name, ok := folderMap[collID]; ok && name != "" {
			entry.Data.Tags = append(entry.Data.Tags, name)
		}
	}

	return entry, ""
}

func (p *BitwardenParser) addField(entry *ImportedEntry, name, value string) {
	if value == "" {
		return
	}
	if entry.Data.CustomFields == nil {
		entry.Data.CustomFields = make(map[string]string)
	}
	entry.Data.CustomFields[name] = value
}

func (p *BitwardenParser) parseLogin(item *bitwardenItem, entry *ImportedEntry) {
	if item.Login == nil {
		entry.Data.Notes = item.Notes
		return
	}
	login := item.Login

	entry.Data.Username = login.Username
	entry.Data.Password = login.Password
	entry.Data.Notes = item.Notes
	p.addField(entry, "TOTP", login.TOTP)

	// The first URI is the entry URL, the rest become custom fields.
	if len(login.URIs) > 0 {
		entry.Data.URL = login.URIs[0].URI
		for i := 1; i < len(login.URIs); i++ {
			p.addField(entry, fmt.Sprintf("URL %d", i+1), login.URIs[i].URI)
		}
	}
}

func (p *BitwardenParser) parseCard(item *bitwardenItem, entry *ImportedEntry) {
	if item.Card == nil {
		entry.Data.Notes = item.Notes
		return
	}
	card := item.Card

	entry.Data.Username = card.CardholderName
	entry.Data.Password = card.Number
	entry.Data.Notes = item.Notes
	p.addField(entry, "Expiry month", card.ExpMonth)
	p.addField(entry, "Expiry year", card.ExpYear)
	p.addField(entry, "CVV", card.Code)
	p.addField(entry, "Brand", card.Brand)
}

func (p *BitwardenParser) parseIdentity(item *bitwardenItem, entry *ImportedEntry) {
	if item.Identity == nil {
		entry.Data.Notes = item.Notes
		return
	}
	id := item.Identity

	entry.Data.Username = id.Username
	entry.Data.Notes = item.Notes
	p.addField(entry, "Title", id.Title)
	p.addField(entry, "First name", id.FirstName)
	p.addField(entry, "Middle name", id.MiddleName)
	p.addField(entry, "Last name", id.LastName)
	p.addField(entry, "Company", id.Company)
	p.addField(entry, "Email", id.Email)
	p.addField(entry, "Phone", id.Phone)
	p.addField(entry, "Address 1", id.Address1)
	p.addField(entry, "Address 2", id.Address2)
	p.addField(entry, "Address 3", id.Address3)
	p.addField(entry, "City", id.City)
	p.addField(entry, "State", id.State)
	p.addField(entry, "Postal code", id.PostalCode)
	p.addField(entry, "Country", id.Country)
	p.addField(entry, "SSN", id.SSN)
	p.addField(entry, "Passport", id.PassportNumber)
	p.addField(entry, "License", id.LicenseNumber)
}
