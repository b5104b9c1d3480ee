// Package directory loads campaign recipients from flat JSON files.
//
// Files:
//   - <dir>/contacts.json  {"contacts": [{"id","chatId","phone","name","country","language","active"}]}
//   - <dir>/groups.json    {"groups":   [{"id","name","isActive"}]}
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vidcast/internal/transport"
	logx "vidcast/pkg/logx"
)

// Filter narrows contacts. Empty fields match everything.
type Filter struct {
	Country  string
	Language string
}

// Directory is the persistence collaborator of the dispatcher.
type Directory interface {
	ActiveContacts(ctx context.Context, f Filter) ([]transport.Target, error)
	ActiveGroups(ctx context.Context) ([]transport.Target, error)
}

type Contact struct {
	ID       string `json:"id,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Name     string `json:"name,omitempty"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
	Active   bool   `json:"active"`
}

type Group struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	IsActive bool   `json:"isActive"`
}

type contactsFile struct {
	Contacts []Contact `json:"contacts"`
}

type groupsFile struct {
	Groups []Group `json:"groups"`
}

// FileDirectory reads contacts.json and groups.json on every call so operator
// edits are picked up without a restart.
type FileDirectory struct {
	dir string
	log logx.Logger

	mu sync.Mutex
}

func NewFile(dir string, log logx.Logger) (*FileDirectory, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("directory.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileDirectory{dir: dir, log: log}, nil
}

func (d *FileDirectory) contactsPath() string { return filepath.Join(d.dir, "contacts.json") }
func (d *FileDirectory) groupsPath() string   { return filepath.Join(d.dir, "groups.json") }

func (d *FileDirectory) ActiveContacts(ctx context.Context, f Filter) ([]transport.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cf contactsFile
	if err := d.load(d.contactsPath(), &cf); err != nil {
		return nil, err
	}
	country := strings.ToUpper(strings.TrimSpace(f.Country))
	lang := strings.ToLower(strings.TrimSpace(f.Language))

	out := make([]transport.Target, 0, len(cf.Contacts))
	for i, c := range cf.Contacts {
		if !c.Active {
			continue
		}
		if country != "" && !strings.EqualFold(c.Country, country) {
			continue
		}
		if lang != "" && !strings.EqualFold(c.Language, lang) {
			continue
		}
		recipient := strings.TrimSpace(c.ChatID)
		if recipient == "" {
			recipient = strings.TrimSpace(c.Phone)
		}
		if recipient == "" {
			d.log.Warn("contact without address skipped", logx.Int("index", i), logx.String("name", c.Name))
			continue
		}
		id := c.ID
		if id == "" {
			id = "contact:" + recipient
		}
		name := c.Name
		if name == "" {
			name = "Contact"
		}
		out = append(out, transport.Target{ID: id, Kind: transport.KindContact, Recipient: recipient, Name: name})
	}
	return out, nil
}

func (d *FileDirectory) ActiveGroups(ctx context.Context) ([]transport.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var gf groupsFile
	if err := d.load(d.groupsPath(), &gf); err != nil {
		return nil, err
	}
	out := make([]transport.Target, 0, len(gf.Groups))
	for _, g := range gf.Groups {
		if !g.IsActive || strings.TrimSpace(g.ID) == "" {
			continue
		}
		name := g.Name
		if name == "" {
			name = "Group"
		}
		out = append(out, transport.Target{ID: "group:" + g.ID, Kind: transport.KindGroup, Recipient: strings.TrimSpace(g.ID), Name: name})
	}
	return out, nil
}

// SaveContacts replaces contacts.json atomically.
func (d *FileDirectory) SaveContacts(contacts []Contact) error {
	return d.save(d.contactsPath(), contactsFile{Contacts: contacts})
}

// SaveGroups replaces groups.json atomically.
func (d *FileDirectory) SaveGroups(groups []Group) error {
	return d.save(d.groupsPath(), groupsFile{Groups: groups})
}

// load treats a missing file as empty.
func (d *FileDirectory) load(path string, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func (d *FileDirectory) save(path string, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
