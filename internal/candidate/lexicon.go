package candidate

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Lexicon maps field keys to the label phrases that anchor them on a page.
// The global lexicon comes from the field definitions; vendor entries are
// layered on top as reviewers confirm corrections.
type Lexicon struct {
	// Aliases holds extra labels per field key.
	Aliases map[string][]string `yaml:"aliases"`
}

// LexiconStore reads and learns per-vendor label aliases.
type LexiconStore interface {
	Lexicon(vendorID string) (Lexicon, error)
	// Learn records a confirmed label for a field, the reviewer feedback loop.
	Learn(vendorID, field, label string) error
}

// FileLexiconStore keeps one yaml file per vendor.
type FileLexiconStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileLexiconStore creates the directory if needed.
func NewFileLexiconStore(dir string) (*FileLexiconStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "candidate: create lexicon dir")
	}
	return &FileLexiconStore{dir: dir}, nil
}

type lexiconFile struct {
	VendorID  string              `yaml:"vendor_id"`
	UpdatedAt time.Time           `yaml:"updated_at"`
	Aliases   map[string][]string `yaml:"aliases"`
}

func (s *FileLexiconStore) path(vendorID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, vendorID)
	return filepath.Join(s.dir, safe+".yaml")
}

// Lexicon returns the vendor's learned aliases; unknown vendors have none.
func (s *FileLexiconStore) Lexicon(vendorID string) (Lexicon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load(vendorID)
	if err != nil {
		return Lexicon{}, err
	}
	return Lexicon{Aliases: f.Aliases}, nil
}

func (s *FileLexiconStore) load(vendorID string) (lexiconFile, error) {
	data, err := os.ReadFile(s.path(vendorID))
	if os.IsNotExist(err) {
		return lexiconFile{VendorID: vendorID, Aliases: map[string][]string{}}, nil
	}
	if err != nil {
		return lexiconFile{}, eris.Wrap(err, "candidate: read lexicon")
	}
	var f lexiconFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return lexiconFile{}, eris.Wrapf(err, "candidate: parse lexicon for %s", vendorID)
	}
	if f.Aliases == nil {
		f.Aliases = map[string][]string{}
	}
	return f, nil
}

// Learn appends a confirmed label alias, deduplicating case-insensitively.
func (s *FileLexiconStore) Learn(vendorID, field, label string) error {
	label = collapse(label)
	if label == "" {
		return eris.New("candidate: empty lexicon label")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load(vendorID)
	if err != nil {
		return err
	}
	for _, existing := range f.Aliases[field] {
		if strings.EqualFold(existing, label) {
			return nil
		}
	}
	f.Aliases[field] = append(f.Aliases[field], label)
	f.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "candidate: marshal lexicon")
	}
	tmp := s.path(vendorID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "candidate: write lexicon")
	}
	if err := os.Rename(tmp, s.path(vendorID)); err != nil {
		return eris.Wrap(err, "candidate: replace lexicon")
	}
	return nil
}
