package zone

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/ledgerline/invoicescan/internal/model"
)

// Mask is a user-authored exclusion rectangle persisted per vendor.
type Mask struct {
	Bounds  model.Rect `yaml:"bounds" json:"bounds"`
	Reason  string     `yaml:"reason" json:"reason"`
	AddedBy string     `yaml:"added_by,omitempty" json:"added_by,omitempty"`
	AddedAt time.Time  `yaml:"added_at,omitempty" json:"added_at,omitempty"`
}

// MaskStore reads and writes per-vendor mask sets.
type MaskStore interface {
	Masks(vendorID string) ([]Mask, error)
	Add(vendorID string, m Mask) error
	Remove(vendorID string, index int) error
}

// FileMaskStore keeps one yaml file per vendor under a directory.
type FileMaskStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileMaskStore creates the directory if needed.
func NewFileMaskStore(dir string) (*FileMaskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "zone: create mask dir")
	}
	return &FileMaskStore{dir: dir}, nil
}

type maskFile struct {
	VendorID string `yaml:"vendor_id"`
	Masks    []Mask `yaml:"masks"`
}

func (s *FileMaskStore) path(vendorID string) string {
	// Vendor ids come from upstream; keep the filename tame.
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

// Masks returns the vendor's masks; a vendor with no file has none.
func (s *FileMaskStore) Masks(vendorID string) ([]Mask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(vendorID)
}

func (s *FileMaskStore) load(vendorID string) ([]Mask, error) {
	data, err := os.ReadFile(s.path(vendorID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "zone: read mask file")
	}
	var f maskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "zone: parse mask file for %s", vendorID)
	}
	return f.Masks, nil
}

// Add appends a mask to the vendor's set.
func (s *FileMaskStore) Add(vendorID string, m Mask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	masks, err := s.load(vendorID)
	if err != nil {
		return err
	}
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now().UTC()
	}
	return s.save(vendorID, append(masks, m))
}

// Remove deletes the mask at index.
func (s *FileMaskStore) Remove(vendorID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	masks, err := s.load(vendorID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(masks) {
		return eris.Errorf("zone: no mask %d for vendor %s", index, vendorID)
	}
	return s.save(vendorID, append(masks[:index], masks[index+1:]...))
}

func (s *FileMaskStore) save(vendorID string, masks []Mask) error {
	data, err := yaml.Marshal(maskFile{VendorID: vendorID, Masks: masks})
	if err != nil {
		return eris.Wrap(err, "zone: marshal masks")
	}
	tmp := s.path(vendorID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrap(err, "zone: write mask file")
	}
	if err := os.Rename(tmp, s.path(vendorID)); err != nil {
		return eris.Wrap(err, "zone: replace mask file")
	}
	return nil
}

// ApplyMasks marks zones intersecting any vendor mask as masked. Already
// auto-masked zones keep their original reason.
func ApplyMasks(zones []ZoneImage, masks []Mask) {
	for i := range zones {
		if zones[i].Meta.Masked {
			continue
		}
		for _, m := range masks {
			if zones[i].Meta.Bounds.Intersects(m.Bounds) {
				zones[i].Meta.Masked = true
				zones[i].Meta.MaskReason = m.Reason
				break
			}
		}
	}
}

// Schedulable filters out masked zones; only these reach the OCR scheduler.
func Schedulable(zones []ZoneImage) []ZoneImage {
	out := make([]ZoneImage, 0, len(zones))
	for _, z := range zones {
		if !z.Meta.Masked {
			out = append(out, z)
		}
	}
	return out
}
