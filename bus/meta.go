package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/simplebus/errs"
)

// FormatVersion is the bus-wide on-disk format revision. Segments and the
// meta file both carry it implicitly through this number.
const FormatVersion = 1

const metaFileName = "bus.meta.json"

type metaFile struct {
	FormatVersion int      `json:"format_version"`
	Topics        []string `json:"topics"`
}

// metaStore persists the bus-wide metadata: the known topics and the format
// version. Saves are atomic (temp file + rename).
type metaStore struct {
	path string

	mu   sync.Mutex
	data metaFile
}

func openMeta(dataDir string) (*metaStore, error) {
	m := &metaStore{
		path: filepath.Join(dataDir, metaFileName),
		data: metaFile{FormatVersion: FormatVersion, Topics: nil},
	}

	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		if err := m.save(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, errs.New("bus/meta", errs.CodeIoFailure, errs.WithCause(err))
	}
	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, errs.New("bus/meta", errs.CodeIoFailure,
			errs.WithMessage("malformed bus.meta.json"), errs.WithCause(err))
	}
	if m.data.FormatVersion != FormatVersion {
		return nil, errs.New("bus/meta", errs.CodeIoFailure,
			errs.WithMessage(fmt.Sprintf("unsupported format version %d", m.data.FormatVersion)))
	}
	return m, nil
}

// topics returns the known topic names, sorted.
func (m *metaStore) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.data.Topics...)
	sort.Strings(out)
	return out
}

// add records a topic, persisting the meta file when the name is new.
func (m *metaStore) add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.Topics {
		if existing == name {
			return nil
		}
	}
	m.data.Topics = append(m.data.Topics, name)
	return m.saveLocked()
}

func (m *metaStore) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *metaStore) saveLocked() error {
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return errs.New("bus/meta", errs.CodeIoFailure, errs.WithCause(err))
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errs.New("bus/meta", errs.CodeIoFailure, errs.WithCause(err))
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errs.New("bus/meta", errs.CodeIoFailure, errs.WithCause(err))
	}
	return nil
}
