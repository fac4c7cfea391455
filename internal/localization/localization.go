// Package localization holds the user-facing texts: room-closing notices and the
// Telegram bridge replies. Locales ship inside the binary as locales/<lang>.json.
package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
)

// DefaultLanguage is used when a key is missing from the requested language.
const DefaultLanguage = "en"

//go:embed locales/*.json
var embedded embed.FS

// Localizer maps language -> key -> text. It is safe for concurrent use.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
}

// NewLocalizer loads the translations shipped with the binary.
func NewLocalizer() (*Localizer, error) {
	return Load(embedded, "locales")
}

// Load builds a Localizer from the "<lang>.json" files in dir of fsys. Other
// entries are skipped; tests pass an fstest.MapFS.
func Load(fsys fs.FS, dir string) (*Localizer, error) {
	l := &Localizer{
		translations: make(map[string]map[string]string),
	}

	files, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		lang := strings.TrimSuffix(file.Name(), ".json")
		data, err := fs.ReadFile(fsys, path.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", file.Name(), err)
		}

		var translations map[string]string
		if err := json.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", file.Name(), err)
		}

		l.translations[lang] = translations
	}

	return l, nil
}

// GetString looks key up in lang, then in DefaultLanguage, and returns key itself
// when neither has it.
func (l *Localizer) GetString(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if langTranslations, ok := l.translations[lang]; ok {
		if value, ok := langTranslations[key]; ok {
			return value
		}
	}

	if lang != DefaultLanguage {
		if defTranslations, ok := l.translations[DefaultLanguage]; ok {
			if value, ok := defTranslations[key]; ok {
				return value
			}
		}
	}

	return key
}

// Format is GetString followed by fmt.Sprintf with args.
func (l *Localizer) Format(lang, key string, args ...any) string {
	return fmt.Sprintf(l.GetString(lang, key), args...)
}

// ClosedNotice is the system message text written when a room closes for reason.
func (l *Localizer) ClosedNotice(lang, reason string) string {
	key := "room_closed_" + reason
	if s := l.GetString(lang, key); s != key {
		return s
	}
	return l.GetString(lang, "room_closed")
}
