package decision

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// DefaultTemplateName is the template every library must carry; unknown
// template requests degrade to it.
const DefaultTemplateName = "default"

// TemplateLibrary holds the named system-prompt templates, loaded from a
// directory of .txt files addressed by file stem.
type TemplateLibrary struct {
	dir string
	log zerolog.Logger

	mu        sync.RWMutex
	templates map[string]string
}

// LoadTemplates reads every .txt file under dir. The default template must
// exist.
func LoadTemplates(dir string) (*TemplateLibrary, error) {
	l := &TemplateLibrary{
		dir: dir,
		log: zlog.With().Str("component", "prompts").Str("dir", dir).Logger(),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	_, ok := l.templates[DefaultTemplateName]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("prompt template %q missing from %s", DefaultTemplateName, dir)
	}
	return l, nil
}

// Reload re-reads the template directory, replacing the in-memory set.
func (l *TemplateLibrary) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read prompt directory: %w", err)
	}

	templates := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read prompt template %s: %w", name, err)
		}
		templates[strings.TrimSuffix(name, ".txt")] = strings.TrimSpace(string(content))
	}

	l.mu.Lock()
	l.templates = templates
	l.mu.Unlock()

	l.log.Info().Int("count", len(templates)).Msg("prompt templates loaded")
	return nil
}

// Get returns the named template, degrading to default when it is missing.
func (l *TemplateLibrary) Get(name string) string {
	if name == "" {
		name = DefaultTemplateName
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if content, ok := l.templates[name]; ok {
		return content
	}
	l.log.Warn().Str("template", name).Msg("prompt template not found, using default")
	return l.templates[DefaultTemplateName]
}

// Names lists the available template names.
func (l *TemplateLibrary) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
