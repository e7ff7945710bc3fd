// Package catalog loads localized message catalogs embedded as YAML files and
// registers them with golang.org/x/text/message.
package catalog

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// BaseLocale is the canonical source locale for catalogs.
const BaseLocale = "en-US"

type catalogFile struct {
	Locale    string            `yaml:"locale"`
	Namespace string            `yaml:"namespace"`
	Messages  map[string]string `yaml:"messages"`
}

// Bundle contains all locale catalogs.
type Bundle struct {
	locales map[string]map[string]string
	matcher language.Matcher
	order   []string

	mu        sync.Mutex
	templates map[string]*template.Template
}

//go:embed locales/*/*.yaml
var embeddedFS embed.FS

var (
	defaultOnce   sync.Once
	defaultBundle *Bundle
)

// Default returns the process-wide embedded catalog bundle.
func Default() *Bundle {
	defaultOnce.Do(func() {
		bundle, err := LoadFromFS(embeddedFS)
		if err != nil {
			panic(err)
		}
		if err := bundle.Register(); err != nil {
			panic(err)
		}
		defaultBundle = bundle
	})
	return defaultBundle
}

// LoadFromFS loads catalog files laid out as locales/<locale>/<namespace>.yaml.
func LoadFromFS(catalogFS fs.FS) (*Bundle, error) {
	paths, err := fs.Glob(catalogFS, "locales/*/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locale catalogs: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no catalog files found")
	}
	sort.Strings(paths)

	bundle := &Bundle{
		locales:   map[string]map[string]string{},
		templates: map[string]*template.Template{},
	}
	for _, p := range paths {
		data, err := fs.ReadFile(catalogFS, p)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", p, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", p, err)
		}
		if err := bundle.addFile(p, file); err != nil {
			return nil, err
		}
	}
	if _, ok := bundle.locales[BaseLocale]; !ok {
		return nil, fmt.Errorf("base locale %s is not defined in catalogs", BaseLocale)
	}

	// The matcher index refers back into order; the base locale goes first so
	// it is the matcher's default.
	bundle.order = []string{BaseLocale}
	tags := []language.Tag{language.MustParse(BaseLocale)}
	for _, locale := range bundle.Locales() {
		if locale == BaseLocale {
			continue
		}
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("parse locale tag %q: %w", locale, err)
		}
		bundle.order = append(bundle.order, locale)
		tags = append(tags, tag)
	}
	bundle.matcher = language.NewMatcher(tags)
	return bundle, nil
}

func (b *Bundle) addFile(p string, file catalogFile) error {
	localeFromPath := path.Base(path.Dir(p))
	namespaceFromPath := strings.TrimSuffix(path.Base(p), path.Ext(p))

	locale := strings.TrimSpace(file.Locale)
	if locale != localeFromPath {
		return fmt.Errorf("catalog %s: locale %q must match path locale %q", p, locale, localeFromPath)
	}
	namespace := strings.TrimSpace(file.Namespace)
	if namespace != namespaceFromPath {
		return fmt.Errorf("catalog %s: namespace %q must match filename %q", p, namespace, namespaceFromPath)
	}
	if len(file.Messages) == 0 {
		return fmt.Errorf("catalog %s: messages are required", p)
	}

	messages, ok := b.locales[locale]
	if !ok {
		messages = map[string]string{}
		b.locales[locale] = messages
	}
	for key, value := range file.Messages {
		key = namespace + "." + strings.TrimSpace(key)
		if _, exists := messages[key]; exists {
			return fmt.Errorf("catalog %s: duplicate key %q", p, key)
		}
		messages[key] = value
	}
	return nil
}

// Register registers all catalog messages with x/text/message so printers
// created for a supported tag can render them.
func (b *Bundle) Register() error {
	for locale, messages := range b.locales {
		tag, err := language.Parse(locale)
		if err != nil {
			return fmt.Errorf("parse locale tag %q: %w", locale, err)
		}
		for key, value := range messages {
			if err := message.SetString(tag, key, value); err != nil {
				return fmt.Errorf("register %s %s: %w", locale, key, err)
			}
		}
	}
	return nil
}

// Locales returns all available locale identifiers, sorted.
func (b *Bundle) Locales() []string {
	out := make([]string, 0, len(b.locales))
	for locale := range b.locales {
		out = append(out, locale)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a requested locale (an Accept-Language value is fine) onto
// the closest locale the bundle carries.
func (b *Bundle) Resolve(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return BaseLocale
	}
	if _, ok := b.locales[requested]; ok {
		return requested
	}
	desired, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(desired) == 0 {
		return BaseLocale
	}
	_, index, confidence := b.matcher.Match(desired...)
	if confidence == language.No || index < 0 || index >= len(b.order) {
		return BaseLocale
	}
	return b.order[index]
}

// Message returns one message template with base-locale fallback.
func (b *Bundle) Message(locale, key string) (string, bool) {
	if messages, ok := b.locales[b.Resolve(locale)]; ok {
		if value, ok := messages[key]; ok {
			return value, true
		}
	}
	value, ok := b.locales[BaseLocale][key]
	return value, ok
}

// Format renders the message for key with metadata as template data. It
// returns fallback when the key is unknown or the template fails.
func (b *Bundle) Format(locale, key string, metadata map[string]string, fallback string) string {
	text, ok := b.Message(locale, key)
	if !ok {
		if fallback == "" {
			return key
		}
		return fallback
	}
	if !strings.Contains(text, "{{") {
		return text
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	b.mu.Lock()
	tmpl, ok := b.templates[text]
	if !ok {
		parsed, err := template.New("msg").Option("missingkey=zero").Parse(text)
		if err != nil {
			b.mu.Unlock()
			return text
		}
		tmpl = parsed
		b.templates[text] = tmpl
	}
	b.mu.Unlock()

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, metadata); err != nil {
		return text
	}
	return buf.String()
}

// Printer returns an x/text printer for the resolved locale.
func (b *Bundle) Printer(locale string) *message.Printer {
	return message.NewPrinter(language.MustParse(b.Resolve(locale)))
}

// Missing lists base-locale keys that locale does not translate, sorted.
func (b *Bundle) Missing(locale string) []string {
	messages := b.locales[locale]
	var missing []string
	for key := range b.locales[BaseLocale] {
		if _, ok := messages[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}
