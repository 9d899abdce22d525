package rules

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Rule is a behavioral directive injected into the assistant's system
// prompt. Priority 1 rules are mandatory; priority 0 rules apply when
// relevant.
type Rule struct {
	Text      string    `json:"text"`
	Category  string    `json:"category"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager persists the rule set as a JSON file under the data directory
// and renders it for prompt assembly.
type Manager struct {
	path string
	mu   sync.Mutex
}

func defaultRules(now time.Time) []Rule {
	mk := func(text, category string, priority int) Rule {
		return Rule{Text: text, Category: category, Priority: priority, CreatedAt: now, UpdatedAt: now}
	}
	return []Rule{
		mk("Always respond in the same language as the user's message", "Language", 1),
		mk("Remember and use people's names when they introduce themselves", "Personalization", 1),
		mk("Be helpful and friendly while maintaining a professional tone", "Tone", 1),
		mk("Share conversation history and context openly when asked", "Memory", 1),
		mk("Keep track of important information shared in conversation", "Memory", 0),
		mk("Use emojis appropriately to make responses more engaging", "Tone", 0),
	}
}

// NewManager opens the rule file at dataDir/rules.json, seeding the
// defaults on first run.
func NewManager(dataDir string) (*Manager, error) {
	m := &Manager{path: filepath.Join(dataDir, "rules.json")}
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create rules dir: %w", err)
		}
		if err := m.write(defaultRules(time.Now().UTC())); err != nil {
			return nil, err
		}
		log.Printf("[rules] seeded default rules at %s", m.path)
	} else if err != nil {
		return nil, fmt.Errorf("stat rules file: %w", err)
	}
	return m, nil
}

// Rules returns the current rule set. An unreadable file yields an empty
// set rather than an error; a chat must not fail because a rule file is
// broken.
func (m *Manager) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() []Rule {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		log.Printf("[rules] read %s: %v", m.path, err)
		return nil
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		log.Printf("[rules] parse %s: %v", m.path, err)
		return nil
	}
	return rules
}

// Add appends a rule and persists the set.
func (m *Manager) Add(text, category string, priority int) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty rule text")
	}
	if category == "" {
		category = "General"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rules := append(m.load(), Rule{
		Text: text, Category: category, Priority: priority,
		CreatedAt: now, UpdatedAt: now,
	})
	return m.write(rules)
}

// Remove deletes the rule at index.
func (m *Manager) Remove(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules := m.load()
	if index < 0 || index >= len(rules) {
		return fmt.Errorf("rule index %d out of range [0,%d)", index, len(rules))
	}
	return m.write(append(rules[:index], rules[index+1:]...))
}

func (m *Manager) write(rules []Rule) error {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return nil
}

// Formatted renders the rule set for the system prompt, mandatory rules
// first.
func (m *Manager) Formatted() string {
	rules := m.Rules()
	if len(rules) == 0 {
		return "No specific rules set."
	}

	var core, optional []string
	for _, r := range rules {
		if r.Priority >= 1 {
			core = append(core, "- "+r.Text)
		} else {
			optional = append(optional, "- "+r.Text)
		}
	}

	var b strings.Builder
	b.WriteString("Rules to follow:\n")
	if len(core) > 0 {
		b.WriteString("\nCore rules (must follow):\n")
		b.WriteString(strings.Join(core, "\n"))
	}
	if len(optional) > 0 {
		b.WriteString("\nOptional rules (when applicable):\n")
		b.WriteString(strings.Join(optional, "\n"))
	}
	return b.String()
}
