// Package persist owns the bot's JSON fallback state: chat histories
// and per-guild settings kept on disk so the process can restart
// without the vector index. Mutations run under a lock, and writes go
// through a single-flight saver that coalesces bursts into at most one
// in-flight write plus one trailing rewrite.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const chatHistoriesDir = "chat_histories"

var stateFiles = map[string]string{
	"active_users":             "active_users_in_channels.json",
	"custom_instructions":      "custom_instructions.json",
	"server_settings":          "server_settings.json",
	"user_response_preference": "user_response_preference.json",
	"always_respond_channels":  "always_respond_channels.json",
	"channel_wide_chathistory": "channel_wide_chathistory.json",
	"blacklisted_users":        "blacklisted_users.json",
}

// Part is one content fragment of a stored message.
type Part struct {
	Text string `json:"text,omitempty"`
}

// TurnEntry is one message in a stored history.
type TurnEntry struct {
	Role    string `json:"role"`
	Content []Part `json:"content"`
}

// History groups messages by sub-conversation id.
type History map[string][]TurnEntry

// ServerSettings carries the per-guild feature switches.
type ServerSettings struct {
	ServerChatHistory        bool   `json:"serverChatHistory"`
	SettingsSaveButton       bool   `json:"settingsSaveButton"`
	CustomServerPersonality  bool   `json:"customServerPersonality"`
	ServerResponsePreference bool   `json:"serverResponsePreference"`
	ResponseStyle            string `json:"responseStyle"`
}

// DefaultServerSettings returns the settings a new guild starts with.
func DefaultServerSettings() ServerSettings {
	return ServerSettings{
		ServerChatHistory:  true,
		SettingsSaveButton: true,
		ResponseStyle:      "plain",
	}
}

// State is the full persisted snapshot. Each field maps to its own
// file on disk.
type State struct {
	ChatHistories          map[string]History
	ActiveChannelUsers     map[string]map[string]bool
	CustomInstructions     map[string]string
	ServerSettings         map[string]ServerSettings
	UserResponsePreference map[string]string
	AlwaysRespondChannels  map[string]bool
	ChannelWideChatHistory map[string]bool
	BlacklistedUsers       map[string][]string
}

func newState() *State {
	return &State{
		ChatHistories:          make(map[string]History),
		ActiveChannelUsers:     make(map[string]map[string]bool),
		CustomInstructions:     make(map[string]string),
		ServerSettings:         make(map[string]ServerSettings),
		UserResponsePreference: make(map[string]string),
		AlwaysRespondChannels:  make(map[string]bool),
		ChannelWideChatHistory: make(map[string]bool),
		BlacklistedUsers:       make(map[string][]string),
	}
}

// EnsureGuildDefaults initializes the blacklist and settings entries
// for a guild seen for the first time.
func (s *State) EnsureGuildDefaults(guildID string) {
	if guildID == "" {
		return
	}
	if _, ok := s.BlacklistedUsers[guildID]; !ok {
		s.BlacklistedUsers[guildID] = []string{}
	}
	if _, ok := s.ServerSettings[guildID]; !ok {
		s.ServerSettings[guildID] = DefaultServerSettings()
	}
}

// FlattenHistory renders a history as alternating "role: text" lines,
// walking sub-conversations in sorted order so the output is stable.
func FlattenHistory(h History) string {
	subIDs := make([]string, 0, len(h))
	for subID := range h {
		subIDs = append(subIDs, subID)
	}
	sort.Strings(subIDs)

	var b strings.Builder
	for _, subID := range subIDs {
		for _, entry := range h[subID] {
			text := flattenParts(entry.Content)
			if text == "" {
				continue
			}
			b.WriteString(entry.Role)
			b.WriteString(": ")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func flattenParts(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// StateStore is the on-disk state holder.
type StateStore struct {
	log *zap.SugaredLogger
	dir string

	mu    sync.Mutex
	state *State
	saver *saver
}

// NewStateStore creates a store rooted at dir. Nothing is read until
// Load.
func NewStateStore(log *zap.SugaredLogger, dir string) *StateStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &StateStore{
		log:   log.With("service", "StateStore"),
		dir:   dir,
		state: newState(),
	}
	s.saver = newSaver(s.writeFiles, s.log)
	return s
}

// Load reads the persisted snapshot. Missing files are fine on first
// run; unreadable ones are logged and skipped so one corrupt file does
// not take the whole state down.
func (s *StateStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, chatHistoriesDir), 0o755); err != nil {
		return fmt.Errorf("persist: create state dir: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, chatHistoriesDir))
	if err != nil {
		return fmt.Errorf("persist: read histories dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		historyID := strings.TrimSuffix(name, ".json")
		var h History
		if err := readJSON(filepath.Join(s.dir, chatHistoriesDir, name), &h); err != nil {
			s.log.Warnw("skipping unreadable chat history", "history_id", historyID, "error", err)
			continue
		}
		s.state.ChatHistories[historyID] = h
	}

	loadFile := func(name string, into any) {
		path := filepath.Join(s.dir, name)
		if err := readJSON(path, into); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warnw("skipping unreadable state file", "file", name, "error", err)
		}
	}
	loadFile(stateFiles["active_users"], &s.state.ActiveChannelUsers)
	loadFile(stateFiles["custom_instructions"], &s.state.CustomInstructions)
	loadFile(stateFiles["server_settings"], &s.state.ServerSettings)
	loadFile(stateFiles["user_response_preference"], &s.state.UserResponsePreference)
	loadFile(stateFiles["always_respond_channels"], &s.state.AlwaysRespondChannels)
	loadFile(stateFiles["channel_wide_chathistory"], &s.state.ChannelWideChatHistory)
	loadFile(stateFiles["blacklisted_users"], &s.state.BlacklistedUsers)
	return nil
}

// Update mutates the state under the lock and schedules a save.
func (s *StateStore) Update(fn func(*State)) {
	s.mu.Lock()
	fn(s.state)
	s.mu.Unlock()
	s.saver.Save()
}

// View reads the state under the lock without scheduling a save. The
// callback must not retain references past its return.
func (s *StateStore) View(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// Save schedules a write of the current snapshot.
func (s *StateStore) Save() {
	s.saver.Save()
}

// Flush blocks until no save is in flight or pending.
func (s *StateStore) Flush() {
	s.saver.Flush()
}

// writeFiles serializes the whole snapshot to disk. It runs on the
// saver goroutine; the state lock is held only while marshaling.
func (s *StateStore) writeFiles() error {
	type pending struct {
		path string
		data []byte
	}

	s.mu.Lock()
	files := make([]pending, 0, len(stateFiles)+len(s.state.ChatHistories))
	appendFile := func(path string, v any) {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			s.log.Warnw("failed to marshal state file", "file", path, "error", err)
			return
		}
		files = append(files, pending{path: path, data: data})
	}
	for historyID, h := range s.state.ChatHistories {
		appendFile(filepath.Join(s.dir, chatHistoriesDir, historyID+".json"), h)
	}
	appendFile(filepath.Join(s.dir, stateFiles["active_users"]), s.state.ActiveChannelUsers)
	appendFile(filepath.Join(s.dir, stateFiles["custom_instructions"]), s.state.CustomInstructions)
	appendFile(filepath.Join(s.dir, stateFiles["server_settings"]), s.state.ServerSettings)
	appendFile(filepath.Join(s.dir, stateFiles["user_response_preference"]), s.state.UserResponsePreference)
	appendFile(filepath.Join(s.dir, stateFiles["always_respond_channels"]), s.state.AlwaysRespondChannels)
	appendFile(filepath.Join(s.dir, stateFiles["channel_wide_chathistory"]), s.state.ChannelWideChatHistory)
	appendFile(filepath.Join(s.dir, stateFiles["blacklisted_users"]), s.state.BlacklistedUsers)
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.dir, chatHistoriesDir), 0o755); err != nil {
		return fmt.Errorf("persist: create state dir: %w", err)
	}
	var firstErr error
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist: write %s: %w", f.path, err)
		}
	}
	return firstErr
}

func readJSON(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}
