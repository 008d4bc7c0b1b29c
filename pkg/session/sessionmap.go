package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Map is the persisted username -> tty -> session_id correlation table. It is
// written by the session tracker and read by the command history tailer and
// the file integrity watcher. Readers must tolerate a missing or mid-write
// file by treating it as "no information".
type Map map[string]map[string]string

// LoadMap reads a session map file. Missing or unparseable files yield an
// empty map, never an error.
func LoadMap(path string) Map {
	data, err := os.ReadFile(path)
	if err != nil {
		return Map{}
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return Map{}
	}
	return m
}

// Save persists the map with write-then-rename so readers never observe a
// partial file.
func (m Map) Save(path string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SessionID builds the externally visible session identifier. It embeds the
// resolved source IP, so it changes if the IP resolution for a live
// (username, tty) pair changes.
func SessionID(username, tty, ip string) string {
	return username + "-" + tty + "-" + ip
}

// IPFromSessionID recovers the source IP embedded in a session identifier.
func IPFromSessionID(id string) string {
	idx := strings.LastIndex(id, "-")
	if idx < 0 || idx == len(id)-1 {
		return "-"
	}
	return id[idx+1:]
}

// HistoryFilePath returns the per-terminal bash history file for a user. The
// tty name keeps its slash (pts/0), so the history files for pseudo-terminals
// live under a .bash_history.pts directory.
func HistoryFilePath(username, tty string) string {
	if username == "root" {
		return "/root/.bash_history." + tty
	}
	return "/home/" + username + "/.bash_history." + tty
}
