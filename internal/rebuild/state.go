package rebuild

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const StateFile = "state.yaml"

// RunState is what the previous run recorded. Output "" means stdout.
type RunState struct {
	MailboxSum       string `yaml:"mailbox_checksum"`
	EventsSum        string `yaml:"vevents_checksum"`
	TimezonesSum     string `yaml:"vtimezones_checksum"`
	DateIndexSum     string `yaml:"date_index_checksum"`
	TimezoneIndexSum string `yaml:"tz_index_checksum"`

	Alarm       bool `yaml:"alarm"`
	FixEncoding bool `yaml:"fix_encoding"`

	NotBefore string `yaml:"not_before"`
	NotAfter  string `yaml:"not_after"`
	Output    string `yaml:"output"`
}

// LoadState reads a RunState. A missing file yields the zero value and
// ok=false.
func LoadState(path string) (st RunState, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return RunState{}, false, nil
	}
	if err != nil {
		return RunState{}, false, errors.Wrapf(err, "read state %s", path)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return RunState{}, false, errors.Wrapf(err, "decode state %s", path)
	}
	return st, true, nil
}

// SaveState replaces the state file atomically.
func SaveState(path string, st RunState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	data, err := yaml.Marshal(&st)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "write state %s", path)
	}
	return nil
}
