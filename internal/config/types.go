package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`

	// AdminUserIDs / AdminUsernames identify operators with admin access
	// (course and curator management). Curators are stored in the database.
	AdminUserIDs   []int64  `json:"admin_user_ids,omitempty"`
	AdminUsernames []string `json:"admin_usernames,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite database.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DispatchConfig controls the broadcast dispatcher.
//
// RatePerSec bounds how fast per-recipient survey launches are started,
// to stay under chat-transport rate limits. It is a throttle, not a
// delivery guarantee.
type DispatchConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 10

	// AnonymityChoice asks each recipient whether to answer anonymously
	// before the first question. Default true.
	AnonymityChoice *bool `json:"anonymity_choice,omitempty"`
}

// RetentionConfig controls scheduled cleanup of untitled surveys.
//
// Schedule is a cron expression (e.g. "0 4 * * *"). MinAge is a Go duration
// string; only untitled surveys older than MinAge are removed.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default "0 4 * * *"
	MinAge   string `json:"min_age,omitempty"`  // default "720h" (30 days)
}
