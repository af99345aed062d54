package config

import "time"

// Settings is the resolved runtime configuration of the capture server.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	SessionsDir string
	UsersFile   string
	JournalPath string
	ChunkExt    string
	MaxChunk    int64

	FFmpegPath string

	AnalyzerURL     string
	AnalyzerTimeout time.Duration
	FrameQueueSize  int

	ClosingTimeout time.Duration
	IdleTimeout    time.Duration

	// WSOrigins are host patterns allowed to open the skeleton WebSocket
	// from another origin.
	WSOrigins []string
	// CORSOrigins are browser origins allowed to call the HTTP API. "*"
	// allows any origin.
	CORSOrigins []string
}

// Defaults mirror what a single-host deployment needs out of the box.
const (
	DefaultPort            = "8000"
	DefaultSessionsDir     = "data/sessions"
	DefaultUsersFile       = "data/users.json"
	DefaultJournalPath     = "data/journal.db"
	DefaultChunkExt        = "webm"
	DefaultMaxChunkBytes   = 64 << 20
	DefaultAnalyzerTimeout = 2 * time.Second
	DefaultFrameQueueSize  = 4
	DefaultClosingTimeout  = 2 * time.Minute
	DefaultIdleTimeout     = 5 * time.Minute
)

// FromEnv resolves Settings from the process environment. Call Load first
// if a .env file should be honoured.
func FromEnv() Settings {
	return Settings{
		Port:            GetEnv("PORT", DefaultPort),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		LogFormat:       GetEnv("LOG_FORMAT", "json"),
		SessionsDir:     GetEnv("SESSIONS_DIR", DefaultSessionsDir),
		UsersFile:       GetEnv("USERS_FILE", DefaultUsersFile),
		JournalPath:     GetEnv("JOURNAL_PATH", DefaultJournalPath),
		ChunkExt:        GetEnv("CHUNK_EXT", DefaultChunkExt),
		MaxChunk:        GetEnvInt64("MAX_CHUNK_BYTES", DefaultMaxChunkBytes),
		FFmpegPath:      GetEnv("FFMPEG_PATH", "ffmpeg"),
		AnalyzerURL:     GetEnv("ANALYZER_URL", ""),
		AnalyzerTimeout: GetEnvDuration("ANALYZER_TIMEOUT", DefaultAnalyzerTimeout),
		FrameQueueSize:  GetEnvInt("FRAME_QUEUE_SIZE", DefaultFrameQueueSize),
		ClosingTimeout:  GetEnvDuration("CLOSING_TIMEOUT", DefaultClosingTimeout),
		IdleTimeout:     GetEnvDuration("IDLE_TIMEOUT", DefaultIdleTimeout),
		WSOrigins:       GetEnvList("WS_ORIGINS", nil),
		CORSOrigins:     GetEnvList("CORS_ORIGINS", []string{"*"}),
	}
}
