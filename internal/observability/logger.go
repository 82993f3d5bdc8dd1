package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/fanserial/internal/logging"
)

// InitLogger installs the runtime console logger tagged with app.
func InitLogger(app string) zerolog.Logger {
	cfg := logging.RuntimeConfig()
	logger := logging.New(cfg).With().Str("app", app).Logger()
	zerolog.SetGlobalLevel(cfg.Level)
	log.Logger = logger
	return logger
}
