/*
Package log provides structured logging for mscluster using zerolog.

A single global zerolog.Logger is configured once through Init and shared by
every package. Components derive child loggers that carry their identity:

	logger := log.WithComponent("heartbeat").With().Int64("msid", 1).Logger()
	logger.Warn().Err(err).Msg("heartbeat write failed")

Output is either JSON (for log shipping) or zerolog's console writer:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Levels: debug, info, warn, error. Unknown level names fall back to info.
Before Init is called the logger writes JSON to stderr so that library code
used from tests never panics on a zero logger.
*/
package log
