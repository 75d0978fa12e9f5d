/*
Package log provides structured logging for pdsmigrate using zerolog.

The log package wraps zerolog to give every migration step, PDS RPC call, and
blob transfer a JSON-structured log line with a consistent set of context
fields, rather than each package building its own ad-hoc logger.

# Usage

Initializing the logger:

	import "github.com/atmove/pdsmigrate/pkg/log"

	// JSON output (production, piped to a log aggregator)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (local runs)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("session store opened")
	log.Debug("checking destination account status")
	log.Warn("blob store falling back from fs to kv")
	log.Error("createAccount failed")

Context loggers:

	stepLog := log.WithStep("import_repo")
	stepLog.Info().Msg("importing CAR archive")

	didLog := log.WithDID(string(did))
	didLog.Info().Msg("migration started")

	backendLog := log.WithBackend("fs")
	backendLog.Warn().Err(err).Msg("store failed, trying next backend")

Combining context fields:

	log.WithDID(string(did)).With().Str("step", "transfer_blobs").Logger().
		Info().Int("count", len(refs)).Msg("transferring blobs")

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once via log.Init()
  - Accessible from every package without threading a logger through calls
    that do not otherwise need one

Context Logger Pattern:
  - WithDID, WithStep, WithBackend, WithComponent return child loggers
  - Context fields ride along on every subsequent log line from that child

# Security

Never log access or refresh tokens, passwords, or invite codes. The session
store already encrypts tokens at rest; logging them in plaintext would
undo that. Log the DID, step name, and CID instead — never token contents.
*/
package log
