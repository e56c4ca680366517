/*
Package log provides structured logging for Admiral on top of zerolog.

A single global Logger is configured once at startup with Init. Components
derive child loggers that carry identifying fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reconciler")
	logger.Info().Str("host_id", hostID).Msg("Reconciliation pass started")

	taskLog := log.WithTask("container-removal", task.ID)
	taskLog.Warn().Err(err).Msg("Barrier unit failed")

Available context helpers:

  - WithComponent: component name ("task-engine", "reconciler", "sessions")
  - WithNodeID: manager node id
  - WithHostID: managed host id
  - WithTask: task kind and id

Console output (the default) is meant for development; JSON output is meant
for log aggregation. Level filtering is global via zerolog.SetGlobalLevel.
*/
package log
