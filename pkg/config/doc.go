/*
Package config loads the admiral YAML configuration.

Load reads the file over Default, so a file only needs the keys it
changes, and a missing file yields the defaults. Durations use Go syntax
("90s", "12h"). The result is validated with go-playground/validator and
any failure, including a parse error, is returned as a fault.Validation.

	node:
	  id: manager-1
	  dataDir: /var/lib/admiral
	  raftAddr: 127.0.0.1:7946
	log:
	  level: info
	  json: false
	api:
	  httpAddr: :9090
	  grpcAddr: :9091
	tasks:
	  defaultExpiration: 1h
	  completedRetention: 5m
	  failedRetention: 0s      # keep failed tasks without a callback
	  mailboxIdleTimeout: 1m
	  sweepInterval: 1m
	sessions:
	  ttl: 12h
	  maintenanceInterval: 10s
	  expiryMargin: 0s         # twice the maintenance interval
	reconcile:
	  interval: 1m
	  lockTTL: 5m
	  missingThreshold: 3
	  retiredExpiration: 5h
	  inspectRetries: 3
	  inspectInterval: 10s
	removal:
	  adapterRetries: 1
	  adapterRetryDelay: 15s
	  descriptionRetries: 1
	  descriptionRetryDelay: 1s
	lock:
	  backend: memory          # or redis
	  redisAddr: ""
	containerd:
	  socket: /run/containerd/containerd.sock
	  namespace: admiral
	volumes:
	  basePath: /var/lib/admiral/volumes
	checks:
	  interval: 15s
	  timeout: 5s
	  retries: 3

Each section converts to the configuration of the component it drives,
for example cfg.Reconcile.Reconciler() or cfg.Tasks.Engine().
*/
package config
