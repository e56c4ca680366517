/*
Package health checks the external dependencies of the manager and
reports them in the metrics component registry.

A Monitor owns a set of named Checkers. Each interval it runs every
check under the configured timeout and updates a Status per component.
A component only turns unhealthy after Retries consecutive failures and
turns healthy again on the first success.

DialChecker opens a connection to a unix socket or TCP address and is
used for the containerd socket and the redis lock backend. CheckFunc
wraps any function returning an error, such as a redis PING.

	mon := health.NewMonitor(health.DefaultConfig())
	mon.Add("containerd", health.NewDialChecker("unix", socket))
	mon.Start()
	defer mon.Stop()
*/
package health
