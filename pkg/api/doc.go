/*
Package api exposes the admiral manager over HTTP and gRPC.

# HTTP

HealthServer serves:

	GET /health       liveness with version
	GET /ready        raft, storage and critical component readiness
	GET /live         process liveness and uptime
	GET /components   every registered component and its state
	GET /metrics      Prometheus metrics
	GET /tasks/{id}   a task document, 404 when unknown

Every collaborator in HealthConfig is optional. A missing one is reported
as "not initialized" and keeps /ready at 503.

# gRPC

GRPCServer serves the standard grpc.health.v1 service under the empty
name and under ServiceName. Its status starts as NOT_SERVING and follows
the metrics component registry through SyncReadiness.

MetricsInterceptor records admiral_api_requests_total by method and gRPC
status code, and admiral_api_request_duration_seconds by method.

# Usage

	hs := api.NewHealthServer(api.HealthConfig{
		Cluster: mgr,
		Store:   mgr.Store(),
		Tasks:   engine,
		Version: version,
	})
	go hs.Start(":9090")
	defer hs.Shutdown(ctx)

	gs := api.NewGRPCServer()
	go gs.Start(":9091")
	defer gs.Stop()
	gs.SyncReadiness()
*/
package api
