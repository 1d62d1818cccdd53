// Package health runs health checks against a connection and its channels
// and serves the combined result over HTTP.
//
// Checks are registered on a Registry and run concurrently on each request:
//
//	registry := health.NewRegistry()
//	registry.Register(health.NewConnectionChecker(conn))
//	registry.Register(health.NewQueueChecker(conn, "orders", 10000))
//	http.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
//
// The overall status is the worst individual status. Degraded answers 200,
// unhealthy answers 503.
package health
