// Package api hosts the HTTP server, middleware, and handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pool for live executor metrics of an in-process pool run.
//   - POST /v1/jobs to publish a job as a workflow of bus tasks.
//   - GET /v1/workflows[/{id}[/tasks]] for consumer workflow progress, live
//     from the registry or persisted via store.WorkflowRepository.
package api
