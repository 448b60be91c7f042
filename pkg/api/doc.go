/*
Package api serves the operational endpoints of the scheduler process.

Nothing here manages services. The scheduler's inbound operations are Go
methods on scheduler.Scheduler; this package only exposes health, readiness
and metrics so that the process can be supervised.

# HTTP

HealthServer is a chi router:

	GET /health   overall health of every registered component
	GET /ready    200 once containerd, scheduler and api are healthy
	GET /live     200 while the process runs
	GET /metrics  Prometheus exposition
	GET /stats    tracked and failing service counts

The health state itself lives in the metrics package; components report
into it with metrics.UpdateComponent.

# gRPC

Server runs the standard grpc.health.v1.Health service. The empty service
name and SchedulerService report the same status, NOT_SERVING until
SetServing(true). Every unary call goes through LoggingInterceptor, which
logs it and counts it in dynsched_grpc_requests_total.

	srv := api.NewServer()
	go srv.Start(":9091")
	srv.SetServing(true)
	defer srv.Stop()
*/
package api
