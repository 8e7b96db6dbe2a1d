// Package config loads declarative chain configuration from YAML.
//
// A configuration can replace the phase lists, bound pending continuations
// and declare interceptors by type:
//
//	phases:
//	  in:
//	    - {name: receive, priority: 1000}
//	    - {name: invoke, priority: 2000}
//	continuations:
//	  maxPending: 1000
//	interceptors:
//	  - type: logging
//	    phase: receive
//	    options: {endPhase: invoke}
//	  - id: tenant-guard
//	    type: guard
//	    phase: receive
//	    after: [LoggingInterceptor]
//	    options:
//	      expression: 'headers["x-tenant"] != ""'
//	  - type: ratelimit
//	    phase: receive
//	    options:
//	      mode: delay
//	      maxDelay: 2s
//	      operations:
//	        placeOrder: {rate: 50, burst: 10}
//
// Interceptor options are decoded by the factory registered for the type.
// Watch re-reads the file on change so a running bus can swap its
// configured interceptors.
package config
