// Package httpserver provides the HTTP server shared by the techmap services.
//
// BaseServer wires route registrars (the key server, the map server and the
// producer registry from package services) into one chi router and adds:
//
//   - /livez and /readyz health checks
//   - /drain and /undrain to take the instance out of a load balancer
//   - a Prometheus metrics endpoint on a separate address
//   - pprof under /debug when enabled
//
// Registrars must scope their middleware with chi Group or Route, since the
// root router is shared.
//
// Usage:
//
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    Name:       "techmap-mapserver",
//	    ListenAddr: ":8080",
//	    Log:        log,
//	}, services.NewHTTPMapServer(mapServer, nil, log), registry)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
package httpserver
