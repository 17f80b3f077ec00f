// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site registry that maps an incoming Host to its SiteRoute and worker.
// Bootstrap opens each site's cache storage, builds the workers and starts
// their install/activate lifecycle in the background; the router then hands
// every request to a ProxyHandler together with its route. Diagnostics under
// /-/ are not served here; they live on a separate loopback admin listener.
package server
