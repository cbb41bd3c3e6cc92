// Package api is the HTTP data source for the notification inbox: the
// fallback list fetch used while push delivery is down, and the read/delete
// actions.
package api
